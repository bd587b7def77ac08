// Package client provides the recent-search HTTP client with request
// gating, an optional Redis page cache, and error classification.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/cache"
	"github.com/Sternrassler/tagharvest/pkg/logging"
	"github.com/Sternrassler/tagharvest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for search client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total search requests by term and status",
	}, []string{"term", "status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Search request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_errors_total",
		Help: "Total failed fetches by error kind",
	}, []string{"kind"})

	protocolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_protocol_errors_total",
		Help: "Total malformed search responses",
	})
)

const (
	// DefaultBaseURL is the production API host.
	DefaultBaseURL = "https://api.twitter.com"

	// SearchPath is the recent-search endpoint.
	SearchPath = "/2/tweets/search/recent"

	// MinBatchSize and MaxBatchSize bound max_results.
	MinBatchSize = 10
	MaxBatchSize = 100

	// maxErrorBody limits how much of an error body ends up in messages.
	maxErrorBody = 512
)

// Client fetches pages of recent-search results for a term.
type Client struct {
	httpClient *http.Client
	gate       *ratelimit.Gate
	tracker    *ratelimit.Tracker
	cache      *cache.PageCache
	config     Config

	// cooldownStored is set while Redis may hold a cooldown that an
	// accepted request has not yet cleared.
	cooldownStored atomic.Bool
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, without trailing slash.
	BaseURL string

	// BearerToken authenticates every request (REQUIRED).
	BearerToken string

	// UserAgent header sent with every request.
	UserAgent string

	// BatchSize is max_results per page (10-100).
	BatchSize int

	// Lookback bounds start_time to now-Lookback. Zero omits start_time.
	Lookback time.Duration

	// Query filter appended to every term.
	QuerySuffix string

	// DefaultCooldown applies after a 429 without usable reset headers.
	DefaultCooldown time.Duration

	// Timeout of a single HTTP request.
	Timeout time.Duration

	// Gate shared by all sources of a run. Created from GateConfig when nil.
	Gate       *ratelimit.Gate
	GateConfig ratelimit.GateConfig

	// Redis enables cooldown persistence and, with PageCacheTTL > 0, the
	// page cache. Optional.
	Redis        *redis.Client
	PageCacheTTL time.Duration
}

// DefaultConfig returns a default configuration for the given token.
func DefaultConfig(bearerToken string) Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		BearerToken:     bearerToken,
		UserAgent:       "tagharvest/1.0",
		BatchSize:       MaxBatchSize,
		Lookback:        24 * time.Hour,
		QuerySuffix:     "lang:en -is:retweet",
		DefaultCooldown: ratelimit.DefaultCooldown,
		Timeout:         30 * time.Second,
		GateConfig:      ratelimit.DefaultGateConfig(),
	}
}

// New creates a new search client.
func New(cfg Config) (*Client, error) {
	if cfg.BearerToken == "" {
		return nil, fmt.Errorf("bearer token is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	if cfg.BatchSize < MinBatchSize || cfg.BatchSize > MaxBatchSize {
		return nil, fmt.Errorf("batch_size must be between %d and %d (got %d)", MinBatchSize, MaxBatchSize, cfg.BatchSize)
	}

	if cfg.Lookback < 0 {
		return nil, fmt.Errorf("lookback must not be negative")
	}

	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = ratelimit.DefaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := logging.NewLogger("search-client")

	gate := cfg.Gate
	if gate == nil {
		gate = ratelimit.NewGate(cfg.GateConfig, logger)
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		gate:   gate,
		config: cfg,
		logger: logger,
	}

	if cfg.Redis != nil {
		c.tracker = ratelimit.NewTracker(cfg.Redis, logger)
		if cfg.PageCacheTTL > 0 {
			c.cache = cache.NewPageCache(cfg.Redis, cfg.BatchSize, cfg.PageCacheTTL)
		}
	}

	return c, nil
}

// Prepare restores a cooldown persisted by a previous run into the gate.
// It is a no-op without Redis.
func (c *Client) Prepare(ctx context.Context) error {
	if c.tracker != nil {
		c.tracker.Restore(ctx, c.gate)
		c.cooldownStored.Store(true)
	}
	return nil
}

// Fetch returns one page of results for term starting at cursor.
// An empty cursor requests the first page. Failures are returned as
// *FetchError, except cancellation, which returns ctx.Err().
func (c *Client) Fetch(ctx context.Context, term, cursor string) (*Batch, error) {
	if batch := c.cachedBatch(ctx, term, cursor); batch != nil {
		return batch, nil
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, term, cursor)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.logger.Debug().
		Str("term", term).
		Str("cursor", cursor).
		Msg("Executing search request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(startTime).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		requestsTotal.WithLabelValues(term, "network_error").Inc()
		return nil, c.fail(&FetchError{Kind: KindTransient, Term: term, Err: err})
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(term, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		return nil, c.fail(c.classifyResponse(ctx, term, resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(&FetchError{Kind: KindTransient, Term: term, StatusCode: resp.StatusCode, Err: err})
	}

	batch, err := decodeBatch(term, cursor, body)
	if err != nil {
		protocolErrorsTotal.Inc()
		return nil, c.fail(&FetchError{Kind: KindProtocol, Term: term, StatusCode: resp.StatusCode, Err: err})
	}

	c.storeBatch(ctx, batch)
	c.clearCooldown(ctx)

	c.logger.Debug().
		Str("term", term).
		Int("records", len(batch.Records)).
		Bool("exhausted", batch.Exhausted()).
		Msg("Search page received")

	return batch, nil
}

// newRequest builds the search request for term and cursor.
func (c *Client) newRequest(ctx context.Context, term, cursor string) (*http.Request, error) {
	query := strings.TrimSpace(term + " " + c.config.QuerySuffix)

	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", strconv.Itoa(c.config.BatchSize))
	params.Set("tweet.fields", "created_at,public_metrics,entities")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username,name")
	if c.config.Lookback > 0 {
		params.Set("start_time", time.Now().UTC().Add(-c.config.Lookback).Format(time.RFC3339))
	}
	if cursor != "" {
		params.Set("next_token", cursor)
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + SearchPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return req, nil
}

// classifyResponse turns an HTTP error response into a FetchError.
// A 429 also starts the gate cooldown.
func (c *Client) classifyResponse(ctx context.Context, term string, resp *http.Response) *FetchError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	fe := &FetchError{
		Term:       term,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(snippet)),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		fe.Kind = KindRateLimited
		fe.RetryAfter = cooldownFromHeaders(resp.Header, time.Now(), c.config.DefaultCooldown)
		until := c.gate.NotifyRejected(fe.RetryAfter)
		if c.tracker != nil {
			if err := c.tracker.SaveCooldown(ctx, until); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to persist cooldown")
			} else {
				c.cooldownStored.Store(true)
			}
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		fe.Kind = KindAuth
	case resp.StatusCode >= 500:
		fe.Kind = KindTransient
	default:
		fe.Kind = KindClient
	}

	return fe
}

// fail records and logs a fetch error.
func (c *Client) fail(fe *FetchError) *FetchError {
	fetchErrorsTotal.WithLabelValues(string(fe.Kind)).Inc()

	event := c.logger.Warn()
	if fe.Kind == KindAuth {
		event = c.logger.Error()
	}
	event.
		Str("term", fe.Term).
		Int("status", fe.StatusCode).
		Str("kind", string(fe.Kind)).
		Err(fe.Err).
		Msg("Search request failed")

	return fe
}

// cooldownFromHeaders derives the quota cooldown from a 429 response.
// Retry-After (seconds or HTTP date) wins over x-rate-limit-reset (unix
// seconds); fallback applies when neither yields a positive duration.
func cooldownFromHeaders(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
		}
	}

	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(now); d > 0 {
				return d
			}
		}
	}

	return fallback
}

// decodeBatch parses a search response body.
func decodeBatch(term, cursor string, body []byte) (*Batch, error) {
	var resp SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	for i, r := range resp.Data {
		if r.ID == "" {
			return nil, fmt.Errorf("record %d has no id", i)
		}
	}

	return newBatch(term, cursor, &resp), nil
}

// cachedBatch returns the cached page for term at cursor, or nil.
// First pages always miss.
func (c *Client) cachedBatch(ctx context.Context, term, cursor string) *Batch {
	if c.cache == nil || !cache.Cacheable(cursor) {
		return nil
	}

	page, err := c.cache.Get(ctx, term, cursor)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("term", term).Msg("Cache get error")
		}
		return nil
	}

	var records []RawRecord
	if err := json.Unmarshal(page.Records, &records); err != nil || len(records) != len(page.IDs) {
		c.logger.Warn().Err(err).Str("term", term).Msg("Discarding invalid cached page")
		_ = c.cache.Delete(ctx, term, cursor)
		return nil
	}

	c.logger.Debug().
		Str("term", term).
		Str("cursor", cursor).
		Dur("age", page.Age()).
		Msg("Serving search page from cache")

	return &Batch{
		Term:       term,
		Cursor:     cursor,
		Records:    records,
		NextCursor: page.NextCursor,
		FetchedAt:  page.CachedAt,
		FromCache:  true,
	}
}

// clearCooldown drops a persisted cooldown once the endpoint accepted a
// request, so the next run does not wait out a quota window that is over.
func (c *Client) clearCooldown(ctx context.Context) {
	if c.tracker == nil || !c.cooldownStored.CompareAndSwap(true, false) {
		return
	}
	if err := c.tracker.Clear(ctx); err != nil {
		c.cooldownStored.Store(true)
		c.logger.Warn().Err(err).Msg("Failed to clear persisted cooldown")
	}
}

// storeBatch caches a decoded page. First pages are skipped.
func (c *Client) storeBatch(ctx context.Context, batch *Batch) {
	if c.cache == nil || !cache.Cacheable(batch.Cursor) {
		return
	}

	records, err := json.Marshal(batch.Records)
	if err != nil {
		c.logger.Warn().Err(err).Str("term", batch.Term).Msg("Failed to encode search page for cache")
		return
	}

	ids := make([]string, len(batch.Records))
	for i, r := range batch.Records {
		ids[i] = r.ID
	}

	page := &cache.Page{
		Term:       batch.Term,
		Cursor:     batch.Cursor,
		NextCursor: batch.NextCursor,
		IDs:        ids,
		Records:    records,
	}
	if err := c.cache.Put(ctx, page); err != nil {
		c.logger.Warn().Err(err).Str("term", batch.Term).Msg("Failed to cache search page")
	}
}

// Gate returns the request gate used by the client.
func (c *Client) Gate() *ratelimit.Gate {
	return c.gate
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the page cache, nil when caching is disabled.
func (c *Client) GetCache() *cache.PageCache {
	return c.cache
}
