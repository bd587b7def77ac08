package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested page was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cached page is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrFirstPage indicates an attempt to cache or look up a first page
	ErrFirstPage = errors.New("first page is not cacheable")
)

// PageCache stores decoded search pages in Redis, keyed by term, cursor and
// page size.
type PageCache struct {
	redis    *redis.Client
	pageSize int
	ttl      time.Duration
}

// NewPageCache creates a page cache for pages of pageSize records that stay
// valid for ttl.
func NewPageCache(redisClient *redis.Client, pageSize int, ttl time.Duration) *PageCache {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &PageCache{
		redis:    redisClient,
		pageSize: pageSize,
		ttl:      ttl,
	}
}

func (c *PageCache) key(term, cursor string) CacheKey {
	return CacheKey{Term: term, Cursor: cursor, PageSize: c.pageSize}
}

// Get returns the cached page for term at cursor.
// Returns ErrFirstPage for an empty cursor without consulting Redis, and
// ErrCacheMiss if the page doesn't exist or is expired.
func (c *PageCache) Get(ctx context.Context, term, cursor string) (*Page, error) {
	if !Cacheable(cursor) {
		return nil, ErrFirstPage
	}

	key := c.key(term, cursor)
	data, err := c.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if page.Cursor != cursor {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: stored cursor %q, want %q", ErrInvalidEntry, page.Cursor, cursor)
	}

	// Redis TTL and Expires normally agree; guard against clock skew.
	if page.IsExpired() {
		_ = c.Delete(ctx, term, cursor)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &page, nil
}

// Put stores page for the cache's TTL, stamping CachedAt and Expires.
// First pages are refused with ErrFirstPage.
func (c *PageCache) Put(ctx context.Context, page *Page) error {
	if page == nil {
		return fmt.Errorf("cache page cannot be nil")
	}
	if !Cacheable(page.Cursor) {
		return ErrFirstPage
	}
	if c.ttl <= 0 {
		return nil
	}

	now := time.Now()
	page.CachedAt = now
	page.Expires = now.Add(c.ttl)

	data, err := json.Marshal(page)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache page: %w", err)
	}

	if err := c.redis.Set(ctx, c.key(page.Term, page.Cursor).String(), data, c.ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))
	return nil
}

// Delete removes the cached page for term at cursor.
func (c *PageCache) Delete(ctx context.Context, term, cursor string) error {
	if err := c.redis.Del(ctx, c.key(term, cursor).String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TTL returns how long stored pages stay valid.
func (c *PageCache) TTL() time.Duration {
	return c.ttl
}
