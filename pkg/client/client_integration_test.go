//go:build integration

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/tagharvest/internal/testutil"
	"github.com/Sternrassler/tagharvest/pkg/cache"
	"github.com/Sternrassler/tagharvest/pkg/ratelimit"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func newRedisClient(t *testing.T, baseURL string, rdb *redis.Client, cacheTTL time.Duration) *Client {
	t.Helper()

	cfg := DefaultConfig("test-token")
	cfg.BaseURL = baseURL
	cfg.Redis = rdb
	cfg.PageCacheTTL = cacheTTL
	cfg.GateConfig = ratelimit.GateConfig{MinInterval: 0, PollInterval: 10 * time.Millisecond}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestIntegration_PageCacheHit(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetPage("#nifty50", "c1", "c2", testutil.Tweets("n", 3)...)

	c := newRedisClient(t, mock.URL(), redisClient, 10*time.Minute)
	ctx := context.Background()

	first, err := c.Fetch(ctx, "#nifty50", "c1")
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	if first.FromCache {
		t.Error("first fetch should come from the network")
	}

	page, err := c.GetCache().Get(ctx, "#nifty50", "c1")
	if err != nil {
		t.Fatalf("expected cached page, got %v", err)
	}
	if len(page.IDs) != 3 || page.IDs[0] != first.Records[0].ID || page.NextCursor != "c2" {
		t.Errorf("cached page = %v next %q", page.IDs, page.NextCursor)
	}

	// A cache hit bypasses the gate, so a cooldown must not delay it.
	c.Gate().NotifyRejected(time.Hour)

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	second, err := c.Fetch(fetchCtx, "#nifty50", "c1")
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if !second.FromCache {
		t.Error("second fetch should come from the cache")
	}
	if len(second.Records) != 3 || second.NextCursor != "c2" {
		t.Errorf("cached batch = %d records, next %q", len(second.Records), second.NextCursor)
	}
	for i, r := range second.Records {
		if r.ID != first.Records[i].ID || r.Text != first.Records[i].Text {
			t.Errorf("record %d = %+v, want %+v", i, r, first.Records[i])
		}
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", mock.GetRequestCount())
	}
}

func TestIntegration_FirstPageNotCached(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetPage("#nifty50", "", "c1", testutil.Tweets("n", 3)...)

	c := newRedisClient(t, mock.URL(), redisClient, 10*time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		batch, err := c.Fetch(ctx, "#nifty50", "")
		if err != nil {
			t.Fatalf("Fetch() #%d error = %v", i+1, err)
		}
		if batch.FromCache {
			t.Errorf("Fetch() #%d served the first page from the cache", i+1)
		}
	}

	if mock.GetRequestCount() != 2 {
		t.Errorf("RequestCount = %d, want 2", mock.GetRequestCount())
	}

	keys, err := redisClient.Keys(ctx, "harvest:search:*").Result()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("cached keys = %v, want none", keys)
	}
}

func TestIntegration_PageCacheExpiration(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetPage("#sensex", "c1", "", testutil.Tweets("s", 1)...)

	c := newRedisClient(t, mock.URL(), redisClient, time.Second)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "#sensex", "c1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if _, err := c.GetCache().Get(ctx, "#sensex", "c1"); err != nil {
		t.Fatalf("expected cached page, got %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, err := c.GetCache().Get(ctx, "#sensex", "c1"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("expected cache miss after expiry, got %v", err)
	}

	if _, err := c.Fetch(ctx, "#sensex", "c1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("RequestCount = %d, want 2", mock.GetRequestCount())
	}
}

func TestIntegration_CooldownSurvivesRestart(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.Enqueue("#banknifty", "", testutil.NewRateLimitResponse(60*time.Second))

	ctx := context.Background()

	first := newRedisClient(t, mock.URL(), redisClient, 0)
	if _, err := first.Fetch(ctx, "#banknifty", ""); KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}

	// A new client starts with a fresh gate and restores the cooldown.
	second := newRedisClient(t, mock.URL(), redisClient, 0)
	if second.Gate().State().InCooldown(time.Now()) {
		t.Fatal("fresh gate should not be in cooldown before Prepare")
	}
	if err := second.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	remaining := second.Gate().State().CooldownRemaining(time.Now())
	if remaining < 55*time.Second || remaining > 60*time.Second {
		t.Errorf("restored cooldown = %v, want about 60s", remaining)
	}
}

func TestIntegration_MetricsIncremented(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.Enqueue("#intraday", "", testutil.NewMalformedResponse())

	c := newRedisClient(t, mock.URL(), redisClient, 0)

	before := prom.ToFloat64(protocolErrorsTotal)
	if _, err := c.Fetch(context.Background(), "#intraday", ""); KindOf(err) != KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if got := prom.ToFloat64(protocolErrorsTotal) - before; got != 1 {
		t.Errorf("protocol errors delta = %v, want 1", got)
	}
}

func TestIntegration_AcceptedRequestClearsCooldown(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.Enqueue("#midcap", "", testutil.NewRateLimitResponse(60*time.Second))
	mock.SetPage("#midcap", "", "", testutil.Tweets("m", 1)...)

	ctx := context.Background()
	c := newRedisClient(t, mock.URL(), redisClient, 0)
	tracker := ratelimit.NewTracker(redisClient, zerolog.Nop())

	if _, err := c.Fetch(ctx, "#midcap", ""); KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if until, err := tracker.LoadCooldown(ctx); err != nil || until.IsZero() {
		t.Fatalf("LoadCooldown() = %v, %v; want a persisted cooldown", until, err)
	}

	// The quota came back before the announced reset.
	c.Gate().Reset()

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.Fetch(fetchCtx, "#midcap", ""); err != nil {
		t.Fatalf("Fetch() after reset error = %v", err)
	}

	n, err := redisClient.Exists(ctx, ratelimit.RedisKeyCooldownUntil).Result()
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if n != 0 {
		t.Error("persisted cooldown was not cleared after an accepted request")
	}
}
