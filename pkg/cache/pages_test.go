package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client for testing.
// Skips when no Redis is listening on localhost; the integration suite
// covers the same paths against a container.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func testPage(term, cursor, next string, ids ...string) *Page {
	records, _ := json.Marshal(ids)
	return &Page{
		Term:       term,
		Cursor:     cursor,
		NextCursor: next,
		IDs:        ids,
		Records:    records,
	}
}

func TestNewPageCache(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	pages := NewPageCache(client, 100, 5*time.Minute)
	if pages == nil {
		t.Fatal("NewPageCache returned nil")
	}
	if pages.redis != client {
		t.Error("PageCache redis client not set correctly")
	}
	if pages.TTL() != 5*time.Minute {
		t.Errorf("TTL() = %v, want 5m", pages.TTL())
	}
}

func TestNewPageCache_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewPageCache should panic with nil redis client")
		}
	}()
	NewPageCache(nil, 100, time.Minute)
}

func TestPageCache_RefusesFirstPage(t *testing.T) {
	// No Redis needed: first pages never reach it.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	pages := NewPageCache(client, 100, 5*time.Minute)
	ctx := context.Background()

	if err := pages.Put(ctx, testPage("#nifty50", "", "c1", "1", "2")); !errors.Is(err, ErrFirstPage) {
		t.Errorf("Put(first page) error = %v, want ErrFirstPage", err)
	}
	if _, err := pages.Get(ctx, "#nifty50", ""); !errors.Is(err, ErrFirstPage) {
		t.Errorf("Get(first page) error = %v, want ErrFirstPage", err)
	}
}

func TestPageCache_FirstPageNeverStored(t *testing.T) {
	client := setupTestRedis(t)
	pages := NewPageCache(client, 100, 5*time.Minute)
	ctx := context.Background()

	_ = pages.Put(ctx, testPage("#nifty50", "", "c1", "1", "2"))

	n, err := client.Exists(ctx, CacheKey{Term: "#nifty50", PageSize: 100}.String()).Result()
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if n != 0 {
		t.Error("first page was written to Redis")
	}
}

func TestPageCache_PutAndGet(t *testing.T) {
	client := setupTestRedis(t)
	pages := NewPageCache(client, 100, 5*time.Minute)
	ctx := context.Background()

	stored := testPage("#nifty50", "c1", "c2", "3", "4")
	if err := pages.Put(ctx, stored); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := pages.Get(ctx, "#nifty50", "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.Term != "#nifty50" || got.Cursor != "c1" || got.NextCursor != "c2" {
		t.Errorf("page = %+v, want term #nifty50 cursor c1 next c2", got)
	}
	if len(got.IDs) != 2 || got.IDs[0] != "3" || got.IDs[1] != "4" {
		t.Errorf("IDs = %v, want [3 4]", got.IDs)
	}
	if string(got.Records) != string(stored.Records) {
		t.Errorf("Records = %s, want %s", got.Records, stored.Records)
	}
	if got.CachedAt.IsZero() || got.TTL() <= 0 {
		t.Errorf("page not stamped: cached_at=%v ttl=%v", got.CachedAt, got.TTL())
	}

	ttl, err := client.TTL(ctx, CacheKey{Term: "#nifty50", Cursor: "c1", PageSize: 100}.String()).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Errorf("Redis TTL = %v, want within (0, 5m]", ttl)
	}
}

func TestPageCache_PageSizeIsPartOfKey(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	if err := NewPageCache(client, 100, time.Minute).Put(ctx, testPage("#sensex", "c1", "")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err := NewPageCache(client, 10, time.Minute).Get(ctx, "#sensex", "c1")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get with other page size error = %v, want ErrCacheMiss", err)
	}
}

func TestPageCache_Get_CacheMiss(t *testing.T) {
	client := setupTestRedis(t)
	pages := NewPageCache(client, 100, time.Minute)

	_, err := pages.Get(context.Background(), "#missing", "c1")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestPageCache_Get_ExpiredPage(t *testing.T) {
	client := setupTestRedis(t)
	pages := NewPageCache(client, 100, time.Minute)
	ctx := context.Background()

	// Redis still holds the value but the stored expiry has passed.
	page := testPage("#expired", "c1", "")
	page.Expires = time.Now().Add(-time.Hour)
	data, _ := json.Marshal(page)
	key := CacheKey{Term: "#expired", Cursor: "c1", PageSize: 100}.String()
	if err := client.Set(ctx, key, data, time.Minute).Err(); err != nil {
		t.Fatalf("Seeding expired page failed: %v", err)
	}

	if _, err := pages.Get(ctx, "#expired", "c1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for expired page, got %v", err)
	}
	if n, _ := client.Exists(ctx, key).Result(); n != 0 {
		t.Error("expired page was not deleted")
	}
}

func TestPageCache_Get_InvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	pages := NewPageCache(client, 100, time.Minute)
	ctx := context.Background()

	key := CacheKey{Term: "#corrupt", Cursor: "c1", PageSize: 100}.String()
	if err := client.Set(ctx, key, "not json", time.Minute).Err(); err != nil {
		t.Fatalf("Seeding corrupt page failed: %v", err)
	}

	if _, err := pages.Get(ctx, "#corrupt", "c1"); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestPageCache_Delete(t *testing.T) {
	client := setupTestRedis(t)
	pages := NewPageCache(client, 100, 5*time.Minute)
	ctx := context.Background()

	if err := pages.Put(ctx, testPage("#delete", "c1", "", "9")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := pages.Get(ctx, "#delete", "c1"); err != nil {
		t.Fatalf("Get after Put failed: %v", err)
	}

	if err := pages.Delete(ctx, "#delete", "c1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := pages.Get(ctx, "#delete", "c1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestPageCache_Put_NilPage(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	if err := NewPageCache(client, 100, time.Minute).Put(context.Background(), nil); err == nil {
		t.Error("Put with nil page should return error")
	}
}
