// Package cache provides a Redis-backed cache of search result pages.
//
// Each page is keyed by query term, pagination cursor and page size and
// holds the decoded records together with the cursor of the following page.
// A run that is restarted after a crash or an abort replays pages it already
// paid quota for from Redis instead of fetching them again.
//
// First pages are never cached. Their window starts at a time relative to
// the request, so a stored copy would replay an older window.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	pages := cache.NewPageCache(redisClient, 100, 30*time.Minute)
//
//	page, err := pages.Get(ctx, "#sensex", "b26v89c19zqg8o3f")
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the endpoint, then:
//		_ = pages.Put(ctx, &cache.Page{Term: "#sensex", Cursor: "b26v89c19zqg8o3f", ...})
//	}
//
// # Metrics
//
//   - harvest_cache_hits_total{layer="redis"} - Cache hits
//   - harvest_cache_misses_total - Cache misses
//   - harvest_cache_size_bytes{layer="redis"} - Bytes written
//   - harvest_cache_errors_total{operation} - Cache operation errors
//
// Only successful pages are cached. Quota rejections, auth failures and
// malformed bodies never are.
package cache
