package cache

import (
	"encoding/json"
	"time"
)

// Page is one decoded search result page as stored in the cache.
type Page struct {
	// Term is the query term that produced the page.
	Term string `json:"term"`

	// Cursor is the pagination token the page was requested with.
	// Never empty for a cached page.
	Cursor string `json:"cursor"`

	// NextCursor is the token of the following page. Empty when the page
	// was the last one for its term.
	NextCursor string `json:"next_cursor"`

	// IDs are the record ids in response order.
	IDs []string `json:"ids"`

	// Records holds the encoded records, in the same order as IDs.
	Records json.RawMessage `json:"records"`

	// CachedAt is when the page was stored.
	CachedAt time.Time `json:"cached_at"`

	// Expires is when the page becomes stale.
	Expires time.Time `json:"expires"`
}

// Cacheable reports whether a page requested with cursor may be cached.
// The first page (empty cursor) is bounded by a start time relative to the
// request, so a stored copy would replay an older window on the next run.
func Cacheable(cursor string) bool {
	return cursor != ""
}

// Exhausted reports whether the page was the last one for its term.
func (p *Page) Exhausted() bool {
	return p.NextCursor == ""
}

// IsExpired returns true if the page has expired.
func (p *Page) IsExpired() bool {
	return time.Now().After(p.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (p *Page) TTL() time.Duration {
	ttl := time.Until(p.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the page was cached.
func (p *Page) Age() time.Duration {
	return time.Since(p.CachedAt)
}
