package cache

import (
	"fmt"
	"net/url"
	"strings"
)

// CacheKey identifies one cached search result page.
type CacheKey struct {
	// Term is the query term (e.g. "#nifty50").
	Term string

	// Cursor is the pagination token the page was requested with.
	// Empty for the first page.
	Cursor string

	// PageSize is the requested number of records per page.
	PageSize int
}

// String generates a deterministic cache key string.
// Format: harvest:search:term=<escaped term>:cursor=<cursor>:size=<n>
//
// Example:
//
//	harvest:search:term=%23nifty50:cursor=:size=100
func (k CacheKey) String() string {
	parts := []string{
		"harvest",
		"search",
		"term=" + url.QueryEscape(strings.ToLower(strings.TrimSpace(k.Term))),
		"cursor=" + url.QueryEscape(k.Cursor),
	}
	if k.PageSize > 0 {
		parts = append(parts, fmt.Sprintf("size=%d", k.PageSize))
	}
	return strings.Join(parts, ":")
}
