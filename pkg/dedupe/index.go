// Package dedupe provides the run-wide set of seen record identifiers.
// Index.TryAccept is the only place where uniqueness is decided.
package dedupe

import (
	"sync"
)

// Index is a concurrency-safe set of record IDs. IDs are never removed
// for the lifetime of an Index.
type Index struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates an empty index sized for capacity IDs.
func New(capacity int) *Index {
	if capacity < 0 {
		capacity = 0
	}
	return &Index{
		seen: make(map[string]struct{}, capacity),
	}
}

// TryAccept records id and returns true only the first time id is seen.
// Check and insert happen under one lock.
func (x *Index) TryAccept(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.seen[id]; ok {
		return false
	}
	x.seen[id] = struct{}{}
	return true
}

// Contains reports whether id was already accepted.
func (x *Index) Contains(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.seen[id]
	return ok
}

// Size returns the number of distinct IDs accepted so far.
func (x *Index) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.seen)
}

// Seed marks ids as seen without reporting them as accepted. Used to resume
// from records persisted by a previous run. Returns how many were new.
func (x *Index) Seed(ids []string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	added := 0
	for _, id := range ids {
		if _, ok := x.seen[id]; ok {
			continue
		}
		x.seen[id] = struct{}{}
		added++
	}
	return added
}
