package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/client"
	"github.com/Sternrassler/tagharvest/pkg/retry"
)

// fakePage is one scripted page.
type fakePage struct {
	ids  []string
	next string
}

// fakeFetcher serves scripted pages per term and cursor. Scripted errors
// for a term/cursor are returned before the page.
type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]fakePage
	errs   map[string][]error
	calls  map[string]int
	times  map[string][]time.Time
	delay  time.Duration
	onCall func(term, cursor string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]fakePage),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
		times: make(map[string][]time.Time),
	}
}

func fakeKey(term, cursor string) string {
	return term + "|" + cursor
}

func (f *fakeFetcher) page(term, cursor, next string, ids ...string) *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[fakeKey(term, cursor)] = fakePage{ids: ids, next: next}
	return f
}

func (f *fakeFetcher) fail(term, cursor string, errs ...error) *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fakeKey(term, cursor)
	f.errs[k] = append(f.errs[k], errs...)
	return f
}

func (f *fakeFetcher) callCount(term string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[term]
}

func (f *fakeFetcher) callTimes(term string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times[term]...)
}

func (f *fakeFetcher) Fetch(ctx context.Context, term, cursor string) (*client.Batch, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls[term]++
	f.times[term] = append(f.times[term], time.Now())
	k := fakeKey(term, cursor)
	var err error
	if errs := f.errs[k]; len(errs) > 0 {
		err = errs[0]
		f.errs[k] = errs[1:]
	}
	p, ok := f.pages[k]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(term, cursor)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &client.Batch{Term: term, Cursor: cursor}, nil
	}

	records := make([]client.RawRecord, 0, len(p.ids))
	for _, id := range p.ids {
		records = append(records, rawRecord(id, term))
	}
	return &client.Batch{Term: term, Cursor: cursor, Records: records, NextCursor: p.next}, nil
}

func rawRecord(id, term string) client.RawRecord {
	return client.RawRecord{
		ID:        id,
		Text:      fmt.Sprintf("post %s %s", id, term),
		CreatedAt: "2024-03-01T09:15:00Z",
		PublicMetrics: &client.PublicMetrics{
			LikeCount: 1,
		},
	}
}

func ids(prefix string, n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

func rateLimited(term string) error {
	return &client.FetchError{Kind: client.KindRateLimited, Term: term, StatusCode: 429}
}

func transient(term string) error {
	return &client.FetchError{Kind: client.KindTransient, Term: term, StatusCode: 503}
}

func protocolError(term string) error {
	return &client.FetchError{Kind: client.KindProtocol, Term: term, StatusCode: 200, Message: "malformed payload"}
}

func authFailure(term string) error {
	return &client.FetchError{Kind: client.KindAuth, Term: term, StatusCode: 401}
}

// fastPolicy retries quickly and deterministically.
func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0,
	}
}

// testConfig is a coordinator config with short timings.
func testConfig(target int) Config {
	cfg := DefaultConfig()
	cfg.Target = target
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	cfg.Retry = fastPolicy(4)
	return cfg
}

func recordIDs(result *Result) []string {
	out := make([]string, 0, len(result.Records))
	for _, r := range result.Records {
		out = append(out, r.ID)
	}
	return out
}

func hasPrefix(list []string, prefix string) int {
	n := 0
	for _, s := range list {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}
