// Package testutil provides testing utilities for the search client and
// the harvest pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines a scripted response of the mock search endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockTweet is a compact description of one post served by the mock.
type MockTweet struct {
	ID        string
	Text      string
	CreatedAt time.Time
	AuthorID  string
	Likes     int
	Hashtags  []string
}

// MockSearch is a configurable mock recent-search server. Pages are keyed
// by term and cursor; scripted responses are consumed before pages.
type MockSearch struct {
	server *httptest.Server
	mu     sync.Mutex

	pages   map[string]string
	scripts map[string][]MockResponse
	users   map[string]string

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	Queries           []string
}

// NewMockSearch creates a new mock search server.
func NewMockSearch() *MockSearch {
	mock := &MockSearch{
		pages:   make(map[string]string),
		scripts: make(map[string][]MockResponse),
		users:   make(map[string]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockSearch) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSearch) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSearch) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.Queries = nil
}

// SetUser registers an author for the includes expansion.
func (m *MockSearch) SetUser(id, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = username
}

// SetPage serves tweets for term at cursor, pointing to next.
// An empty next marks the last page.
func (m *MockSearch) SetPage(term, cursor, next string, tweets ...MockTweet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[pageKey(term, cursor)] = m.pageBody(tweets, next)
}

// Enqueue scripts responses returned, in order, for the next requests of
// term at cursor before the configured page is served.
func (m *MockSearch) Enqueue(term, cursor string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pageKey(term, cursor)
	m.scripts[k] = append(m.scripts[k], responses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSearch) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// LastHeader returns the headers of the most recent request.
func (m *MockSearch) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRequestHeader
}

func (m *MockSearch) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	term := TermOf(q.Get("query"))
	k := pageKey(term, q.Get("next_token"))

	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.Queries = append(m.Queries, r.URL.RawQuery)

	var scripted *MockResponse
	if s := m.scripts[k]; len(s) > 0 {
		scripted = &s[0]
		m.scripts[k] = s[1:]
	}
	body, ok := m.pages[k]
	m.mu.Unlock()

	if scripted != nil {
		writeResponse(w, *scripted)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !ok {
		// Unknown term or cursor: an empty terminal page.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"meta":{"result_count":0}}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// pageBody renders a search response. Must be called with m.mu held.
func (m *MockSearch) pageBody(tweets []MockTweet, next string) string {
	type tag struct {
		Tag string `json:"tag"`
	}
	type tweet struct {
		ID            string         `json:"id"`
		Text          string         `json:"text"`
		CreatedAt     string         `json:"created_at"`
		AuthorID      string         `json:"author_id,omitempty"`
		PublicMetrics map[string]int `json:"public_metrics"`
		Entities      map[string]any `json:"entities,omitempty"`
	}
	type user struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}

	data := make([]tweet, 0, len(tweets))
	var users []user
	for _, t := range tweets {
		created := t.CreatedAt
		if created.IsZero() {
			created = time.Now().Add(-time.Hour)
		}
		out := tweet{
			ID:        t.ID,
			Text:      t.Text,
			CreatedAt: created.UTC().Format(time.RFC3339),
			AuthorID:  t.AuthorID,
			PublicMetrics: map[string]int{
				"like_count": t.Likes,
			},
		}
		if len(t.Hashtags) > 0 {
			tags := make([]tag, 0, len(t.Hashtags))
			for _, h := range t.Hashtags {
				tags = append(tags, tag{Tag: h})
			}
			out.Entities = map[string]any{"hashtags": tags}
		}
		data = append(data, out)
		if name, ok := m.users[t.AuthorID]; ok {
			users = append(users, user{ID: t.AuthorID, Username: name})
		}
	}

	body := map[string]any{
		"data":     data,
		"includes": map[string]any{"users": users},
		"meta": map[string]any{
			"result_count": len(data),
			"next_token":   next,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("marshal mock page: %v", err))
	}
	return string(b)
}

// TermOf strips the query filter from a search query, returning the term.
func TermOf(query string) string {
	if i := strings.IndexByte(query, ' '); i >= 0 {
		return query[:i]
	}
	return query
}

func pageKey(term, cursor string) string {
	return strings.ToLower(term) + "|" + cursor
}

// Tweets builds n tweets with ids prefix-1 .. prefix-n.
func Tweets(prefix string, n int) []MockTweet {
	out := make([]MockTweet, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, MockTweet{
			ID:   fmt.Sprintf("%s-%d", prefix, i),
			Text: fmt.Sprintf("post %d about %s", i, prefix),
		})
	}
	return out
}

// NewRateLimitResponse creates a 429 response with a Retry-After header.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"title":"Too Many Requests","status":429}`,
		Headers: map[string]string{
			"Retry-After":  fmt.Sprintf("%d", int(retryAfter.Seconds())),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"title":"Unauthorized","status":401}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewMalformedResponse creates a 200 response with a body that is not JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"data": [`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
