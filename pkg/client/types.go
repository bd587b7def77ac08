package client

import (
	"time"
)

// PublicMetrics are the engagement counters of a post.
type PublicMetrics struct {
	LikeCount    int `json:"like_count"`
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	QuoteCount   int `json:"quote_count"`
}

// HashtagEntity is one hashtag annotation of a post.
type HashtagEntity struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Tag   string `json:"tag"`
}

// MentionEntity is one user mention annotation of a post.
type MentionEntity struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Username string `json:"username"`
}

// Entities are the parsed annotations of a post's text.
type Entities struct {
	Hashtags []HashtagEntity `json:"hashtags,omitempty"`
	Mentions []MentionEntity `json:"mentions,omitempty"`
}

// RawRecord is one post as returned by the search endpoint.
type RawRecord struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	CreatedAt     string         `json:"created_at"`
	AuthorID      string         `json:"author_id,omitempty"`
	PublicMetrics *PublicMetrics `json:"public_metrics,omitempty"`
	Entities      *Entities      `json:"entities,omitempty"`

	// AuthorUsername is resolved from the response includes.
	AuthorUsername string `json:"author_username,omitempty"`
}

// User is an expanded author object.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// SearchResponse is the body of a successful recent-search call.
type SearchResponse struct {
	Data     []RawRecord `json:"data"`
	Includes struct {
		Users []User `json:"users"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

// Batch is one page of raw records for a term. A Batch is consumed exactly
// once by a sink.
type Batch struct {
	// Term is the query term that produced the page.
	Term string `json:"term"`

	// Cursor is the pagination token the page was requested with.
	Cursor string `json:"cursor"`

	// Records are the raw records in response order.
	Records []RawRecord `json:"records"`

	// NextCursor is the token for the following page. Empty means the
	// stream for this term is exhausted.
	NextCursor string `json:"next_cursor"`

	// FetchedAt is when the page was received.
	FetchedAt time.Time `json:"fetched_at"`

	// FromCache is true when the page was served by the page cache.
	FromCache bool `json:"-"`
}

// Exhausted reports whether this is the last page for its term.
func (b *Batch) Exhausted() bool {
	return b.NextCursor == ""
}

// newBatch builds a Batch from a decoded response, resolving author
// usernames from the includes.
func newBatch(term, cursor string, resp *SearchResponse) *Batch {
	users := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		users[u.ID] = u.Username
	}

	records := make([]RawRecord, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.AuthorUsername == "" {
			r.AuthorUsername = users[r.AuthorID]
		}
		records = append(records, r)
	}

	return &Batch{
		Term:       term,
		Cursor:     cursor,
		Records:    records,
		NextCursor: resp.Meta.NextToken,
		FetchedAt:  time.Now().UTC(),
	}
}
