// Package record turns raw search results into validated, normalized
// records ready for persistence.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/client"
)

// Validation errors returned by Normalize and Validate.
var (
	ErrMissingID        = errors.New("record: missing id")
	ErrMissingTimestamp = errors.New("record: missing or invalid created_at")
	ErrNegativeMetric   = errors.New("record: negative engagement metric")
)

var (
	hashtagPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&])#([\p{L}\p{N}_]+)`)
	mentionPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_])@([A-Za-z0-9_]{1,15})`)
)

// Record is a normalized post.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`

	Likes    int `json:"likes"`
	Retweets int `json:"retweets"`
	Replies  int `json:"replies"`
	Quotes   int `json:"quotes"`

	// Hashtags are lower-cased, without '#', de-duplicated in order of
	// first appearance.
	Hashtags []string `json:"hashtags"`
	Mentions []string `json:"mentions"`

	Author     string `json:"author,omitempty"`
	SourceTerm string `json:"source_term"`
}

// Normalize converts a raw record fetched for term into a Record.
func Normalize(raw client.RawRecord, term string) (Record, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return Record{}, ErrMissingID
	}

	ts, err := parseTimestamp(raw.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q", ErrMissingTimestamp, raw.CreatedAt)
	}

	r := Record{
		ID:         id,
		Timestamp:  ts,
		Text:       raw.Text,
		Author:     raw.AuthorUsername,
		SourceTerm: term,
	}

	if m := raw.PublicMetrics; m != nil {
		r.Likes = clamp(m.LikeCount)
		r.Retweets = clamp(m.RetweetCount)
		r.Replies = clamp(m.ReplyCount)
		r.Quotes = clamp(m.QuoteCount)
	}

	if raw.Entities != nil && len(raw.Entities.Hashtags) > 0 {
		tags := make([]string, 0, len(raw.Entities.Hashtags))
		for _, h := range raw.Entities.Hashtags {
			tags = append(tags, h.Tag)
		}
		r.Hashtags = normalizeTags(tags)
	} else {
		r.Hashtags = normalizeTags(ExtractHashtags(raw.Text))
	}

	if raw.Entities != nil && len(raw.Entities.Mentions) > 0 {
		names := make([]string, 0, len(raw.Entities.Mentions))
		for _, m := range raw.Entities.Mentions {
			names = append(names, m.Username)
		}
		r.Mentions = uniqueNonEmpty(names)
	} else {
		r.Mentions = uniqueNonEmpty(ExtractMentions(raw.Text))
	}

	return r, nil
}

// Validate re-checks the record invariants.
func (r Record) Validate() error {
	if r.ID == "" {
		return ErrMissingID
	}
	if r.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if r.Likes < 0 || r.Retweets < 0 || r.Replies < 0 || r.Quotes < 0 {
		return ErrNegativeMetric
	}
	return nil
}

// Engagement is the sum of all engagement counters.
func (r Record) Engagement() int {
	return r.Likes + r.Retweets + r.Replies + r.Quotes
}

// ExtractHashtags scans text for hashtags, returned without '#'.
func ExtractHashtags(text string) []string {
	return submatches(hashtagPattern, text)
}

// ExtractMentions scans text for @mentions, returned without '@'.
func ExtractMentions(text string) []string {
	return submatches(mentionPattern, text)
}

func submatches(re *regexp.Regexp, text string) []string {
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// parseTimestamp accepts RFC3339 with or without fractional seconds and
// returns UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func normalizeTags(tags []string) []string {
	lowered := make([]string, 0, len(tags))
	for _, t := range tags {
		lowered = append(lowered, strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#")))
	}
	return uniqueNonEmpty(lowered)
}

func uniqueNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
