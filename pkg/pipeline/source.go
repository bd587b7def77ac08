package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/client"
	"github.com/Sternrassler/tagharvest/pkg/queue"
	"github.com/Sternrassler/tagharvest/pkg/retry"
	"github.com/rs/zerolog"
)

// Fetcher returns one page of results for a term. An empty cursor requests
// the first page. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, term, cursor string) (*client.Batch, error)
}

// SourceState is the lifecycle state of a Source.
type SourceState int32

const (
	StateIdle SourceState = iota
	StateFetching
	StatePushing
	StateExhausted
	StateFailed
	StateCancelled
)

// String returns the state name.
func (s SourceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePushing:
		return "pushing"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s SourceState) Terminal() bool {
	return s == StateExhausted || s == StateFailed || s == StateCancelled
}

// SourceResult summarizes a finished Source.
type SourceResult struct {
	Term    string        `json:"term"`
	State   SourceState   `json:"state"`
	Pages   int           `json:"pages"`
	Records int           `json:"records"`
	Retries int           `json:"retries"`
	Elapsed time.Duration `json:"elapsed"`
	Err     error         `json:"-"`
}

// Source walks the pages of one term and pushes non-empty batches onto the
// queue. A Source is used for a single run.
type Source struct {
	term    string
	fetcher Fetcher
	queue   *queue.Queue[*client.Batch]
	results *Results
	policy  retry.Policy
	logger  zerolog.Logger

	state atomic.Int32
}

// NewSource creates a Source for term.
func NewSource(term string, fetcher Fetcher, q *queue.Queue[*client.Batch], results *Results, policy retry.Policy, logger zerolog.Logger) *Source {
	return &Source{
		term:    term,
		fetcher: fetcher,
		queue:   q,
		results: results,
		policy:  policy,
		logger:  logger.With().Str("term", term).Logger(),
	}
}

// State returns the current state.
func (s *Source) State() SourceState {
	return SourceState(s.state.Load())
}

func (s *Source) setState(st SourceState) {
	s.state.Store(int32(st))
}

// Run fetches pages until the term is exhausted, a fetch fails for good,
// the target is reached, or ctx is cancelled. Fatal errors are reported in
// SourceResult.Err with State StateFailed.
func (s *Source) Run(ctx context.Context) SourceResult {
	start := time.Now()
	res := SourceResult{Term: s.term}
	cursor := ""

	finish := func(st SourceState, err error) SourceResult {
		s.setState(st)
		res.State = st
		res.Err = err
		res.Elapsed = time.Since(start)
		sourcesFinishedTotal.WithLabelValues(st.String()).Inc()

		event := s.logger.Info()
		if st == StateFailed {
			event = s.logger.Warn().Err(err)
		}
		event.
			Str("state", st.String()).
			Int("pages", res.Pages).
			Int("records", res.Records).
			Dur("elapsed", res.Elapsed).
			Msg("Source finished")
		return res
	}

	s.logger.Info().Msg("Source started")

	for {
		if s.results.Done() || ctx.Err() != nil {
			return finish(StateCancelled, nil)
		}

		s.setState(StateFetching)
		batch, retries, err := s.fetch(ctx, cursor)
		res.Retries += retries
		if err != nil {
			if ctx.Err() != nil {
				return finish(StateCancelled, nil)
			}
			return finish(StateFailed, err)
		}

		res.Pages++
		pagesTotal.WithLabelValues(s.term).Inc()

		if len(batch.Records) == 0 {
			s.logger.Debug().Str("cursor", cursor).Msg("Empty page, moving to next page")
		} else {
			s.setState(StatePushing)
			if err := s.queue.Push(ctx, batch); err != nil {
				// Closed or cancelled: the batch is dropped whole.
				return finish(StateCancelled, nil)
			}
			res.Records += len(batch.Records)
		}

		if batch.Exhausted() {
			return finish(StateExhausted, nil)
		}
		if batch.NextCursor == cursor {
			s.logger.Warn().Str("cursor", cursor).Msg("Cursor did not advance, treating term as exhausted")
			return finish(StateExhausted, nil)
		}
		cursor = batch.NextCursor
	}
}

// fetch calls the fetcher, retrying retryable errors per the policy.
func (s *Source) fetch(ctx context.Context, cursor string) (*client.Batch, int, error) {
	for attempt := 1; ; attempt++ {
		batch, err := s.fetcher.Fetch(ctx, s.term, cursor)
		if err == nil {
			return batch, attempt - 1, nil
		}
		if ctx.Err() != nil {
			return nil, attempt - 1, ctx.Err()
		}
		if !client.IsRetryable(err) {
			return nil, attempt - 1, err
		}

		kind := string(client.KindOf(err))
		if s.policy.Exhausted(attempt) {
			retry.RecordExhausted(kind)
			return nil, attempt - 1, fmt.Errorf("%w after %d attempts: %w", retry.ErrExhausted, attempt, err)
		}

		backoff := s.policy.Backoff(attempt)
		retry.RecordRetry(kind, backoff)

		s.logger.Warn().
			Err(err).
			Str("cursor", cursor).
			Str("kind", kind).
			Int("attempt", attempt).
			Int("max_attempts", s.policy.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Fetch failed, retrying")

		if err := retry.Wait(ctx, backoff); err != nil {
			return nil, attempt, err
		}
	}
}
