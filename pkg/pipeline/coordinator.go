package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/client"
	"github.com/Sternrassler/tagharvest/pkg/dedupe"
	"github.com/Sternrassler/tagharvest/pkg/logging"
	"github.com/Sternrassler/tagharvest/pkg/queue"
	"github.com/Sternrassler/tagharvest/pkg/record"
	"github.com/Sternrassler/tagharvest/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrAborted wraps the cause of a run that ended on a fatal error or an
	// external stop.
	ErrAborted = errors.New("harvest aborted")

	// ErrNoTerms is returned when Run is called without usable terms.
	ErrNoTerms = errors.New("no query terms")

	errTargetReached = errors.New("target reached")
	errShutdownGrace = errors.New("shutdown grace expired")
)

// StartMode selects how sources are started.
type StartMode string

const (
	// StartSequential runs one term at a time; later terms are skipped once
	// the target is reached.
	StartSequential StartMode = "sequential"

	// StartParallel runs all terms at once. They still share one gate.
	StartParallel StartMode = "parallel"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeTargetReached Outcome = "target_reached"
	OutcomeExhausted     Outcome = "exhausted"
	OutcomeAborted       Outcome = "aborted"
)

// Config holds the coordinator configuration.
type Config struct {
	// Target is the number of unique records after which the run stops.
	Target int

	// StartMode is sequential or parallel.
	StartMode StartMode

	// Consumers is the size of the sink pool.
	Consumers int

	// QueueCapacity bounds the number of queued batches.
	QueueCapacity int

	// PollInterval bounds how long a sink waits for a batch before it
	// re-checks whether the run is over.
	PollInterval time.Duration

	// ShutdownGrace bounds the wait for sinks after cancellation.
	ShutdownGrace time.Duration

	// Retry is the policy sources apply to retryable fetch errors.
	Retry retry.Policy
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Target:        2000,
		StartMode:     StartSequential,
		Consumers:     2,
		QueueCapacity: 20,
		PollInterval:  2 * time.Second,
		ShutdownGrace: 10 * time.Second,
		Retry:         retry.DefaultPolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Target < 1 {
		return fmt.Errorf("target must be >= 1 (got %d)", c.Target)
	}
	if c.StartMode != StartSequential && c.StartMode != StartParallel {
		return fmt.Errorf("unknown start mode %q", c.StartMode)
	}
	if c.Consumers < 1 {
		return fmt.Errorf("consumers must be >= 1 (got %d)", c.Consumers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be >= 1 (got %d)", c.QueueCapacity)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Result is the outcome of one run.
type Result struct {
	RunID    string          `json:"run_id"`
	Outcome  Outcome         `json:"outcome"`
	Status   Status          `json:"status"`
	Records  []record.Record `json:"-"`
	Sources  []SourceResult  `json:"sources"`
	Seeded   int             `json:"seeded"`
	Cause    error           `json:"-"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
}

// Duration returns the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Summary is a one-line operator report.
func (r *Result) Summary() string {
	switch r.Outcome {
	case OutcomeTargetReached:
		return fmt.Sprintf("target reached: %d unique records", r.Status.UniqueCount)
	case OutcomeExhausted:
		return fmt.Sprintf("exhausted: %d unique records (target %d)", r.Status.UniqueCount, r.Status.Target)
	default:
		return fmt.Sprintf("aborted: %v (%d unique records kept)", r.Cause, r.Status.UniqueCount)
	}
}

// preparer is implemented by fetchers that restore state before a run.
type preparer interface {
	Prepare(ctx context.Context) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithProgress sets the progress observer. The default logs sampled
// progress lines.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Coordinator) { c.progress = fn }
}

// WithSeen seeds the dedupe index with ids persisted by earlier runs, so
// they are neither collected nor counted again.
func WithSeen(ids []string) Option {
	return func(c *Coordinator) { c.seen = ids }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(c *Coordinator) { c.runID = id }
}

// Coordinator owns the lifecycle of a run.
type Coordinator struct {
	config   Config
	fetcher  Fetcher
	logger   zerolog.Logger
	progress ProgressFunc
	seen     []string
	runID    string
}

// New creates a coordinator.
func New(cfg Config, fetcher Fetcher, opts ...Option) (*Coordinator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		config:  cfg,
		fetcher: fetcher,
		logger:  logging.NewLogger("pipeline"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.progress == nil {
		c.progress = logProgress(c.logger)
	}
	return c, nil
}

// logProgress logs at most one progress line every few seconds.
func logProgress(logger zerolog.Logger) ProgressFunc {
	sometimes := &rate.Sometimes{First: 1, Interval: 5 * time.Second}
	return func(p Progress) {
		sometimes.Do(func() {
			logger.Info().
				Int("unique", p.Unique).
				Int("target", p.Target).
				Str("term", p.Term).
				Int("batch_size", p.BatchSize).
				Msg("Progress")
		})
	}
}

// Run harvests terms until the target is reached, every term is exhausted,
// or the run is aborted. The Result is always returned; on abort the error
// wraps ErrAborted and the cause, and the Result still holds every record
// accepted so far.
func (c *Coordinator) Run(ctx context.Context, terms []string) (*Result, error) {
	terms = cleanTerms(terms)
	if len(terms) == 0 {
		return nil, ErrNoTerms
	}

	runID := c.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := c.logger.With().Str("run_id", runID).Logger()

	res := &Result{
		RunID:   runID,
		Started: time.Now(),
		Sources: make([]SourceResult, len(terms)),
	}

	if p, ok := c.fetcher.(preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			logger.Warn().Err(err).Msg("Fetcher preparation failed")
		}
	}

	// Sources run on runCtx. Sinks run on sinkCtx, which a fatal error or an
	// external stop does not cancel, so batches already queued are drained
	// within ShutdownGrace.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sinkCtx, stopSinks := context.WithCancelCause(context.WithoutCancel(ctx))
	defer stopSinks(nil)

	index := dedupe.New(c.config.Target)
	res.Seeded = index.Seed(c.seen)
	results := NewResults(c.config.Target)
	q := queue.New[*client.Batch](c.config.QueueCapacity)
	sourcesDone := make(chan struct{})

	uniqueRecords.Set(0)

	logger.Info().
		Strs("terms", terms).
		Int("target", c.config.Target).
		Str("start_mode", string(c.config.StartMode)).
		Int("consumers", c.config.Consumers).
		Int("seeded", res.Seeded).
		Msg("Harvest started")

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-results.DoneCh():
			cancel(errTargetReached)
			stopSinks(errTargetReached)
		case <-finished:
		}
	}()

	// Sinks
	var sinkWG sync.WaitGroup
	for i := 0; i < c.config.Consumers; i++ {
		sink := &Sink{
			id:          i,
			queue:       q,
			index:       index,
			results:     results,
			sourcesDone: sourcesDone,
			poll:        c.config.PollInterval,
			progress:    c.progress,
			logger:      logging.NewLogger("sink"),
		}
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			sink.Run(sinkCtx)
		}()
	}

	// Sources
	g, gctx := errgroup.WithContext(runCtx)
	newSource := func(term string) *Source {
		return NewSource(term, c.fetcher, q, results, c.config.Retry, logging.NewLogger("source"))
	}

	switch c.config.StartMode {
	case StartParallel:
		for i, term := range terms {
			g.Go(func() error {
				r := newSource(term).Run(gctx)
				res.Sources[i] = r
				if client.IsFatal(r.Err) {
					return r.Err
				}
				return nil
			})
		}
	default:
		g.Go(func() error {
			var fatal error
			for i, term := range terms {
				if fatal != nil || results.Done() || gctx.Err() != nil {
					res.Sources[i] = SourceResult{Term: term, State: StateCancelled}
					continue
				}
				logger.Info().
					Str("term", term).
					Int("position", i+1).
					Int("of", len(terms)).
					Msg("Starting term")

				r := newSource(term).Run(gctx)
				res.Sources[i] = r
				if client.IsFatal(r.Err) {
					fatal = r.Err
				}
			}
			return fatal
		})
	}

	fatalErr := g.Wait()
	close(sourcesDone)
	if fatalErr != nil {
		cancel(fatalErr)
	}
	q.Close()

	c.joinSinks(runCtx, stopSinks, &sinkWG, logger)
	results.Seal()

	res.Records, res.Status = results.Snapshot()
	res.Finished = time.Now()

	switch {
	case res.Status.Done:
		res.Outcome = OutcomeTargetReached
	case fatalErr != nil:
		res.Outcome = OutcomeAborted
		res.Cause = fatalErr
	case ctx.Err() != nil:
		res.Outcome = OutcomeAborted
		res.Cause = context.Cause(ctx)
	default:
		res.Outcome = OutcomeExhausted
	}

	runsTotal.WithLabelValues(string(res.Outcome)).Inc()

	event := logger.Info()
	if res.Outcome == OutcomeAborted {
		event = logger.Error().Err(res.Cause)
	}
	event.
		Str("outcome", string(res.Outcome)).
		Int("unique", res.Status.UniqueCount).
		Int("target", res.Status.Target).
		Dur("duration", res.Duration()).
		Msg("Harvest finished")

	if res.Outcome == OutcomeAborted {
		return res, fmt.Errorf("%w: %w", ErrAborted, res.Cause)
	}
	return res, nil
}

// joinSinks waits for the sink pool to drain the closed queue. Once the run
// is cancelled the wait is bounded by ShutdownGrace, after which the sinks
// are stopped and whatever they still hold is discarded.
func (c *Coordinator) joinSinks(ctx context.Context, stopSinks context.CancelCauseFunc, wg *sync.WaitGroup, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	if c.config.ShutdownGrace <= 0 {
		<-done
		return
	}

	timer := time.NewTimer(c.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		stopSinks(errShutdownGrace)
		shutdownsForcedTotal.Inc()
		logger.Warn().
			Dur("grace", c.config.ShutdownGrace).
			Msg("Sinks did not stop within shutdown grace")
	}
}

// cleanTerms trims terms and drops empty and repeated ones, keeping order.
func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
