// Package retry holds the backoff policy used by sources when a fetch fails
// with a retryable error. The caller owns the retry loop; this package only
// computes delays, waits and records metrics.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrExhausted is returned when all attempts of a policy are used up.
var ErrExhausted = errors.New("retry attempts exhausted")

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay.
	MaxBackoff time.Duration

	// Multiplier is the factor for exponential backoff.
	Multiplier float64

	// Jitter is the relative randomisation applied to each delay, e.g. 0.2
	// spreads a delay over [0.8d, 1.2d]. Zero disables jitter.
	Jitter float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Validate checks the policy for unusable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return fmt.Errorf("initial_backoff (%v) exceeds max_backoff (%v)", p.InitialBackoff, p.MaxBackoff)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1 (got %v)", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", p.Jitter)
	}
	return nil
}

// Base returns the un-jittered delay before retry number attempt (1-based):
// InitialBackoff * Multiplier^(attempt-1), capped at MaxBackoff.
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Backoff returns the jittered delay before retry number attempt. The
// result never exceeds MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.Base(attempt)
	if p.Jitter == 0 {
		return base
	}
	d := time.Duration(float64(base) * (1 - p.Jitter + rand.Float64()*2*p.Jitter))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Exhausted reports whether no attempt is left after attempt failures.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordRetry records a retry of the given error kind and its delay.
func RecordRetry(kind string, backoff time.Duration) {
	retriesTotal.WithLabelValues(kind).Inc()
	retryBackoffSeconds.WithLabelValues(kind).Observe(backoff.Seconds())
}

// RecordExhausted records that a policy ran out of attempts.
func RecordExhausted(kind string) {
	retryExhaustedTotal.WithLabelValues(kind).Inc()
}
