package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request gating.
var (
	gateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_rate_gate_wait_seconds",
		Help:    "Time callers spent blocked in the rate gate before a request was granted",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	cooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_cooldowns_total",
		Help: "Total number of quota rejections that started or extended a cooldown",
	})

	cooldownRemainingSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_cooldown_remaining_seconds",
		Help: "Seconds left in the current quota cooldown at the time it was set",
	})
)

// GateConfig configures a Gate.
type GateConfig struct {
	// MinInterval is the minimum spacing between two granted requests.
	// Zero disables spacing.
	MinInterval time.Duration

	// PollInterval bounds each individual sleep so cancellation is observed
	// within this interval.
	PollInterval time.Duration
}

// DefaultGateConfig returns the default gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinInterval:  DefaultMinInterval,
		PollInterval: DefaultPollInterval,
	}
}

// Gate is the single authority deciding when the next outbound request may
// be issued. It is shared by reference between all sources of a run.
type Gate struct {
	mu            sync.Mutex
	spacing       *rate.Limiter
	lastRequest   time.Time
	cooldownUntil time.Time

	config GateConfig
	logger zerolog.Logger
}

// NewGate creates a gate. Non-positive PollInterval falls back to the default.
func NewGate(cfg GateConfig, logger zerolog.Logger) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	return &Gate{
		spacing: newSpacing(cfg.MinInterval),
		config:  cfg,
		logger:  logger,
	}
}

// newSpacing builds a burst-1 token bucket: a token is available only when
// at least interval has passed since the previous one was taken.
func newSpacing(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Acquire blocks until a request may be issued and marks it as issued.
// A request is granted only when no cooldown is active and MinInterval has
// elapsed since the previous grant; both are evaluated under one lock.
// Returns ctx.Err() if the context is done first.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	for {
		wait, granted := g.tryGrant()
		if granted {
			gateWaitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}

		if wait > g.config.PollInterval {
			wait = g.config.PollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryGrant grants a request now, or returns how long to wait.
func (g *Gate) tryGrant() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	if now.Before(g.cooldownUntil) {
		return g.cooldownUntil.Sub(now), false
	}

	if g.spacing.AllowN(now, 1) {
		g.lastRequest = now
		return 0, true
	}

	// Fractional token: time until it reaches one.
	missing := 1 - g.spacing.TokensAt(now)
	wait := time.Duration(missing * float64(g.config.MinInterval))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// NotifyRejected starts a cooldown of d from now. An already running longer
// cooldown is kept; a shorter one is extended.
func (g *Gate) NotifyRejected(d time.Duration) time.Time {
	now := time.Now()
	until := now.Add(d)

	g.mu.Lock()
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
	until = g.cooldownUntil
	g.mu.Unlock()

	cooldownsTotal.Inc()
	cooldownRemainingSeconds.Set(until.Sub(now).Seconds())

	g.logger.Warn().
		Dur("cooldown", d).
		Time("cooldown_until", until).
		Msg("Quota rejected - cooldown active")

	return until
}

// RestoreCooldown applies a cooldown end loaded from persistent state.
// Like NotifyRejected it never shortens an active cooldown.
func (g *Gate) RestoreCooldown(until time.Time) {
	if until.IsZero() || !until.After(time.Now()) {
		return
	}

	g.mu.Lock()
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
	g.mu.Unlock()

	g.logger.Info().
		Time("cooldown_until", until).
		Msg("Restored persisted cooldown")
}

// State returns a snapshot of the gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		LastRequest:   g.lastRequest,
		CooldownUntil: g.cooldownUntil,
	}
}

// Reset clears all state. Only call between runs.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spacing = newSpacing(g.config.MinInterval)
	g.lastRequest = time.Time{}
	g.cooldownUntil = time.Time{}
}
