// Package ratelimit implements request gating for the quota-constrained
// search endpoint. A Gate enforces a minimum spacing between outbound
// requests and a cooldown after a quota rejection (HTTP 429); a Tracker
// optionally persists the cooldown in Redis so a restarted run honours it.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyCooldownUntil = "harvest:rate_limit:cooldown_until"
	RedisKeyLastUpdate    = "harvest:rate_limit:last_update"
)

// Defaults for gate behaviour.
const (
	// DefaultMinInterval is the spacing between two granted requests.
	// The recent-search endpoint allows roughly 180 requests per 15 minutes.
	DefaultMinInterval = 5 * time.Second

	// DefaultCooldown applies after a 429 without usable reset metadata.
	DefaultCooldown = 120 * time.Second

	// DefaultPollInterval bounds every single sleep inside Acquire so that
	// cancellation is observed promptly.
	DefaultPollInterval = 250 * time.Millisecond
)

// State is a point-in-time view of the gate.
type State struct {
	// LastRequest is when the most recent request was granted.
	// Zero if no request has been granted yet.
	LastRequest time.Time `json:"last_request"`

	// CooldownUntil is when the current quota cooldown ends.
	// Zero or in the past means no cooldown is active.
	CooldownUntil time.Time `json:"cooldown_until"`
}

// InCooldown reports whether a cooldown is active at now.
func (s State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// CooldownRemaining returns the remaining cooldown at now.
// Returns 0 if no cooldown is active.
func (s State) CooldownRemaining(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// SinceLastRequest returns how long ago the last request was granted.
// Returns a negative duration if nothing was granted yet.
func (s State) SinceLastRequest(now time.Time) time.Duration {
	if s.LastRequest.IsZero() {
		return -1
	}
	return now.Sub(s.LastRequest)
}
