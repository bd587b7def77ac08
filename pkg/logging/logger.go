// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Setup installs the global logger used by NewLogger. A nil Output writes
// to stderr.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level.Zerolog())

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}

// Zerolog maps l onto a zerolog level. Unknown values map to info.
func (l LogLevel) Zerolog() zerolog.Level {
	switch ParseLevel(string(l)) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns the global logger tagged with a component name
// (rate-gate, search-client, pipeline, source, sink, output, cli).
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ParseLevel converts a free-form level string (config file, flag or env)
// into a LogLevel. Unknown values fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Gate waits (spacing, cooldown remaining)
//   - Page cache hits/misses
//   - Per-batch dedupe results
//
// Info: Normal operation events
//   - Source start/finish with final state
//   - Progress (unique/target), sampled
//   - Run outcome (target reached / exhausted)
//
// Warn: Warning conditions that don't prevent operation
//   - Quota rejections (429) and the cooldown applied
//   - Retry attempts
//   - Protocol (malformed payload) events
//   - Redis errors (fallback to in-memory behaviour)
//
// Error: Error conditions requiring attention
//   - Auth failures (run aborted)
//   - Retry exhaustion for a term
//   - Output write failures
//
// Context Fields:
//   - run_id: Run identifier
//   - term: Query term (hashtag)
//   - cursor: Pagination cursor
//   - status: HTTP status code
//   - kind: Fetch error kind (rate_limited, transient, protocol, auth, client)
//   - attempt / backoff: Retry bookkeeping
//   - unique / target / batch_size: Progress
