// Package config loads the harvester configuration from a TOML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/client"
	"github.com/Sternrassler/tagharvest/pkg/logging"
	"github.com/Sternrassler/tagharvest/pkg/output"
	"github.com/Sternrassler/tagharvest/pkg/pipeline"
	"github.com/Sternrassler/tagharvest/pkg/ratelimit"
	"github.com/Sternrassler/tagharvest/pkg/retry"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables read by ApplyEnv.
const (
	EnvBearerToken = "HARVEST_BEARER_TOKEN"
	EnvRedisAddr   = "HARVEST_REDIS_ADDR"
	EnvLogLevel    = "HARVEST_LOG_LEVEL"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full harvester configuration.
type Config struct {
	Run     RunConfig     `toml:"run"`
	Rate    RateConfig    `toml:"rate"`
	Retry   RetryConfig   `toml:"retry"`
	Search  SearchConfig  `toml:"search"`
	Redis   RedisConfig   `toml:"redis"`
	Output  OutputConfig  `toml:"output"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	// BearerToken is only read from the environment.
	BearerToken string `toml:"-"`
}

type RunConfig struct {
	Target        int      `toml:"target"`
	Terms         []string `toml:"terms"`
	BatchSize     int      `toml:"batch_size"`
	Lookback      Duration `toml:"lookback"`
	StartMode     string   `toml:"start_mode"`
	Consumers     int      `toml:"consumers"`
	QueueCapacity int      `toml:"queue_capacity"`
	PollInterval  Duration `toml:"poll_interval"`
	ShutdownGrace Duration `toml:"shutdown_grace"`
	Resume        bool     `toml:"resume"`
}

type RateConfig struct {
	MinInterval     Duration `toml:"min_interval"`
	DefaultCooldown Duration `toml:"default_cooldown"`
	PollInterval    Duration `toml:"poll_interval"`
}

type RetryConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
	Jitter         float64  `toml:"jitter"`
}

type SearchConfig struct {
	BaseURL     string   `toml:"base_url"`
	UserAgent   string   `toml:"user_agent"`
	QuerySuffix string   `toml:"query_suffix"`
	Timeout     Duration `toml:"timeout"`
}

// RedisConfig is optional; an empty Addr disables Redis.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PageCacheTTL Duration `toml:"page_cache_ttl"`
}

type OutputConfig struct {
	Dir     string `toml:"dir"`
	NDJSON  bool   `toml:"ndjson"`
	Parquet bool   `toml:"parquet"`
	SQLite  bool   `toml:"sqlite"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// MetricsConfig enables the /metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// DefaultTerms are searched when no terms are configured.
var DefaultTerms = []string{"#nifty50", "#sensex", "#banknifty", "#intraday"}

// Default returns the default configuration.
func Default() Config {
	cc := client.DefaultConfig("")
	pc := pipeline.DefaultConfig()
	rp := retry.DefaultPolicy()
	oc := output.DefaultConfig()

	return Config{
		Run: RunConfig{
			Target:        pc.Target,
			Terms:         append([]string(nil), DefaultTerms...),
			BatchSize:     cc.BatchSize,
			Lookback:      Duration(cc.Lookback),
			StartMode:     string(pc.StartMode),
			Consumers:     pc.Consumers,
			QueueCapacity: pc.QueueCapacity,
			PollInterval:  Duration(pc.PollInterval),
			ShutdownGrace: Duration(pc.ShutdownGrace),
			Resume:        true,
		},
		Rate: RateConfig{
			MinInterval:     Duration(ratelimit.DefaultMinInterval),
			DefaultCooldown: Duration(ratelimit.DefaultCooldown),
			PollInterval:    Duration(ratelimit.DefaultPollInterval),
		},
		Retry: RetryConfig{
			MaxAttempts:    rp.MaxAttempts,
			InitialBackoff: Duration(rp.InitialBackoff),
			MaxBackoff:     Duration(rp.MaxBackoff),
			Multiplier:     rp.Multiplier,
			Jitter:         rp.Jitter,
		},
		Search: SearchConfig{
			BaseURL:     cc.BaseURL,
			UserAgent:   cc.UserAgent,
			QuerySuffix: cc.QuerySuffix,
			Timeout:     Duration(cc.Timeout),
		},
		Redis: RedisConfig{
			PageCacheTTL: Duration(10 * time.Minute),
		},
		Output: OutputConfig{
			Dir:     oc.Dir,
			NDJSON:  oc.NDJSON,
			Parquet: oc.Parquet,
			SQLite:  oc.SQLite,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides values from the environment.
func (c *Config) ApplyEnv() {
	if v := getEnv(EnvBearerToken, ""); v != "" {
		c.BearerToken = v
	}
	if v := getEnv(EnvRedisAddr, ""); v != "" {
		c.Redis.Addr = v
	}
	if v := getEnv(EnvLogLevel, ""); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration. The bearer token is required.
func (c Config) Validate() error {
	var errs []error
	if c.BearerToken == "" {
		errs = append(errs, fmt.Errorf("%s is not set", EnvBearerToken))
	}
	if c.Run.BatchSize < client.MinBatchSize || c.Run.BatchSize > client.MaxBatchSize {
		errs = append(errs, fmt.Errorf("run.batch_size must be between %d and %d (got %d)",
			client.MinBatchSize, client.MaxBatchSize, c.Run.BatchSize))
	}
	if c.Run.Lookback < 0 {
		errs = append(errs, errors.New("run.lookback must not be negative"))
	}
	if c.Rate.MinInterval < 0 {
		errs = append(errs, errors.New("rate.min_interval must not be negative"))
	}
	if c.Rate.DefaultCooldown <= 0 {
		errs = append(errs, errors.New("rate.default_cooldown must be positive"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	if err := c.Pipeline().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Pipeline returns the coordinator configuration.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Target:        c.Run.Target,
		StartMode:     pipeline.StartMode(strings.ToLower(c.Run.StartMode)),
		Consumers:     c.Run.Consumers,
		QueueCapacity: c.Run.QueueCapacity,
		PollInterval:  c.Run.PollInterval.Std(),
		ShutdownGrace: c.Run.ShutdownGrace.Std(),
		Retry: retry.Policy{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: c.Retry.InitialBackoff.Std(),
			MaxBackoff:     c.Retry.MaxBackoff.Std(),
			Multiplier:     c.Retry.Multiplier,
			Jitter:         c.Retry.Jitter,
		},
	}
}

// Client returns the search client configuration without Redis; the
// caller attaches the connection.
func (c Config) Client() client.Config {
	cc := client.DefaultConfig(c.BearerToken)
	cc.BaseURL = strings.TrimRight(c.Search.BaseURL, "/")
	cc.UserAgent = c.Search.UserAgent
	cc.QuerySuffix = c.Search.QuerySuffix
	cc.Timeout = c.Search.Timeout.Std()
	cc.BatchSize = c.Run.BatchSize
	cc.Lookback = c.Run.Lookback.Std()
	cc.DefaultCooldown = c.Rate.DefaultCooldown.Std()
	cc.GateConfig = ratelimit.GateConfig{
		MinInterval:  c.Rate.MinInterval.Std(),
		PollInterval: c.Rate.PollInterval.Std(),
	}
	cc.PageCacheTTL = c.Redis.PageCacheTTL.Std()
	return cc
}

// OutputSettings returns the writer selection.
func (c Config) OutputSettings() output.Config {
	return output.Config{
		Dir:     c.Output.Dir,
		NDJSON:  c.Output.NDJSON,
		Parquet: c.Output.Parquet,
		SQLite:  c.Output.SQLite,
	}
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	return lc
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
