package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/logging"
	"github.com/Sternrassler/tagharvest/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 2000, cfg.Run.Target)
	assert.Equal(t, 100, cfg.Run.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Run.Lookback.Std())
	assert.Equal(t, 2, cfg.Run.Consumers)
	assert.Equal(t, 20, cfg.Run.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.Rate.MinInterval.Std())
	assert.Equal(t, 120*time.Second, cfg.Rate.DefaultCooldown.Std())
	assert.Equal(t, DefaultTerms, cfg.Run.Terms)
	assert.Equal(t, "tweet_threaded_out", cfg.Output.Dir)
	assert.Equal(t, pipeline.StartSequential, cfg.Pipeline().StartMode)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[run]
target = 500
terms = ["#golang", "#rust"]
start_mode = "parallel"

[rate]
min_interval = "1500ms"

[retry]
max_attempts = 6

[redis]
addr = "localhost:6379"
page_cache_ttl = "1m"

[output]
parquet = false

[log]
level = "debug"
pretty = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Run.Target)
	assert.Equal(t, []string{"#golang", "#rust"}, cfg.Run.Terms)
	assert.Equal(t, 1500*time.Millisecond, cfg.Rate.MinInterval.Std())
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Output.Parquet)
	assert.True(t, cfg.Output.NDJSON, "unset keys keep their defaults")

	pc := cfg.Pipeline()
	assert.Equal(t, pipeline.StartParallel, pc.StartMode)
	assert.Equal(t, 6, pc.Retry.MaxAttempts)

	cc := cfg.Client()
	assert.Equal(t, 1500*time.Millisecond, cc.GateConfig.MinInterval)
	assert.Equal(t, time.Minute, cc.PageCacheTTL)

	lc := cfg.Logging()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.Pretty)

	oc := cfg.OutputSettings()
	assert.False(t, oc.Parquet)
	assert.True(t, oc.SQLite)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[rate]\nmin_interval = \"soon\"\n"},
		{"bad toml", "[run\ntarget = 1\n"},
		{"wrong type", "[run]\ntarget = \"many\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvBearerToken, "secret")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvLogLevel, "warn")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "secret", cfg.BearerToken)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.Client().BearerToken)
}

func TestApplyEnv_UnsetKeepsValues(t *testing.T) {
	t.Setenv(EnvBearerToken, "")
	t.Setenv(EnvRedisAddr, "")

	cfg := Default()
	cfg.Redis.Addr = "from-file:6379"
	cfg.ApplyEnv()

	assert.Empty(t, cfg.BearerToken)
	assert.Equal(t, "from-file:6379", cfg.Redis.Addr)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.BearerToken = "token"
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.BearerToken = "" }},
		{"batch too small", func(c *Config) { c.Run.BatchSize = 5 }},
		{"batch too large", func(c *Config) { c.Run.BatchSize = 500 }},
		{"negative lookback", func(c *Config) { c.Run.Lookback = Duration(-time.Hour) }},
		{"zero cooldown", func(c *Config) { c.Rate.DefaultCooldown = 0 }},
		{"zero target", func(c *Config) { c.Run.Target = 0 }},
		{"unknown start mode", func(c *Config) { c.Run.StartMode = "random" }},
		{"no output dir", func(c *Config) { c.Output.Dir = "" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 90s ")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
