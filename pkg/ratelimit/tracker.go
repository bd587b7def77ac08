package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Tracker persists the quota cooldown in Redis. The quota belongs to the
// bearer token rather than the process, so a run started during a known
// cooldown restores it into its Gate instead of spending a request on a 429.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new cooldown tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// LoadCooldown returns the persisted cooldown end.
// Returns the zero time if nothing is stored or the cooldown already expired.
func (t *Tracker) LoadCooldown(ctx context.Context) (time.Time, error) {
	unixMillis, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err == redis.Nil {
		t.logger.Debug().Msg("No cooldown state in Redis")
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cooldown until: %w", err)
	}

	until := time.UnixMilli(unixMillis)
	if !until.After(time.Now()) {
		return time.Time{}, nil
	}
	return until, nil
}

// SaveCooldown stores the cooldown end. The key expires together with the
// cooldown so stale state never outlives it.
func (t *Tracker) SaveCooldown(ctx context.Context, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}

	lastUpdateJSON, err := json.Marshal(time.Now())
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyCooldownUntil, until.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}

	t.logger.Debug().
		Time("cooldown_until", until).
		Msg("Cooldown persisted")
	return nil
}

// Restore loads the persisted cooldown into gate. Redis failures are logged
// and ignored: the in-memory gate is authoritative for the run.
func (t *Tracker) Restore(ctx context.Context, gate *Gate) {
	until, err := t.LoadCooldown(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to load persisted cooldown")
		return
	}
	gate.RestoreCooldown(until)
}

// Clear removes any persisted cooldown.
func (t *Tracker) Clear(ctx context.Context) error {
	if err := t.redis.Del(ctx, RedisKeyCooldownUntil, RedisKeyLastUpdate).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
