// Package cache holds statistics caches backed by Redis or process memory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "quality:stats:"

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Redis caches statistics under a per-tenant generation number. Invalidate
// bumps the generation, which orphans every older entry until its TTL runs
// out, so no key scan is needed.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func generationKey(tenantID string) string {
	return keyPrefix + tenantID + ":gen"
}

func entryKey(tenantID string, gen int64, key string) string {
	return keyPrefix + tenantID + ":" + strconv.FormatInt(gen, 10) + ":" + key
}

func (r *Redis) generation(ctx context.Context, tenantID string) (int64, error) {
	gen, err := r.client.Get(ctx, generationKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *Redis) Get(ctx context.Context, tenantID, key string) ([]byte, int64, bool) {
	gen, err := r.generation(ctx, tenantID)
	if err != nil {
		r.logger.Warn().Err(err).Str("tenant", tenantID).Msg("statistics cache generation read failed")
		return nil, -1, false
	}
	data, err := r.client.Get(ctx, entryKey(tenantID, gen, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Str("tenant", tenantID).Msg("statistics cache read failed")
		}
		return nil, gen, false
	}
	return data, gen, true
}

// Set writes under gen, the generation returned by the Get that preceded the
// computation. An Invalidate in between has already moved readers to the next
// generation, so the entry is never read.
func (r *Redis) Set(ctx context.Context, tenantID, key string, gen int64, value []byte) {
	if gen < 0 {
		return
	}
	if err := r.client.Set(ctx, entryKey(tenantID, gen, key), value, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("tenant", tenantID).Msg("statistics cache write failed")
	}
}

func (r *Redis) Invalidate(ctx context.Context, tenantID string) {
	if err := r.client.Incr(ctx, generationKey(tenantID)).Err(); err != nil {
		r.logger.Error().Err(err).Str("tenant", tenantID).Msg("statistics cache invalidation failed")
	}
}

// Ping lets the readiness check include Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
