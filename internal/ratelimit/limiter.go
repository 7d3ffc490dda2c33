// Package ratelimit provides Redis-backed request rate limiting for the
// admission layer's three profiles: auth, api, and public (spec.md §4.7).
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pgai-platform/gateway/internal/database"
	"github.com/rs/zerolog"
)

// Limiter implements a fixed-window rate limiter backed by Redis INCR/EXPIRE.
type Limiter struct {
	redis  *database.Redis
	logger zerolog.Logger
	prefix string
	window time.Duration
}

// Result describes the outcome of an Allow check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetSecs int
}

// NewLimiter creates a Redis-backed rate limiter for the given profile
// prefix (e.g. "auth", "api", "public"), used to namespace its Redis keys.
func NewLimiter(redis *database.Redis, logger zerolog.Logger, prefix string, window time.Duration) *Limiter {
	logger.Info().Str("profile", prefix).Msg("rate limiter initialized with Redis backend")
	return &Limiter{redis: redis, logger: logger, prefix: prefix, window: window}
}

// Allow checks whether a request identified by key is allowed under limit
// requests per window. On Redis unavailability it fails open, matching
// spec.md §4.7's instruction that rate limiting degrade rather than outage.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) (Result, error) {
	if l.redis == nil || l.redis.Client == nil {
		l.logger.Warn().Str("profile", l.prefix).Msg("redis unavailable, failing open")
		return Result{Allowed: true, Remaining: limit, ResetSecs: int(l.window.Seconds())}, nil
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)

	count, err := l.redis.Incr(ctx, redisKey)
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("failed to increment rate limit counter")
		return Result{Allowed: true, Remaining: limit, ResetSecs: int(l.window.Seconds())}, nil
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, l.window); err != nil {
			l.logger.Error().Err(err).Str("key", key).Msg("failed to set expiration on rate limit key")
		}
	}

	resetSecs := int(l.window.Seconds())
	if ttl, err := l.redis.TTL(ctx, redisKey); err == nil && ttl > 0 {
		resetSecs = int(ttl.Seconds())
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{Allowed: int(count) <= limit, Remaining: remaining, ResetSecs: resetSecs}, nil
}

// Peek reports whether key is currently under limit without consuming a
// request from its counter. Used by the auth profile, which only counts
// failed attempts against the bucket (spec.md §4.7 "skips successful
// requests from the counter") — the caller peeks before serving the
// request, then calls Allow only to register a failure afterward.
func (l *Limiter) Peek(ctx context.Context, key string, limit int) (Result, error) {
	if l.redis == nil || l.redis.Client == nil {
		return Result{Allowed: true, Remaining: limit, ResetSecs: int(l.window.Seconds())}, nil
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)

	raw, err := l.redis.Get(ctx, redisKey)
	if err != nil {
		return Result{Allowed: true, Remaining: limit, ResetSecs: int(l.window.Seconds())}, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return Result{Allowed: true, Remaining: limit, ResetSecs: int(l.window.Seconds())}, nil
	}

	resetSecs := int(l.window.Seconds())
	if ttl, err := l.redis.TTL(ctx, redisKey); err == nil && ttl > 0 {
		resetSecs = int(ttl.Seconds())
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: count < limit, Remaining: remaining, ResetSecs: resetSecs}, nil
}

// Reset clears the rate limit counter for a key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if l.redis == nil || l.redis.Client == nil {
		return nil
	}
	return l.redis.Del(ctx, fmt.Sprintf("ratelimit:%s:%s", l.prefix, key))
}

// Profiles bundles the three named limiter profiles spec.md §4.7 requires:
// auth (login/token endpoints), api (authenticated traffic), and public
// (unauthenticated traffic).
type Profiles struct {
	Auth   *Limiter
	API    *Limiter
	Public *Limiter
}

// NewProfiles builds the three limiter profiles sharing a Redis backend.
func NewProfiles(redis *database.Redis, logger zerolog.Logger, authWindow, apiWindow, publicWindow time.Duration) Profiles {
	return Profiles{
		Auth:   NewLimiter(redis, logger, "auth", authWindow),
		API:    NewLimiter(redis, logger, "api", apiWindow),
		Public: NewLimiter(redis, logger, "public", publicWindow),
	}
}
