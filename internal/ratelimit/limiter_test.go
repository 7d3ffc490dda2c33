package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/database"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedis(t *testing.T) *database.Redis {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return database.NewRedisFromClient(client, zerolog.Nop(), config.RedisConfig{})
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	r := newTestRedis(t)
	l := NewLimiter(r, zerolog.Nop(), "api", time.Minute)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(context.Background(), "user-1", 5)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed under limit 5", i+1)
		}
	}
}

func TestLimiterBlocksOverLimit(t *testing.T) {
	r := newTestRedis(t)
	l := NewLimiter(r, zerolog.Nop(), "api", time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := l.Allow(context.Background(), "user-2", 3); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	res, err := l.Allow(context.Background(), "user-2", 3)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th request should be blocked under limit 3")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
}

func TestLimiterProfilesAreIndependent(t *testing.T) {
	r := newTestRedis(t)
	profiles := NewProfiles(r, zerolog.Nop(), time.Minute, time.Minute, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := profiles.Auth.Allow(context.Background(), "same-key", 3); err != nil {
			t.Fatalf("Auth.Allow: %v", err)
		}
	}

	res, err := profiles.API.Allow(context.Background(), "same-key", 3)
	if err != nil {
		t.Fatalf("API.Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("api profile should not share counters with the auth profile")
	}
}

func TestLimiterResetClearsCounter(t *testing.T) {
	r := newTestRedis(t)
	l := NewLimiter(r, zerolog.Nop(), "api", time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := l.Allow(context.Background(), "user-3", 3); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	if err := l.Reset(context.Background(), "user-3"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	res, err := l.Allow(context.Background(), "user-3", 3)
	if err != nil {
		t.Fatalf("Allow after reset: %v", err)
	}
	if !res.Allowed {
		t.Fatal("request after Reset should be allowed again")
	}
}

func TestLimiterFailsOpenWithoutRedis(t *testing.T) {
	l := NewLimiter(nil, zerolog.Nop(), "api", time.Minute)

	res, err := l.Allow(context.Background(), "anyone", 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("limiter without a redis backend should fail open")
	}
}
