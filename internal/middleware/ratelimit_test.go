package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/database"
	"github.com/pgai-platform/gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T, prefix string) *ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	redisClient := database.NewRedisFromClient(client, zerolog.Nop(), config.RedisConfig{})
	return ratelimit.NewLimiter(redisClient, zerolog.Nop(), prefix, time.Minute)
}

func fixedKey(r *http.Request) string { return "fixed" }

func TestRateLimitBlocksOverLimit(t *testing.T) {
	limiter := newTestLimiter(t, "api")
	h := RateLimit(limiter, 2, fixedKey, zerolog.Nop())(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestRateLimitSkipSuccessfulDoesNotCountSuccesses(t *testing.T) {
	limiter := newTestLimiter(t, "auth")
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimitSkipSuccessful(limiter, 2, fixedKey, zerolog.Nop())(ok)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("successful request %d was rate limited: status = %d", i+1, rec.Code)
		}
	}
}

func TestRateLimitSkipSuccessfulCountsFailures(t *testing.T) {
	limiter := newTestLimiter(t, "auth")
	fail := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	h := RateLimitSkipSuccessful(limiter, 2, fixedKey, zerolog.Nop())(fail)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("request %d: status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 after repeated failures", rec.Code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := ClientIP(req); ip != "203.0.113.5" {
		t.Errorf("ClientIP = %s, want 203.0.113.5", ip)
	}
}
