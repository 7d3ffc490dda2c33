package middleware

import (
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pgai-platform/gateway/internal/authctx"
	"github.com/pgai-platform/gateway/internal/ratelimit"
	"github.com/pgai-platform/gateway/internal/response"
	"github.com/rs/zerolog"
)

// KeyFunc derives the rate-limit bucket key for a request.
type KeyFunc func(r *http.Request) string

// ByUserOrIP keys on the authenticated user id when present, falling back
// to the client IP — spec.md §4.7's "user_id || ip".
func ByUserOrIP(r *http.Request) string {
	if auth, ok := authctx.FromContext(r.Context()); ok && auth.UserID != "" {
		return "user:" + auth.UserID
	}
	return "ip:" + ClientIP(r)
}

// ByIP keys on the client IP only, for the auth and public profiles.
func ByIP(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// ClientIP extracts the client IP, preferring X-Forwarded-For/X-Real-IP
// over RemoteAddr — the proxy sits behind a load balancer in production.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i, c := range xff {
			if c == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// RateLimit returns middleware enforcing limit requests per the limiter's
// configured window, keyed by keyFn.
func RateLimit(limiter *ratelimit.Limiter, limit int, keyFn KeyFunc, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			result, err := limiter.Allow(r.Context(), key, limit)
			if err != nil {
				logger.Error().Err(err).Str("key", key).Str("request_id", chimiddleware.GetReqID(r.Context())).Msg("rate limiter error")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(result.ResetSecs))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.ResetSecs))
				response.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded, try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitSkipSuccessful is the auth profile's variant: it gates on the
// current count without consuming a slot, lets the request run, and only
// registers a count against the bucket when the handler's response was a
// failure (status >= 400) — a successful login never counts against the
// limit (spec.md §4.7).
func RateLimitSkipSuccessful(limiter *ratelimit.Limiter, limit int, keyFn KeyFunc, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			result, err := limiter.Peek(r.Context(), key, limit)
			if err != nil {
				logger.Error().Err(err).Str("key", key).Msg("rate limiter error")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.ResetSecs))
				response.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many failed attempts, try again later")
				return
			}

			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			if wrapped.status >= http.StatusBadRequest {
				if _, err := limiter.Allow(r.Context(), key, limit); err != nil {
					logger.Error().Err(err).Str("key", key).Msg("rate limiter error recording failure")
				}
			}
		})
	}
}
