// Package middleware implements the gateway's Admission Layer: request-id
// stamping, security headers, method/size/content-type checks, suspicious-
// pattern detection, rate limiting, authentication, and the timeout
// supervisor (spec.md §4.7).
package middleware

import (
	"net/http"
	"runtime/debug"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pgai-platform/gateway/internal/response"
	"github.com/rs/zerolog"
)

// Recoverer returns middleware that recovers from panics in downstream
// handlers and responds with a 500 instead of crashing the connection.
func Recoverer(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Interface("panic", rec).
						Bytes("stack", debug.Stack()).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("request_id", chimiddleware.GetReqID(r.Context())).
						Msg("panic recovered")

					response.WriteError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
