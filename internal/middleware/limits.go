package middleware

import (
	"net/http"
	"strings"

	"github.com/pgai-platform/gateway/internal/response"
)

// SecurityHeaders stamps the fixed set of defensive response headers onto
// every response. There's no ecosystem library for this in the example
// pack — it's four header writes, not worth a dependency.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("X-GatewayOps-Version", response.Version)
			next.ServeHTTP(w, r)
		})
	}
}

// AllowMethods returns middleware that rejects methods not in the
// allow-list with 405.
func AllowMethods(methods ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed[r.Method] {
				response.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on this resource")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySize returns middleware that rejects request bodies over
// maxBytes with 413, and caps reads from the body at that size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				response.WriteError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds the maximum allowed size")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// bodyBearingMethods is the set of methods this admission layer expects a
// request body on, and therefore enforces a content-type allow-list for.
var bodyBearingMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// AllowContentTypes returns middleware that, for body-bearing methods,
// rejects requests whose Content-Type isn't in the allow-list with 415.
func AllowContentTypes(types ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !bodyBearingMethods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}
			contentType := r.Header.Get("Content-Type")
			if semi := strings.IndexByte(contentType, ';'); semi >= 0 {
				contentType = contentType[:semi]
			}
			contentType = strings.TrimSpace(contentType)
			if !allowed[contentType] {
				response.WriteError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported content type: "+contentType)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
