package middleware

import (
	"net/http"
	"strings"

	"github.com/pgai-platform/gateway/internal/authctx"
	"github.com/pgai-platform/gateway/internal/domain"
)

// TrustGatewayHeaders builds an AuthContext from the x-user-* headers the
// Upstream Router injects on every proxied request (internal/router/proxy.go
// injectHeaders) and stamps it into the request context. It does no
// verification of its own: the connection and schema services are only
// reachable through the gateway, which has already authenticated the
// caller, so re-verifying a bearer token here would be redundant. A request
// with no x-user-id header is left unauthenticated.
func TrustGatewayHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("x-user-id")
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := domain.AuthContext{
				UserID: userID,
				Email:  r.Header.Get("x-user-email"),
				Role:   domain.Role(r.Header.Get("x-user-role")),
				Team:   r.Header.Get("x-team-id"),
			}
			if perms := r.Header.Get("x-user-permissions"); perms != "" {
				auth.Permissions = strings.Split(perms, ",")
			}
			next.ServeHTTP(w, r.WithContext(authctx.WithAuthContext(r.Context(), auth)))
		})
	}
}
