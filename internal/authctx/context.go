package authctx

import (
	"context"

	"github.com/pgai-platform/gateway/internal/domain"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// WithAuthContext returns a context carrying the verified identity.
func WithAuthContext(ctx context.Context, auth domain.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// FromContext extracts the AuthContext stamped by the admission layer's
// authenticate middleware, if any.
func FromContext(ctx context.Context) (domain.AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey).(domain.AuthContext)
	return auth, ok
}

// RequireRole reports whether ctx carries an AuthContext at or above min.
func RequireRole(ctx context.Context, min domain.Role) bool {
	auth, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return auth.Role.AtLeast(min)
}

// OwnsResource reports whether the context's identity is the named owner,
// or holds at least the given override role (e.g. an admin may act on
// another user's resources).
func OwnsResource(ctx context.Context, ownerUser string, overrideRole domain.Role) bool {
	auth, ok := FromContext(ctx)
	if !ok {
		return false
	}
	if auth.UserID == ownerUser {
		return true
	}
	return auth.Role.AtLeast(overrideRole)
}
