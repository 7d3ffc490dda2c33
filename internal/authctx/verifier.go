// Package authctx verifies bearer tokens against an OIDC provider and
// carries the resulting AuthContext through the request lifecycle
// (spec.md §4.7, §3 "AuthContext").
package authctx

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/domain"
)

// claims is the subset of ID-token claims the gateway maps into an
// AuthContext. Role and team are custom claims configured on the issuer
// side; permissions fall back to an empty slice when the issuer doesn't
// carry one.
type claims struct {
	Subject     string   `json:"sub"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Team        string   `json:"team"`
	Permissions []string `json:"permissions"`
}

func (c claims) toAuthContext() domain.AuthContext {
	role := domain.Role(c.Role)
	if role == "" {
		role = domain.RoleViewer
	}
	return domain.AuthContext{
		UserID:      c.Subject,
		Email:       c.Email,
		Role:        role,
		Team:        c.Team,
		Permissions: c.Permissions,
	}
}

// tokenVerifier is the subset of *oidc.IDTokenVerifier the Verifier needs,
// narrowed for substitution in tests.
type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Verifier verifies bearer tokens issued by a single OIDC provider and
// resolves them to an AuthContext.
type Verifier struct {
	inner tokenVerifier
}

// NewVerifier discovers the OIDC provider at issuerURL and constructs a
// Verifier scoped to clientID, grounded on the teacher's
// oidc.NewProvider/Verifier(&oidc.Config{ClientID}) sequence.
func NewVerifier(ctx context.Context, issuerURL, clientID string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return &Verifier{inner: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Verify checks rawToken's signature, issuer, audience, and expiry, then
// maps its claims to an AuthContext.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (domain.AuthContext, error) {
	idToken, err := v.inner.Verify(ctx, rawToken)
	if err != nil {
		return domain.AuthContext{}, apperr.Wrap(apperr.KindAuthentication, "invalid or expired token", err)
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return domain.AuthContext{}, apperr.Wrap(apperr.KindAuthentication, "malformed token claims", err)
	}
	if c.Subject == "" {
		return domain.AuthContext{}, apperr.New(apperr.KindAuthentication, "token carries no subject")
	}

	return c.toAuthContext(), nil
}
