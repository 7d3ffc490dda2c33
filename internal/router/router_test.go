package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pgai-platform/gateway/internal/breaker"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/ratelimit"
	"github.com/rs/zerolog"
)

type fakeVerifier struct {
	auth domain.AuthContext
	err  error
}

func (f fakeVerifier) Verify(ctx context.Context, rawToken string) (domain.AuthContext, error) {
	if f.err != nil {
		return domain.AuthContext{}, f.err
	}
	return f.auth, nil
}

func testConfig(services map[string]config.ServiceConfig) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Version:        "test",
			MaxBodyBytes:   1 << 20,
			RequestTimeout: time.Second,
		},
		RateLimit: config.RateLimitProfiles{
			Auth:   config.RateLimitProfile{Window: time.Minute, Max: 100},
			API:    config.RateLimitProfile{Window: time.Minute, Max: 100},
			Public: config.RateLimitProfile{Window: time.Minute, Max: 100},
		},
		Services: services,
	}
}

func newTestRouter(t *testing.T, cfg *config.Config, verifier fakeVerifier) http.Handler {
	t.Helper()
	return New(Dependencies{
		Config:       cfg,
		Logger:       zerolog.Nop(),
		Breakers:     breaker.NewRegistry(5, 30*time.Second, zerolog.Nop()),
		Verifier:     verifier,
		RateLimiters: ratelimit.Profiles{},
		Development:  true,
	})
}

func TestRouterProxiesAuthenticatedRequestWithHeaders(t *testing.T) {
	var gotHeaders http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	cfg := testConfig(map[string]config.ServiceConfig{
		"connection": {Name: "connection", BaseURL: backend.URL, Timeout: time.Second},
	})
	r := newTestRouter(t, cfg, fakeVerifier{auth: domain.AuthContext{UserID: "u1", Email: "u1@example.com", Role: domain.RoleUser, Team: "team-a"}})

	req := httptest.NewRequest(http.MethodGet, "/connections/conn-1", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if gotHeaders.Get("x-forwarded-by") != "pgai-gateway" {
		t.Errorf("x-forwarded-by = %q, want pgai-gateway", gotHeaders.Get("x-forwarded-by"))
	}
	if gotHeaders.Get("x-user-id") != "u1" {
		t.Errorf("x-user-id = %q, want u1", gotHeaders.Get("x-user-id"))
	}
	if gotHeaders.Get("x-user-role") != "user" {
		t.Errorf("x-user-role = %q, want user", gotHeaders.Get("x-user-role"))
	}
	if gotHeaders.Get("x-request-id") == "" {
		t.Error("x-request-id was not injected")
	}
}

func TestRouterRejectsUnauthenticatedRequestToGuardedPrefix(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := testConfig(map[string]config.ServiceConfig{
		"connection": {Name: "connection", BaseURL: backend.URL, Timeout: time.Second},
	})
	r := newTestRouter(t, cfg, fakeVerifier{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connections/conn-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRouterMountsMetricsHandlerWhenProvided(t *testing.T) {
	cfg := testConfig(map[string]config.ServiceConfig{})
	metricsCalled := false
	r := New(Dependencies{
		Config:         cfg,
		Logger:         zerolog.Nop(),
		Breakers:       breaker.NewRegistry(5, 30*time.Second, zerolog.Nop()),
		Verifier:       fakeVerifier{},
		RateLimiters:   ratelimit.Profiles{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { metricsCalled = true; w.WriteHeader(http.StatusOK) }),
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !metricsCalled {
		t.Error("expected the provided metrics handler to be invoked")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouterRoutesChangesHistoryAnalyticsToSchemaService(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := testConfig(map[string]config.ServiceConfig{
		"schema": {Name: "schema", BaseURL: backend.URL, Timeout: time.Second},
	})
	r := newTestRouter(t, cfg, fakeVerifier{auth: domain.AuthContext{UserID: "u1", Role: domain.RoleViewer}})

	for _, path := range []string{"/changes/status", "/history/conn-1", "/analytics/changes/conn-1"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer test-token")
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("path %s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouterOmitsRouteForUnconfiguredService(t *testing.T) {
	cfg := testConfig(map[string]config.ServiceConfig{})
	r := newTestRouter(t, cfg, fakeVerifier{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/schemas/anything", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when schema service is unconfigured", rec.Code)
	}
}

func TestRouterEnforcesOwnershipOnUsersPrefix(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := testConfig(map[string]config.ServiceConfig{
		"user": {Name: "user", BaseURL: backend.URL, Timeout: time.Second},
	})
	r := newTestRouter(t, cfg, fakeVerifier{auth: domain.AuthContext{UserID: "bob", Role: domain.RoleUser}})

	req := httptest.NewRequest(http.MethodGet, "/users/alice/profile", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for a non-owner", rec.Code)
	}
}

func TestRouterTranslatesConnectionRefusedTo503(t *testing.T) {
	cfg := testConfig(map[string]config.ServiceConfig{
		"connection": {Name: "connection", BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond},
	})
	r := newTestRouter(t, cfg, fakeVerifier{auth: domain.AuthContext{UserID: "u1", Role: domain.RoleUser}})

	req := httptest.NewRequest(http.MethodGet, "/connections/conn-1", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 for a refused connection", rec.Code)
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Error.Code != "service_unavailable" {
		t.Errorf("error code = %q, want service_unavailable", env.Error.Code)
	}
}

func TestRouterRewritesJSONBodyAndRecomputesContentLength(t *testing.T) {
	var gotBody []byte
	var gotContentLength string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentLength = r.Header.Get("Content-Length")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	cfg := testConfig(map[string]config.ServiceConfig{
		"connection": {Name: "connection", BaseURL: backend.URL, Timeout: time.Second},
	})
	r := newTestRouter(t, cfg, fakeVerifier{auth: domain.AuthContext{UserID: "u1", Role: domain.RoleUser}})

	body := `{  "name" :  "db-1"  }`
	req := httptest.NewRequest(http.MethodPost, "/connections", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer abc123")
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	if gotContentLength == "" {
		t.Error("Content-Length was not set on the proxied request")
	}
	if string(gotBody) != `{"name":"db-1"}` {
		t.Errorf("body = %q, want compacted JSON", string(gotBody))
	}
}
