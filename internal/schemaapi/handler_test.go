package schemaapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgai-platform/gateway/internal/changedetect"
	"github.com/pgai-platform/gateway/internal/changehistory"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/fanout"
	"github.com/pgai-platform/gateway/internal/schemacache"
	"github.com/rs/zerolog"
)

// testHandler builds a Handler with no registry/discoverer/history backing
// store (nil), enough to exercise the routes that don't need Postgres: the
// health check, the cache-only reads, and the authentication boundary. A
// live Postgres double is unavailable in this toolchain (see DESIGN.md).
func testHandler(t *testing.T) (*Handler, *schemacache.Cache, *fanout.Hub) {
	t.Helper()
	cache := schemacache.New(100, time.Minute, nil, zerolog.Nop())
	hub := fanout.New(zerolog.Nop())
	det := changedetect.New(nil, cache, hub, time.Minute, 3, zerolog.Nop())
	h := New(nil, nil, cache, det, (*changehistory.Store)(nil), hub, zerolog.Nop(), true)
	return h, cache, hub
}

func TestHealthReturnsOK(t *testing.T) {
	h, _, _ := testHandler(t)
	router := Routes(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDiscoverRequiresAuthentication(t *testing.T) {
	h, _, _ := testHandler(t)
	router := Routes(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schemas/discover", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without x-user-id", rec.Code)
	}
}

func TestGetCachedRequiresAuthentication(t *testing.T) {
	h, _, _ := testHandler(t)
	router := Routes(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/schemas/connections/00000000-0000-0000-0000-000000000001", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestChangesTriggerReportsNotFoundForUnmonitoredConnection(t *testing.T) {
	h, _, _ := testHandler(t)
	router := Routes(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/changes/trigger/conn-1", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestChangesStatusEmptyBeforeAnyRegistration(t *testing.T) {
	h, _, _ := testHandler(t)
	router := Routes(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changes/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSearchObjectsMatchesObjectAndColumnNames(t *testing.T) {
	schema := domain.DatabaseSchema{
		Objects: []domain.SchemaObject{
			{Kind: domain.KindTable, Schema: "public", Name: "users", Columns: []domain.Column{{Name: "email"}, {Name: "id"}}},
			{Kind: domain.KindTable, Schema: "public", Name: "orders", Columns: []domain.Column{{Name: "user_id"}}},
		},
	}

	matches := searchObjects(schema, "user")
	if len(matches) != 2 {
		t.Fatalf("matches = %+v, want 2 (users table, orders.user_id column)", matches)
	}
}

func TestCacheRoundTripThroughHandlerDependencies(t *testing.T) {
	_, cache, hub := testHandler(t)
	schema := domain.DatabaseSchema{ConnectionID: "conn-1", VersionHash: "abc"}
	ctx := context.Background()
	cache.Set(ctx, "conn-1", schema)

	got, ok := cache.Get(ctx, "conn-1")
	if !ok || got.VersionHash != "abc" {
		t.Errorf("got %+v, ok=%v", got, ok)
	}

	hub.PublishCacheInvalidated("conn-1")
}
