package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/breaker"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/pool"
	"github.com/pgai-platform/gateway/internal/schemacache"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	c := New()
	c.ObserveRequest("/connections", "GET", "200", 0.01)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "gateway_http_requests_total") {
		t.Error("missing gateway_http_requests_total in exposition")
	}
}

func TestSyncBreakersReflectsState(t *testing.T) {
	c := New()
	c.SyncBreakers(map[string]breaker.State{"connection": breaker.StateOpen, "schema": breaker.StateClosed})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `gateway_circuit_breaker_state{upstream="connection"} 2`) {
		t.Errorf("expected open breaker gauge = 2, body: %s", body)
	}
	if !strings.Contains(body, `gateway_circuit_breaker_state{upstream="schema"} 0`) {
		t.Errorf("expected closed breaker gauge = 0, body: %s", body)
	}
}

func TestSyncPoolsReflectsStats(t *testing.T) {
	c := New()
	id := uuid.New()
	c.SyncPools([]pool.Stats{
		{ConnectionID: id, Dialect: domain.DialectPostgres, Active: 3, Idle: 2, Total: 5, Waiting: 1},
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "gateway_pool_connections_active") {
		t.Error("missing gateway_pool_connections_active in exposition")
	}
	if !strings.Contains(body, id.String()) {
		t.Error("expected connection id label in exposition")
	}
}

func TestSyncCacheReflectsStats(t *testing.T) {
	c := New()
	c.SyncCache(schemacache.Stats{Entries: 7, ApproxBytes: 2048, HitRate: 0.75})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "gateway_schema_cache_entries 7") {
		t.Errorf("expected cache entries gauge = 7, body: %s", body)
	}
	if !strings.Contains(body, "gateway_schema_cache_hit_rate 0.75") {
		t.Errorf("expected hit rate gauge = 0.75, body: %s", body)
	}
}
