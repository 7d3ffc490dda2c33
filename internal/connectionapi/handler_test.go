package connectionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgai-platform/gateway/internal/audit"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/tester"
	"github.com/rs/zerolog"
)

func testHandler(t *testing.T, dial tester.DialFunc) *Handler {
	t.Helper()
	tst := tester.New(dial, time.Second, 5, false, zerolog.Nop())
	return New(nil, nil, tst, audit.NewLogger(zerolog.Nop()), zerolog.Nop(), true)
}

func TestHealthReturnsOK(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	router := Routes(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTestAdHocRejectsInvalidBody(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	router := Routes(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/testing/connections", bytes.NewBufferString("not json"))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestTestAdHocReportsUnsupportedDialect(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "dsn", nil })
	router := Routes(h)

	body, _ := json.Marshal(adHocTestRequest{Dialect: "unknown", Host: "h", Port: 1, Database: "d", Username: "u", Secret: "p"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/testing/connections", bytes.NewReader(body))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (reachability failures are reported in the envelope), body=%s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data domain.TestResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.Success {
		t.Error("expected Success = false for an unsupported dialect")
	}
	if env.Data.ErrorCode != domain.ErrUnsupported {
		t.Errorf("error code = %q, want unsupported", env.Data.ErrorCode)
	}
}

func TestTestSSHTunnelRejectsWhenDisabled(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "dsn", nil })
	router := Routes(h)

	body, _ := json.Marshal(adHocTestRequest{Dialect: domain.DialectPostgres, Host: "h", Port: 5432, Database: "d", Username: "u", Secret: "p"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/testing/connections/ssh-tunnel", bytes.NewReader(body))
	router.ServeHTTP(rec, req)

	var env struct {
		Data domain.TestResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.Success {
		t.Error("expected ssh tunnel probing to fail when not enabled")
	}
}

func TestTestResultNotFoundBeforeAnyTest(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	router := Routes(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/testing/results/00000000-0000-0000-0000-000000000001", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestResultStorePutAndGet(t *testing.T) {
	s := newResultStore()
	if _, ok := s.get("conn-1"); ok {
		t.Fatal("expected no result before put")
	}
	s.put("conn-1", domain.TestResult{Success: true})
	got, ok := s.get("conn-1")
	if !ok || !got.Success {
		t.Errorf("got %+v, ok=%v", got, ok)
	}
	if len(s.snapshot()) != 1 {
		t.Errorf("snapshot length = %d, want 1", len(s.snapshot()))
	}
}

func TestCreateRequiresAuthentication(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	router := Routes(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/connections", bytes.NewBufferString(`{"name":"x"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without x-user-id", rec.Code)
	}
}

func TestMonitoringAuditRequiresAuthentication(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	router := Routes(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitoring/audit", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without x-user-id", rec.Code)
	}
}

func TestMonitoringAuditScopesNonAdminToOwnLogs(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	h.audit.LogEvent(context.Background(), audit.Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", Outcome: domain.AuditSuccess})
	h.audit.LogEvent(context.Background(), audit.Event{OwnerUser: "u2", Action: domain.AuditCreated, Resource: "connection", Outcome: domain.AuditSuccess})
	router := Routes(h)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/audit", nil)
	req.Header.Set("x-user-id", "u1")
	req.Header.Set("x-user-role", "user")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data domain.AuditLogPage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.Total != 1 || env.Data.Logs[0].OwnerUser != "u1" {
		t.Errorf("expected only u1's own audit log, got %+v", env.Data)
	}
}

func TestMonitoringAuditLogRejectsNonOwner(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	h.audit.LogEvent(context.Background(), audit.Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", ResourceID: "c1", Outcome: domain.AuditSuccess})
	router := Routes(h)

	logs := h.audit.GetLogs(domain.AuditLogFilter{OwnerUser: "u1"})
	if logs.Total != 1 {
		t.Fatalf("setup: expected one log for u1, got %d", logs.Total)
	}
	id := logs.Logs[0].ID

	req := httptest.NewRequest(http.MethodGet, "/monitoring/audit/"+id, nil)
	req.Header.Set("x-user-id", "u2")
	req.Header.Set("x-user-role", "user")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for a non-owner request, body=%s", rec.Code, rec.Body.String())
	}
}

func TestMonitoringAuditLogNotFound(t *testing.T) {
	h := testHandler(t, func(domain.ConnectionConfig, string) (string, error) { return "", nil })
	router := Routes(h)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/audit/missing", nil)
	req.Header.Set("x-user-id", "u1")
	req.Header.Set("x-user-role", "user")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
