package audit

import (
	"context"
	"strings"
	"testing"

	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"
)

func TestLogEventThenGetLogsReturnsMostRecentFirst(t *testing.T) {
	l := NewLogger(zerolog.Nop())

	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", ResourceID: "c1", Outcome: domain.AuditSuccess})
	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditDeleted, Resource: "connection", ResourceID: "c1", Outcome: domain.AuditSuccess})

	page := l.GetLogs(domain.AuditLogFilter{})
	if page.Total != 2 {
		t.Fatalf("total = %d, want 2", page.Total)
	}
	if page.Logs[0].Action != domain.AuditDeleted {
		t.Errorf("first log action = %s, want most-recent (deleted) first", page.Logs[0].Action)
	}
}

func TestGetLogsFiltersByOwnerAndAction(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", Outcome: domain.AuditSuccess})
	l.LogEvent(context.Background(), Event{OwnerUser: "u2", Action: domain.AuditTested, Resource: "connection", Outcome: domain.AuditFailure})

	page := l.GetLogs(domain.AuditLogFilter{OwnerUser: "u2"})
	if page.Total != 1 || page.Logs[0].Action != domain.AuditTested {
		t.Fatalf("expected only u2's tested event, got %+v", page.Logs)
	}

	page = l.GetLogs(domain.AuditLogFilter{Actions: []domain.AuditAction{domain.AuditCreated}})
	if page.Total != 1 || page.Logs[0].OwnerUser != "u1" {
		t.Fatalf("expected only the created event, got %+v", page.Logs)
	}
}

func TestGetLogsHonorsLimitAndOffset(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	for i := 0; i < 5; i++ {
		l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditTested, Resource: "connection", Outcome: domain.AuditSuccess})
	}

	page := l.GetLogs(domain.AuditLogFilter{Limit: 2, Offset: 1})
	if len(page.Logs) != 2 {
		t.Fatalf("page length = %d, want 2", len(page.Logs))
	}
	if !page.HasMore {
		t.Error("expected HasMore = true with 5 total logs and a page of 2")
	}
}

func TestSearchMatchesResourceID(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", ResourceID: "conn-abc", Outcome: domain.AuditSuccess})
	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", ResourceID: "conn-xyz", Outcome: domain.AuditSuccess})

	page := l.Search("abc", domain.AuditLogFilter{})
	if page.Total != 1 || page.Logs[0].ResourceID != "conn-abc" {
		t.Fatalf("expected one match for conn-abc, got %+v", page.Logs)
	}
}

func TestGetLogReturnsNilForUnknownID(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	if l.GetLog("missing") != nil {
		t.Error("expected nil for an unknown audit log id")
	}
}

func TestExportCSVIncludesHeaderAndRows(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", ResourceID: "c1", Outcome: domain.AuditSuccess})

	data, err := l.Export(domain.AuditLogFilter{}, domain.AuditExportCSV)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "ID,Timestamp,Action") {
		t.Errorf("csv export missing header, got %q", out)
	}
	if !strings.Contains(out, "c1") {
		t.Errorf("csv export missing resource id, got %q", out)
	}
}

func TestGetStatsCountsByActionAndOutcome(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditCreated, Resource: "connection", Outcome: domain.AuditSuccess})
	l.LogEvent(context.Background(), Event{OwnerUser: "u1", Action: domain.AuditTested, Resource: "connection", Outcome: domain.AuditFailure})

	stats := l.GetStats()
	if stats.TotalLogs != 2 {
		t.Fatalf("TotalLogs = %d, want 2", stats.TotalLogs)
	}
	if stats.ByAction[string(domain.AuditCreated)] != 1 || stats.ByOutcome[string(domain.AuditFailure)] != 1 {
		t.Errorf("unexpected stats breakdown: %+v", stats)
	}
}
