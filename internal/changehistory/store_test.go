package changehistory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pgai-platform/gateway/internal/domain"
)

// fakeRow is a minimal scanner stand-in; the package has no Postgres test
// double available in this toolchain (see DESIGN.md), so scanChange is
// exercised directly rather than through a live *sql.DB.
type fakeRow struct {
	id, connID, kind, impact, targetKind, identifier string
	detail                                           []byte
	detectedAt                                       time.Time
	reviewed                                         bool
}

func (f fakeRow) Scan(dest ...interface{}) error {
	*dest[0].(*string) = f.id
	*dest[1].(*string) = f.connID
	*dest[2].(*domain.ChangeKind) = domain.ChangeKind(f.kind)
	*dest[3].(*domain.Impact) = domain.Impact(f.impact)
	*dest[4].(*domain.ObjectKind) = domain.ObjectKind(f.targetKind)
	*dest[5].(*string) = f.identifier
	*dest[6].(*[]byte) = f.detail
	*dest[7].(*time.Time) = f.detectedAt
	*dest[8].(*bool) = f.reviewed
	return nil
}

func TestScanChangeDecodesDetailPayload(t *testing.T) {
	detail, _ := json.Marshal(map[string]interface{}{
		"diff": []string{"column foo dropped"},
		"old":  domain.SchemaObject{Kind: domain.KindTable, Schema: "public", Name: "users"},
	})
	row := fakeRow{
		id: "c1", connID: "conn-1", kind: "removal", impact: "breaking",
		targetKind: "table", identifier: "public.users", detail: detail,
		detectedAt: time.Now(), reviewed: false,
	}

	change, err := scanChange(row)
	if err != nil {
		t.Fatalf("scanChange: %v", err)
	}
	if change.Kind != domain.ChangeRemoval || change.Impact != domain.ImpactBreaking {
		t.Errorf("got kind=%s impact=%s", change.Kind, change.Impact)
	}
	if len(change.Diff) != 1 || change.Diff[0] != "column foo dropped" {
		t.Errorf("diff = %+v", change.Diff)
	}
	if change.Old == nil || change.Old.Name != "users" {
		t.Errorf("old = %+v", change.Old)
	}
}

func TestScanChangeToleratesEmptyDetail(t *testing.T) {
	row := fakeRow{id: "c2", connID: "conn-1", kind: "addition", impact: "non_breaking", targetKind: "table", identifier: "public.orders"}
	change, err := scanChange(row)
	if err != nil {
		t.Fatalf("scanChange: %v", err)
	}
	if change.Diff != nil || change.Old != nil {
		t.Errorf("expected no diff/old with empty detail, got %+v", change)
	}
}
