// Package changehistory persists schema snapshots and detected changes
// (spec.md §4.10/§6 "schema snapshots for history, schema changes with
// review state"), following the same raw-SQL-against-*sql.DB shape as
// internal/registry.
package changehistory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/domain"
)

// Store persists schema_snapshots and schema_changes rows.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordSnapshot upserts the latest discovered schema for a connection.
func (s *Store) RecordSnapshot(ctx context.Context, schema domain.DatabaseSchema) error {
	payload, err := json.Marshal(schema)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal schema snapshot", err)
	}
	counts, err := json.Marshal(schema.Counts)
	if err != nil {
		counts = []byte("{}")
	}

	const query = `
		INSERT INTO schema_snapshots (connection_id, version_hash, object_counts, discovered_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id) DO UPDATE SET
			version_hash = EXCLUDED.version_hash,
			object_counts = EXCLUDED.object_counts,
			discovered_at = EXCLUDED.discovered_at,
			payload = EXCLUDED.payload`

	if _, err := s.db.ExecContext(ctx, query, schema.ConnectionID, schema.VersionHash, counts, schema.DiscoveredAt, payload); err != nil {
		return apperr.Wrap(apperr.KindInternal, "record schema snapshot", err)
	}
	return nil
}

// RecordChanges inserts newly detected changes.
func (s *Store) RecordChanges(ctx context.Context, changes []domain.SchemaChange) error {
	for _, change := range changes {
		detail, err := json.Marshal(map[string]interface{}{"diff": change.Diff, "old": change.Old, "new": change.New})
		if err != nil {
			detail = []byte("{}")
		}

		const query = `
			INSERT INTO schema_changes (
				id, connection_id, kind, impact, object_kind, object_name,
				detail, detected_at, reviewed
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`

		if _, err := s.db.ExecContext(ctx, query,
			change.ID, change.ConnectionID, change.Kind, change.Impact,
			change.TargetKind, change.Identifier, detail, change.DetectedAt, change.Reviewed,
		); err != nil {
			return apperr.Wrap(apperr.KindInternal, "record schema change", err)
		}
	}
	return nil
}

// History returns a connection's detected changes, most recent first,
// bounded by limit.
func (s *Store) History(ctx context.Context, connectionID string, limit int) ([]domain.SchemaChange, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT id, connection_id, kind, impact, object_kind, object_name,
			   detail, detected_at, reviewed, reviewed_by, reviewed_at
		FROM schema_changes
		WHERE connection_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, connectionID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query schema change history", err)
	}
	defer rows.Close()

	var out []domain.SchemaChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan schema change", err)
		}
		out = append(out, change)
	}
	return out, rows.Err()
}

// Get retrieves a single change by ID.
func (s *Store) Get(ctx context.Context, changeID string) (domain.SchemaChange, error) {
	const query = `
		SELECT id, connection_id, kind, impact, object_kind, object_name,
			   detail, detected_at, reviewed, reviewed_by, reviewed_at
		FROM schema_changes
		WHERE id = $1`

	change, err := scanChange(s.db.QueryRowContext(ctx, query, changeID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SchemaChange{}, apperr.NotFound("schema change")
	}
	if err != nil {
		return domain.SchemaChange{}, apperr.Wrap(apperr.KindInternal, "query schema change", err)
	}
	return change, nil
}

// Review marks a change reviewed by reviewer.
func (s *Store) Review(ctx context.Context, changeID string, reviewer uuid.UUID) (domain.SchemaChange, error) {
	const query = `
		UPDATE schema_changes
		SET reviewed = true, reviewed_by = $1, reviewed_at = $2
		WHERE id = $3`

	res, err := s.db.ExecContext(ctx, query, reviewer, time.Now(), changeID)
	if err != nil {
		return domain.SchemaChange{}, apperr.Wrap(apperr.KindInternal, "review schema change", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.SchemaChange{}, apperr.NotFound("schema change")
	}
	return s.Get(ctx, changeID)
}

// Analytics summarizes a connection's change history by kind and impact.
type Analytics struct {
	ConnectionID string         `json:"connection_id"`
	Total        int            `json:"total"`
	ByKind       map[string]int `json:"by_kind"`
	ByImpact     map[string]int `json:"by_impact"`
	Unreviewed   int            `json:"unreviewed"`
}

// Analytics computes change counts for a connection over its full history.
func (s *Store) Analytics(ctx context.Context, connectionID string) (Analytics, error) {
	const query = `SELECT kind, impact, reviewed FROM schema_changes WHERE connection_id = $1`

	rows, err := s.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return Analytics{}, apperr.Wrap(apperr.KindInternal, "query schema change analytics", err)
	}
	defer rows.Close()

	out := Analytics{ConnectionID: connectionID, ByKind: map[string]int{}, ByImpact: map[string]int{}}
	for rows.Next() {
		var kind, impact string
		var reviewed bool
		if err := rows.Scan(&kind, &impact, &reviewed); err != nil {
			return Analytics{}, apperr.Wrap(apperr.KindInternal, "scan schema change analytics", err)
		}
		out.Total++
		out.ByKind[kind]++
		out.ByImpact[impact]++
		if !reviewed {
			out.Unreviewed++
		}
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChange(row scanner) (domain.SchemaChange, error) {
	var change domain.SchemaChange
	var detail []byte
	var reviewedBy sql.NullString
	var reviewedAt sql.NullTime

	err := row.Scan(
		&change.ID, &change.ConnectionID, &change.Kind, &change.Impact,
		&change.TargetKind, &change.Identifier, &detail, &change.DetectedAt,
		&change.Reviewed, &reviewedBy, &reviewedAt,
	)
	if err != nil {
		return domain.SchemaChange{}, err
	}

	if len(detail) > 0 {
		var d struct {
			Diff []string              `json:"diff"`
			Old  *domain.SchemaObject  `json:"old"`
			New  *domain.SchemaObject  `json:"new"`
		}
		if jerr := json.Unmarshal(detail, &d); jerr == nil {
			change.Diff = d.Diff
			change.Old = d.Old
			change.New = d.New
		}
	}
	return change, nil
}
