// Package registry is the Connection Registry: durable CRUD storage for
// connection configurations, with sealed secrets and audit emission
// (spec.md §4.2).
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/audit"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/vault"
)

// Registry persists ConnectionConfig records, sealing and opening secrets
// through a Vault and emitting an audit event for every mutation.
type Registry struct {
	db    *sql.DB
	vault *vault.Vault
	audit *audit.Logger
}

// New creates a Registry backed by db, sealing secrets through v and
// recording mutations to a.
func New(db *sql.DB, v *vault.Vault, a *audit.Logger) *Registry {
	return &Registry{db: db, vault: v, audit: a}
}

// Create inserts a new connection, sealing its plaintext secret. The
// (owner_user, name) pair must be unique.
func (r *Registry) Create(ctx context.Context, owner uuid.UUID, cfg domain.ConnectionConfig, secret string) (domain.ConnectionConfig, error) {
	now := time.Now()
	cfg.ID = uuid.New()
	cfg.OwnerUser = owner
	cfg.Status = domain.StatusActive
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	sealed, err := r.vault.Seal([]byte(secret))
	if err != nil {
		return domain.ConnectionConfig{}, apperr.Wrap(apperr.KindCrypto, "seal connection secret", err)
	}
	cfg.SecretBlob = sealed

	options, err := json.Marshal(cfg.Options)
	if err != nil {
		options = []byte("{}")
	}

	query := `
		INSERT INTO connections (
			id, owner_user, team, name, description, dialect, host, port,
			database, username, secret_blob, tls_enabled, tls_material,
			options, pool_min, pool_max, pool_idle_timeout, pool_acquire_timeout,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21
		)`

	_, err = r.db.ExecContext(ctx, query,
		cfg.ID, cfg.OwnerUser, cfg.Team, cfg.Name, cfg.Description, cfg.Dialect,
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.SecretBlob,
		cfg.TLSEnabled, cfg.TLSMaterial, options,
		cfg.Pool.Min, cfg.Pool.Max, cfg.Pool.IdleTimeout, cfg.Pool.AcquireTimeout,
		cfg.Status, cfg.CreatedAt, cfg.UpdatedAt,
	)

	outcome := domain.AuditSuccess
	if err != nil {
		outcome = domain.AuditFailure
	}
	r.audit.LogEvent(ctx, audit.Event{
		OwnerUser:  owner.String(),
		Action:     domain.AuditCreated,
		Resource:   "connection",
		ResourceID: cfg.ID.String(),
		Outcome:    outcome,
	})

	if err != nil {
		return domain.ConnectionConfig{}, apperr.Wrap(apperr.KindInternal, "insert connection", err)
	}
	return cfg, nil
}

// Get retrieves a connection by ID, scoped to its owner.
func (r *Registry) Get(ctx context.Context, owner, id uuid.UUID) (domain.ConnectionConfig, error) {
	const query = `
		SELECT id, owner_user, team, name, description, dialect, host, port,
			   database, username, secret_blob, tls_enabled, tls_material,
			   options, pool_min, pool_max, pool_idle_timeout, pool_acquire_timeout,
			   status, last_tested_at, last_used_at, created_at, updated_at
		FROM connections
		WHERE id = $1 AND owner_user = $2`

	cfg, err := scanConnection(r.db.QueryRowContext(ctx, query, id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConnectionConfig{}, apperr.NotFound("connection")
	}
	if err != nil {
		return domain.ConnectionConfig{}, apperr.Wrap(apperr.KindInternal, "query connection", err)
	}
	return cfg, nil
}

// List returns owner's connections matching filter's dialect, status and
// search fields. filter.Team is not applied, and connections owned by other
// users are never included.
func (r *Registry) List(ctx context.Context, owner uuid.UUID, filter domain.ConnectionFilter) ([]domain.ConnectionConfig, error) {
	query := `
		SELECT id, owner_user, team, name, description, dialect, host, port,
			   database, username, secret_blob, tls_enabled, tls_material,
			   options, pool_min, pool_max, pool_idle_timeout, pool_acquire_timeout,
			   status, last_tested_at, last_used_at, created_at, updated_at
		FROM connections
		WHERE owner_user = $1`
	args := []interface{}{owner}

	if filter.Dialect != "" {
		args = append(args, filter.Dialect)
		query += fmt.Sprintf(" AND dialect = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(" AND name ILIKE $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list connections", err)
	}
	defer rows.Close()

	var out []domain.ConnectionConfig
	for rows.Next() {
		cfg, err := scanConnection(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan connection", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Update applies patch to the connection, re-sealing the secret if it
// changed, and reports whether the change invalidates any open pool.
func (r *Registry) Update(ctx context.Context, owner, id uuid.UUID, patch domain.ConnectionPatch) (domain.ConnectionConfig, bool, error) {
	cfg, err := r.Get(ctx, owner, id)
	if err != nil {
		return domain.ConnectionConfig{}, false, err
	}

	if patch.Name != nil {
		cfg.Name = *patch.Name
	}
	if patch.Description != nil {
		cfg.Description = *patch.Description
	}
	if patch.Host != nil {
		cfg.Host = *patch.Host
	}
	if patch.Port != nil {
		cfg.Port = *patch.Port
	}
	if patch.Database != nil {
		cfg.Database = *patch.Database
	}
	if patch.Username != nil {
		cfg.Username = *patch.Username
	}
	if patch.Secret != nil {
		sealed, err := r.vault.Seal([]byte(*patch.Secret))
		if err != nil {
			return domain.ConnectionConfig{}, false, apperr.Wrap(apperr.KindCrypto, "seal connection secret", err)
		}
		cfg.SecretBlob = sealed
	}
	if patch.TLSEnabled != nil {
		cfg.TLSEnabled = *patch.TLSEnabled
	}
	if patch.TLSMaterial != nil {
		cfg.TLSMaterial = patch.TLSMaterial
	}
	if patch.Options != nil {
		cfg.Options = patch.Options
	}
	if patch.Pool != nil {
		if err := patch.Pool.Validate(); err != nil {
			return domain.ConnectionConfig{}, false, apperr.Wrap(apperr.KindValidation, "invalid pool hints", err)
		}
		cfg.Pool = *patch.Pool
	}
	if patch.Status != nil {
		cfg.Status = *patch.Status
	}
	cfg.UpdatedAt = time.Now()

	options, err := json.Marshal(cfg.Options)
	if err != nil {
		options = []byte("{}")
	}

	const query = `
		UPDATE connections SET
			name = $1, description = $2, host = $3, port = $4, database = $5,
			username = $6, secret_blob = $7, tls_enabled = $8, tls_material = $9,
			options = $10, pool_min = $11, pool_max = $12, pool_idle_timeout = $13,
			pool_acquire_timeout = $14, status = $15, updated_at = $16
		WHERE id = $17 AND owner_user = $18`

	_, err = r.db.ExecContext(ctx, query,
		cfg.Name, cfg.Description, cfg.Host, cfg.Port, cfg.Database, cfg.Username,
		cfg.SecretBlob, cfg.TLSEnabled, cfg.TLSMaterial, options,
		cfg.Pool.Min, cfg.Pool.Max, cfg.Pool.IdleTimeout, cfg.Pool.AcquireTimeout,
		cfg.Status, cfg.UpdatedAt, id, owner,
	)

	outcome := domain.AuditSuccess
	if err != nil {
		outcome = domain.AuditFailure
	}
	r.audit.LogEvent(ctx, audit.Event{
		OwnerUser:  owner.String(),
		Action:     domain.AuditUpdated,
		Resource:   "connection",
		ResourceID: id.String(),
		Outcome:    outcome,
	})

	if err != nil {
		return domain.ConnectionConfig{}, false, apperr.Wrap(apperr.KindInternal, "update connection", err)
	}
	return cfg, patch.ChangesTarget(), nil
}

// Delete removes a connection.
func (r *Registry) Delete(ctx context.Context, owner, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE id = $1 AND owner_user = $2`, id, owner)

	outcome := domain.AuditSuccess
	if err != nil {
		outcome = domain.AuditFailure
	}
	r.audit.LogEvent(ctx, audit.Event{
		OwnerUser:  owner.String(),
		Action:     domain.AuditDeleted,
		Resource:   "connection",
		ResourceID: id.String(),
		Outcome:    outcome,
	})

	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete connection", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return apperr.NotFound("connection")
	}
	return nil
}

// OpenSecret unseals the stored secret for a connection, for the Pool
// Manager and Connection Tester to dial with.
func (r *Registry) OpenSecret(cfg domain.ConnectionConfig) (string, error) {
	plaintext, err := r.vault.Open(cfg.SecretBlob)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "open connection secret", err)
	}
	return string(plaintext), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row scanner) (domain.ConnectionConfig, error) {
	var cfg domain.ConnectionConfig
	var team sql.NullString
	var description sql.NullString
	var tlsMaterial sql.NullString
	var options []byte
	var lastTestedAt, lastUsedAt sql.NullTime

	err := row.Scan(
		&cfg.ID, &cfg.OwnerUser, &team, &cfg.Name, &description, &cfg.Dialect,
		&cfg.Host, &cfg.Port, &cfg.Database, &cfg.Username, &cfg.SecretBlob,
		&cfg.TLSEnabled, &tlsMaterial, &options,
		&cfg.Pool.Min, &cfg.Pool.Max, &cfg.Pool.IdleTimeout, &cfg.Pool.AcquireTimeout,
		&cfg.Status, &lastTestedAt, &lastUsedAt, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return domain.ConnectionConfig{}, err
	}

	if team.Valid {
		tid, parseErr := uuid.Parse(team.String)
		if parseErr == nil {
			cfg.Team = &tid
		}
	}
	cfg.Description = description.String
	if tlsMaterial.Valid {
		cfg.TLSMaterial = &tlsMaterial.String
	}
	if lastTestedAt.Valid {
		cfg.LastTestedAt = &lastTestedAt.Time
	}
	if lastUsedAt.Valid {
		cfg.LastUsedAt = &lastUsedAt.Time
	}
	if len(options) > 0 {
		_ = json.Unmarshal(options, &cfg.Options)
	}

	return cfg, nil
}
