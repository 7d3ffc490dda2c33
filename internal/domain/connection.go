// Package domain holds the core entity types shared across the gateway,
// connection, and schema subsystems.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Dialect identifies the wire protocol of a target database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
	DialectMongo    Dialect = "mongo"
)

// ConnectionStatus is the lifecycle state of a ConnectionConfig.
type ConnectionStatus string

const (
	StatusActive   ConnectionStatus = "active"
	StatusInactive ConnectionStatus = "inactive"
	StatusTesting  ConnectionStatus = "testing"
	StatusError    ConnectionStatus = "error"
)

// PoolHints captures the pool sizing the owner requested for a connection.
type PoolHints struct {
	Min            int           `json:"min"`
	Max            int           `json:"max"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
}

// Validate enforces the pool-hint invariants from the specification:
// 0 <= min < max <= 100, timeouts in [1s, 5m].
func (h PoolHints) Validate() error {
	if h.Min < 0 {
		return errInvalidPool("min must be >= 0")
	}
	if h.Max <= h.Min {
		return errInvalidPool("max must be greater than min")
	}
	if h.Max > 100 {
		return errInvalidPool("max must be <= 100")
	}
	if h.IdleTimeout < time.Second || h.IdleTimeout > 5*time.Minute {
		return errInvalidPool("idle_timeout must be within [1s, 5m]")
	}
	if h.AcquireTimeout < time.Second || h.AcquireTimeout > 5*time.Minute {
		return errInvalidPool("acquire_timeout must be within [1s, 5m]")
	}
	return nil
}

type poolValidationError string

func (e poolValidationError) Error() string { return string(e) }

func errInvalidPool(msg string) error { return poolValidationError(msg) }

// ConnectionConfig is the durable, registry-owned record of a user's
// configured database connection. Secrets are always stored sealed.
type ConnectionConfig struct {
	ID          uuid.UUID        `json:"id"`
	OwnerUser   uuid.UUID        `json:"owner_user"`
	Team        *uuid.UUID       `json:"team,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`

	Dialect     Dialect           `json:"dialect"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Database    string            `json:"database"`
	Username    string            `json:"username"`
	SecretBlob  []byte            `json:"-"`
	TLSEnabled  bool              `json:"tls_enabled"`
	TLSMaterial *string           `json:"tls_material,omitempty"`
	Options     map[string]string `json:"options,omitempty"`

	Pool PoolHints `json:"pool"`

	Status       ConnectionStatus `json:"status"`
	LastTestedAt *time.Time       `json:"last_tested_at,omitempty"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// TargetKey identifies the dial target of a connection; two configs with an
// equal TargetKey (after opening credentials) address the same database.
type TargetKey struct {
	Dialect  Dialect
	Host     string
	Port     int
	Database string
	Username string
}

func (c *ConnectionConfig) TargetKey() TargetKey {
	return TargetKey{
		Dialect:  c.Dialect,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		Username: c.Username,
	}
}

// ConnectionFilter is the supported filter set for Registry.List.
type ConnectionFilter struct {
	Team    *uuid.UUID
	Dialect Dialect
	Status  ConnectionStatus
	Search  string
	Limit   int
	Offset  int
}

// ConnectionPatch is a partial update to a ConnectionConfig; nil fields are
// left unchanged.
type ConnectionPatch struct {
	Name        *string
	Description *string
	Host        *string
	Port        *int
	Database    *string
	Username    *string
	Secret      *string // plaintext; sealed by the registry before storage
	TLSEnabled  *bool
	TLSMaterial *string
	Options     map[string]string
	Pool        *PoolHints
	Status      *ConnectionStatus
}

// ChangesTarget reports whether applying the patch invalidates the owning
// pool per the specification's update invariant.
func (p ConnectionPatch) ChangesTarget() bool {
	return p.Host != nil || p.Port != nil || p.Database != nil ||
		p.Username != nil || p.Secret != nil || p.TLSEnabled != nil || p.TLSMaterial != nil
}
