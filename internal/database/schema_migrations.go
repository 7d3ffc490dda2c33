package database

// GatewayMigrations returns the map of SQL migrations the gateway's
// binaries apply at startup via MigrationRunner.RunFromStrings, in the
// same hardcoded-map-of-strings shape the teacher uses rather than an
// embedded migrations directory.
func GatewayMigrations() map[string]string {
	return map[string]string{
		"001_connections.sql": `
CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

CREATE TABLE IF NOT EXISTS connections (
    id                   UUID PRIMARY KEY,
    owner_user           UUID NOT NULL,
    team                 UUID,
    name                 VARCHAR(255) NOT NULL,
    description          TEXT,
    dialect              VARCHAR(32) NOT NULL,
    host                 VARCHAR(255) NOT NULL,
    port                 INTEGER NOT NULL,
    database             VARCHAR(255) NOT NULL,
    username             VARCHAR(255) NOT NULL,
    secret_blob          BYTEA NOT NULL,
    tls_enabled          BOOLEAN NOT NULL DEFAULT false,
    tls_material         TEXT,
    options              JSONB DEFAULT '{}',
    pool_min             INTEGER NOT NULL DEFAULT 1,
    pool_max             INTEGER NOT NULL DEFAULT 10,
    pool_idle_timeout    BIGINT NOT NULL,
    pool_acquire_timeout BIGINT NOT NULL,
    status               VARCHAR(32) NOT NULL DEFAULT 'active',
    last_tested_at       TIMESTAMPTZ,
    last_used_at         TIMESTAMPTZ,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE(owner_user, name)
);

CREATE INDEX IF NOT EXISTS idx_connections_owner ON connections(owner_user);
CREATE INDEX IF NOT EXISTS idx_connections_team ON connections(team);
`,
		"002_schema_snapshots.sql": `
CREATE TABLE IF NOT EXISTS schema_snapshots (
    connection_id  UUID PRIMARY KEY REFERENCES connections(id) ON DELETE CASCADE,
    version_hash   VARCHAR(64) NOT NULL,
    object_counts  JSONB NOT NULL DEFAULT '{}',
    discovered_at  TIMESTAMPTZ NOT NULL,
    payload        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_changes (
    id             UUID PRIMARY KEY,
    connection_id  UUID NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    kind           VARCHAR(32) NOT NULL,
    impact         VARCHAR(32) NOT NULL,
    object_kind    VARCHAR(32) NOT NULL,
    object_name    VARCHAR(255) NOT NULL,
    detail         JSONB DEFAULT '{}',
    detected_at    TIMESTAMPTZ NOT NULL,
    reviewed       BOOLEAN NOT NULL DEFAULT false,
    reviewed_by    UUID,
    reviewed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_schema_changes_connection ON schema_changes(connection_id, detected_at DESC);
`,
	}
}
