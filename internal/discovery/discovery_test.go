package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/pool"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

func seedSQLite(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ddl := []string{
		`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT NOT NULL, author_id INTEGER REFERENCES authors(id))`,
		`CREATE VIEW book_titles AS SELECT title FROM books`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed ddl %q: %v", stmt, err)
		}
	}
}

func testConnection(dsn string) domain.ConnectionConfig {
	return domain.ConnectionConfig{
		ID:       uuid.New(),
		Dialect:  domain.DialectSQLite,
		Database: dsn,
		Pool: domain.PoolHints{
			Min:            1,
			Max:            5,
			IdleTimeout:    time.Minute,
			AcquireTimeout: 2 * time.Second,
		},
	}
}

func newTestDiscoverer(t *testing.T) *Discoverer {
	t.Helper()
	mgr := pool.NewManager(func(cfg domain.ConnectionConfig, secret string) (string, error) {
		return cfg.Database, nil
	}, 0, 0, zerolog.Nop())
	t.Cleanup(mgr.Close)

	return New(mgr, func(cfg domain.ConnectionConfig) (string, error) { return "", nil }, 4, 2*time.Second, zerolog.Nop())
}

func TestDiscoverAssemblesSchemaFromSQLite(t *testing.T) {
	dsn := fmt.Sprintf("file:disco_%s?mode=memory&cache=shared", uuid.New())
	seedSQLite(t, dsn)

	d := newTestDiscoverer(t)
	cfg := testConnection(dsn)

	schema, err := d.Discover(context.Background(), cfg, domain.DiscoveryRequest{ConnectionID: cfg.ID.String()})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if schema.Counts.Tables != 2 {
		t.Errorf("tables = %d, want 2", schema.Counts.Tables)
	}
	if schema.Counts.Views != 1 {
		t.Errorf("views = %d, want 1", schema.Counts.Views)
	}
	if len(schema.Relationships) != 1 {
		t.Errorf("relationships = %d, want 1", len(schema.Relationships))
	}
	if schema.VersionHash == "" {
		t.Error("expected a non-empty version hash")
	}

	var found bool
	for _, obj := range schema.Objects {
		if obj.Kind == domain.KindTable && obj.Name == "books" {
			found = true
			if len(obj.Columns) != 3 {
				t.Errorf("books columns = %d, want 3", len(obj.Columns))
			}
		}
	}
	if !found {
		t.Error("expected a books table in discovered objects")
	}
}

func TestDiscoverIsDeterministic(t *testing.T) {
	dsn := fmt.Sprintf("file:disco_%s?mode=memory&cache=shared", uuid.New())
	seedSQLite(t, dsn)

	d := newTestDiscoverer(t)
	cfg := testConnection(dsn)

	first, err := d.Discover(context.Background(), cfg, domain.DiscoveryRequest{})
	if err != nil {
		t.Fatalf("first Discover: %v", err)
	}
	second, err := d.Discover(context.Background(), cfg, domain.DiscoveryRequest{})
	if err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if first.VersionHash != second.VersionHash {
		t.Errorf("version hash changed across runs with no schema change: %s != %s", first.VersionHash, second.VersionHash)
	}
}

func TestDiscoverRejectsUnsupportedDialect(t *testing.T) {
	d := newTestDiscoverer(t)
	cfg := domain.ConnectionConfig{ID: uuid.New(), Dialect: domain.DialectMongo}

	_, err := d.Discover(context.Background(), cfg, domain.DiscoveryRequest{})
	if err == nil {
		t.Fatal("expected an error for a dialect with no catalog introspection")
	}
}
