package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgai-platform/gateway/internal/domain"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// lease is a single checked-out connection handle; Release returns it to
// the backing driver pool.
type lease interface {
	Release()
}

// Rows abstracts over *sql.Rows and pgx.Rows so a caller that queries
// through a borrowed Lease does not need to know which driver is
// underneath (spec.md §4.8 catalog queries run through whatever backend
// the Pool Manager already opened).
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

// queryable is implemented by leases whose backend can run arbitrary SQL
// catalog queries. The mongo backend does not implement it: schema
// discovery is a relational-catalog concept and mongo leases report
// unsupported instead.
type queryable interface {
	query(ctx context.Context, query string, args ...interface{}) (Rows, error)
}

// backend is the dialect-specific driver pool a ManagedPool sits on top of.
// Every supported dialect (spec.md §4.3) already ships its own connection
// pooling, so backend's job is to expose acquire/stats/close uniformly
// rather than re-implement pooling at the byte level.
type backend interface {
	acquire(ctx context.Context) (lease, error)
	stats() BackendStats
	close()
}

// BackendStats mirrors the subset of driver pool statistics the manager
// exposes in its snapshot (spec.md §4.3's monitoring surface).
type BackendStats struct {
	Active int
	Idle   int
	Total  int
}

func newBackend(ctx context.Context, cfg domain.ConnectionConfig, dsn string) (backend, error) {
	switch cfg.Dialect {
	case domain.DialectPostgres:
		return newPgxBackend(ctx, cfg, dsn)
	case domain.DialectMySQL, domain.DialectSQLite:
		return newSQLBackend(cfg, dsn)
	case domain.DialectMongo:
		return newMongoBackend(ctx, cfg, dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", cfg.Dialect)
	}
}

// --- Postgres: pgxpool.Pool ---

type pgxBackend struct {
	pool *pgxpool.Pool
}

func newPgxBackend(ctx context.Context, cfg domain.ConnectionConfig, dsn string) (*pgxBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MinConns = int32(cfg.Pool.Min)
	poolCfg.MaxConns = int32(cfg.Pool.Max)
	poolCfg.MaxConnIdleTime = cfg.Pool.IdleTimeout
	poolCfg.HealthCheckPeriod = 30 * time.Second

	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &pgxBackend{pool: p}, nil
}

type pgxLease struct{ conn *pgxpool.Conn }

func (l *pgxLease) Release() { l.conn.Release() }

func (l *pgxLease) query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := l.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxRowsAdapter{rows}, nil
}

// pgxRowsAdapter adapts pgx.Rows (whose Close takes no return value) to
// the Rows interface shared with database/sql.
type pgxRowsAdapter struct{ rows pgxRows }

func (a pgxRowsAdapter) Next() bool                      { return a.rows.Next() }
func (a pgxRowsAdapter) Scan(dest ...interface{}) error  { return a.rows.Scan(dest...) }
func (a pgxRowsAdapter) Err() error                      { return a.rows.Err() }
func (a pgxRowsAdapter) Close() error                    { a.rows.Close(); return nil }

// pgxRows is the subset of pgx.Rows this package depends on.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}

func (b *pgxBackend) acquire(ctx context.Context) (lease, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxLease{conn: conn}, nil
}

func (b *pgxBackend) stats() BackendStats {
	s := b.pool.Stat()
	return BackendStats{
		Active: int(s.AcquiredConns()),
		Idle:   int(s.IdleConns()),
		Total:  int(s.TotalConns()),
	}
}

func (b *pgxBackend) close() { b.pool.Close() }

// --- MySQL / SQLite: database/sql ---

type sqlBackend struct {
	db *sql.DB
}

func newSQLBackend(cfg domain.ConnectionConfig, dsn string) (*sqlBackend, error) {
	driver := "mysql"
	if cfg.Dialect == domain.DialectSQLite {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	db.SetMaxOpenConns(cfg.Pool.Max)
	maxIdle := cfg.Pool.Min
	if maxIdle <= 0 {
		maxIdle = 1
	}
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(cfg.Pool.IdleTimeout)

	return &sqlBackend{db: db}, nil
}

type sqlLease struct{ conn *sql.Conn }

func (l *sqlLease) Release() { l.conn.Close() }

func (l *sqlLease) query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return l.conn.QueryContext(ctx, query, args...)
}

func (b *sqlBackend) acquire(ctx context.Context) (lease, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlLease{conn: conn}, nil
}

func (b *sqlBackend) stats() BackendStats {
	s := b.db.Stats()
	return BackendStats{
		Active: s.InUse,
		Idle:   s.Idle,
		Total:  s.OpenConnections,
	}
}

func (b *sqlBackend) close() { b.db.Close() }

// --- Mongo: mongo.Client ---

type mongoBackend struct {
	client *mongo.Client
	max    int
}

func newMongoBackend(ctx context.Context, cfg domain.ConnectionConfig, dsn string) (*mongoBackend, error) {
	opts := options.Client().
		ApplyURI(dsn).
		SetMinPoolSize(uint64(cfg.Pool.Min)).
		SetMaxPoolSize(uint64(cfg.Pool.Max)).
		SetMaxConnIdleTime(cfg.Pool.IdleTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &mongoBackend{client: client, max: cfg.Pool.Max}, nil
}

// mongoLease is a no-op: the mongo driver's client is itself
// concurrency-safe and pool-managed, so there is no per-checkout handle to
// release, only the logical slot the manager is tracking.
type mongoLease struct{}

func (mongoLease) Release() {}

func (b *mongoBackend) acquire(ctx context.Context) (lease, error) {
	if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}
	return mongoLease{}, nil
}

func (b *mongoBackend) stats() BackendStats {
	// The mongo driver does not expose live pool counters; report the
	// configured ceiling so monitoring still has a meaningful Total.
	return BackendStats{Total: b.max}
}

func (b *mongoBackend) close() {
	_ = b.client.Disconnect(context.Background())
}
