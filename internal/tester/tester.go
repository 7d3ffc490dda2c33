// Package tester probes database connections and reports reachability,
// auth validity, and basic server metadata (spec.md §4.4).
package tester

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// DialFunc builds a driver DSN for a connection given its unsealed secret.
type DialFunc func(cfg domain.ConnectionConfig, secret string) (string, error)

// Tester runs connectivity probes against configured connections.
type Tester struct {
	dial          DialFunc
	timeout       time.Duration
	maxBatch      int
	tunnelEnabled bool
	logger        zerolog.Logger
}

// New creates a Tester. timeout bounds every individual probe; maxBatch
// bounds the concurrency of Batch.
func New(dial DialFunc, timeout time.Duration, maxBatch int, tunnelEnabled bool, logger zerolog.Logger) *Tester {
	if maxBatch <= 0 {
		maxBatch = 10
	}
	return &Tester{dial: dial, timeout: timeout, maxBatch: maxBatch, tunnelEnabled: tunnelEnabled, logger: logger}
}

// Test probes a single connection and returns its result. It never returns
// an error for a reachability failure — that is reported inside
// TestResult — only for a usage error such as an unbuildable DSN.
func (t *Tester) Test(ctx context.Context, cfg domain.ConnectionConfig, secret string) (domain.TestResult, error) {
	if cfg.Options["tunnel"] == "ssh" {
		return t.testViaTunnel(ctx, cfg, secret)
	}

	dsn, err := t.dial(cfg, secret)
	if err != nil {
		return domain.TestResult{}, apperr.Wrap(apperr.KindValidation, "build dial target", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result := t.probe(ctx, cfg.Dialect, dsn)
	result.Elapsed = time.Since(start)
	result.TestedAt = time.Now()
	return result, nil
}

func (t *Tester) probe(ctx context.Context, dialect domain.Dialect, dsn string) domain.TestResult {
	driver, ok := driverFor(dialect)
	if !ok {
		return domain.TestResult{Success: false, ErrorCode: domain.ErrUnsupported, ErrorMessage: "unsupported dialect: " + string(dialect)}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return classify(err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return classify(err)
	}

	info, versionErr := readServerInfo(ctx, db, dialect)
	if versionErr != nil {
		t.logger.Warn().Err(versionErr).Str("dialect", string(dialect)).Msg("probe succeeded but server info query failed")
	}

	return domain.TestResult{
		Success:        true,
		DialectVersion: info.Version,
		ServerInfo:     &info,
	}
}

func driverFor(dialect domain.Dialect) (string, bool) {
	switch dialect {
	case domain.DialectPostgres:
		return "pgx", true
	case domain.DialectMySQL:
		return "mysql", true
	case domain.DialectSQLite:
		return "sqlite3", true
	default:
		return "", false
	}
}

func readServerInfo(ctx context.Context, db *sql.DB, dialect domain.Dialect) (domain.ServerInfo, error) {
	var query string
	switch dialect {
	case domain.DialectPostgres:
		query = "SELECT version()"
	case domain.DialectMySQL:
		query = "SELECT VERSION()"
	case domain.DialectSQLite:
		query = "SELECT sqlite_version()"
	default:
		return domain.ServerInfo{}, errors.New("no version query for dialect")
	}

	var version string
	if err := db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return domain.ServerInfo{}, err
	}
	return domain.ServerInfo{Version: version}, nil
}

// classify maps a driver-level error into the closed TestErrorCode set.
func classify(err error) domain.TestResult {
	msg := err.Error()
	lower := strings.ToLower(msg)

	var code domain.TestErrorCode
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = domain.ErrTimeout
	case isNetRefused(err) || strings.Contains(lower, "connection refused"):
		code = domain.ErrConnectionRefused
	case isNoSuchHost(err) || strings.Contains(lower, "no such host"):
		code = domain.ErrHostNotFound
	case strings.Contains(lower, "password") || strings.Contains(lower, "authentication") || strings.Contains(lower, "access denied"):
		code = domain.ErrAuthFailed
	case strings.Contains(lower, "database") && strings.Contains(lower, "does not exist"):
		code = domain.ErrDatabaseMissing
	case strings.Contains(lower, "permission denied"):
		code = domain.ErrPermissionDenied
	case strings.Contains(lower, "tls") || strings.Contains(lower, "certificate"):
		code = domain.ErrTLSError
	default:
		code = domain.ErrUnknown
	}

	return domain.TestResult{Success: false, ErrorCode: code, ErrorMessage: msg}
}

func isNetRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && strings.Contains(opErr.Err.Error(), "refused")
}

func isNoSuchHost(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// testViaTunnel is a placeholder: no SSH client library is used anywhere
// in this codebase's dependency graph, so tunneled probes are rejected
// with a clear unsupported error until one is wired in.
func (t *Tester) testViaTunnel(ctx context.Context, cfg domain.ConnectionConfig, secret string) (domain.TestResult, error) {
	if !t.tunnelEnabled {
		return domain.TestResult{
			Success:      false,
			ErrorCode:    domain.ErrUnsupported,
			ErrorMessage: "ssh tunnel testing is not enabled",
			TestedAt:     time.Now(),
		}, nil
	}
	return domain.TestResult{}, apperr.New(apperr.KindValidation, "ssh tunnel testing is not implemented")
}

// Batch runs Test over a set of connections with bounded concurrency,
// returning one result per connection ID in input order.
func (t *Tester) Batch(ctx context.Context, cfgs []domain.ConnectionConfig, secrets map[uuid.UUID]string) []domain.BatchItemResult {
	results := make([]domain.BatchItemResult, len(cfgs))
	sem := make(chan struct{}, t.maxBatch)
	var wg sync.WaitGroup
	for i, cfg := range cfgs {
		wg.Add(1)
		go func(i int, cfg domain.ConnectionConfig) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = domain.BatchItemResult{
					ConnectionID: cfg.ID.String(),
					Result: domain.TestResult{
						Success:      false,
						ErrorCode:    domain.ErrTimeout,
						ErrorMessage: ctx.Err().Error(),
						TestedAt:     time.Now(),
					},
				}
				return
			}

			res, err := t.Test(ctx, cfg, secrets[cfg.ID])
			if err != nil {
				res = domain.TestResult{
					Success:      false,
					ErrorCode:    domain.ErrUnknown,
					ErrorMessage: err.Error(),
					TestedAt:     time.Now(),
				}
			}
			results[i] = domain.BatchItemResult{ConnectionID: cfg.ID.String(), Result: res}
		}(i, cfg)
	}
	wg.Wait()

	return results
}
