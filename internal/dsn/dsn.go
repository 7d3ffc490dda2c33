// Package dsn builds the driver connection string for a ConnectionConfig,
// shared by the Pool Manager and Connection Tester so both dial the exact
// same target for a given connection (spec.md §4.3/§4.4).
package dsn

import (
	"fmt"
	"net/url"

	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/domain"
)

// Build returns the dialect-appropriate DSN for cfg, using secret as the
// already-unsealed credential.
func Build(cfg domain.ConnectionConfig, secret string) (string, error) {
	switch cfg.Dialect {
	case domain.DialectPostgres:
		q := url.Values{}
		if cfg.TLSEnabled {
			q.Set("sslmode", "require")
		} else {
			q.Set("sslmode", "disable")
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.Username, secret),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     "/" + cfg.Database,
			RawQuery: q.Encode(),
		}
		return u.String(), nil
	case domain.DialectMySQL:
		tls := "false"
		if cfg.TLSEnabled {
			tls = "true"
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?tls=%s", cfg.Username, secret, cfg.Host, cfg.Port, cfg.Database, tls), nil
	case domain.DialectSQLite:
		return cfg.Database, nil
	default:
		return "", apperr.Unsupported("no DSN builder for dialect " + string(cfg.Dialect))
	}
}
