package discovery

import (
	"context"

	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/pool"
)

// querier is the narrow surface discovery needs from a borrowed
// connection; satisfied by *pool.Lease.
type querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (pool.Rows, error)
}

// catalog is the dialect-specific set of fixed, reviewed catalog queries
// spec.md §4.8 requires. Query texts filter system schemas themselves so
// callers never need dialect knowledge beyond dispatch.
type catalog interface {
	listTables(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error)
	listViews(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error)
	listFunctions(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error)
	listTypes(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error)
	listRelationships(ctx context.Context, q querier) ([]domain.Relationship, error)
	listColumns(ctx context.Context, q querier, schema, name string) ([]domain.Column, error)
	listConstraints(ctx context.Context, q querier, schema, name string) ([]string, error)
	listIndexes(ctx context.Context, q querier, schema, name string) ([]string, error)
}

func catalogFor(dialect domain.Dialect) (catalog, bool) {
	switch dialect {
	case domain.DialectPostgres:
		return postgresCatalog{}, true
	case domain.DialectMySQL:
		return mysqlCatalog{}, true
	case domain.DialectSQLite:
		return sqliteCatalog{}, true
	default:
		return nil, false
	}
}

// scanStrings drains rows into a []string using a single destination
// column; shared by the constraint/index helpers across dialects.
func scanStrings(rows pool.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
