package discovery

import (
	"context"

	"github.com/pgai-platform/gateway/internal/domain"
)

// mysqlCatalog implements catalog against MySQL's information_schema.
// MySQL has no user-defined composite/enum type catalog comparable to
// Postgres's pg_type, so listTypes always returns empty.
type mysqlCatalog struct{}

func (mysqlCatalog) listTables(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT table_schema, table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE'`
	if !includeSystem {
		query += ` AND table_schema NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')`
	}
	query += ` ORDER BY table_schema, table_name`
	return scanObjects(ctx, q, query, domain.KindTable)
}

func (mysqlCatalog) listViews(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT table_schema, table_name FROM information_schema.views WHERE 1=1`
	if !includeSystem {
		query += ` AND table_schema NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')`
	}
	query += ` ORDER BY table_schema, table_name`
	return scanObjects(ctx, q, query, domain.KindView)
}

func (mysqlCatalog) listFunctions(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT routine_schema, routine_name FROM information_schema.routines WHERE routine_type = 'FUNCTION'`
	if !includeSystem {
		query += ` AND routine_schema NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')`
	}
	query += ` ORDER BY routine_schema, routine_name`
	return scanObjects(ctx, q, query, domain.KindFunction)
}

func (mysqlCatalog) listTypes(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	return nil, nil
}

func (mysqlCatalog) listRelationships(ctx context.Context, q querier) ([]domain.Relationship, error) {
	query := `
SELECT
    kcu.table_schema, kcu.table_name, kcu.column_name,
    kcu.referenced_table_schema, kcu.referenced_table_name, kcu.referenced_column_name
FROM information_schema.key_column_usage kcu
WHERE kcu.referenced_table_name IS NOT NULL
ORDER BY kcu.table_schema, kcu.table_name, kcu.column_name`

	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		var r domain.Relationship
		if err := rows.Scan(&r.FromSchema, &r.FromTable, &r.FromColumn, &r.ToSchema, &r.ToTable, &r.ToColumn); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (mysqlCatalog) listColumns(ctx context.Context, q querier, schema, name string) ([]domain.Column, error) {
	query := `
SELECT column_name, data_type, is_nullable, COALESCE(column_default, ''), ordinal_position,
       character_maximum_length, numeric_precision, numeric_scale,
       column_key = 'PRI', column_key = 'UNI'
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`

	rows, err := q.Query(ctx, query, schema, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Column
	for rows.Next() {
		var (
			col                 domain.Column
			nullable            string
			maxLen, prec, scale *int
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default, &col.Ordinal, &maxLen, &prec, &scale, &col.Primary, &col.Unique); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		col.MaxLength = maxLen
		col.Precision = prec
		col.Scale = scale
		out = append(out, col)
	}
	return out, rows.Err()
}

func (mysqlCatalog) listConstraints(ctx context.Context, q querier, schema, name string) ([]string, error) {
	query := `
SELECT CONCAT(constraint_type, ':', constraint_name)
FROM information_schema.table_constraints
WHERE table_schema = ? AND table_name = ?`
	rows, err := q.Query(ctx, query, schema, name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (mysqlCatalog) listIndexes(ctx context.Context, q querier, schema, name string) ([]string, error) {
	query := `
SELECT DISTINCT index_name
FROM information_schema.statistics
WHERE table_schema = ? AND table_name = ?`
	rows, err := q.Query(ctx, query, schema, name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}
