package discovery

import (
	"context"

	"github.com/pgai-platform/gateway/internal/domain"
)

// postgresCatalog implements catalog against information_schema and
// pg_catalog. Query texts are fixed per spec.md §4.8; includeSystem skips
// the schema exclusion filter rather than branching query shape.
type postgresCatalog struct{}

const pgSystemFilter = `schemaname NOT IN ('information_schema', 'pg_catalog') AND schemaname NOT LIKE 'pg\_%'`
const pgSystemFilterISC = `table_schema NOT IN ('information_schema', 'pg_catalog') AND table_schema NOT LIKE 'pg\_%'`

func (postgresCatalog) listTables(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT table_schema, table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE'`
	if !includeSystem {
		query += ` AND ` + pgSystemFilterISC
	}
	query += ` ORDER BY table_schema, table_name`
	return scanObjects(ctx, q, query, domain.KindTable)
}

func (postgresCatalog) listViews(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT table_schema, table_name FROM information_schema.views WHERE 1=1`
	if !includeSystem {
		query += ` AND ` + pgSystemFilterISC
	}
	query += ` ORDER BY table_schema, table_name`
	return scanObjects(ctx, q, query, domain.KindView)
}

func (postgresCatalog) listFunctions(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT routine_schema, routine_name FROM information_schema.routines WHERE routine_type = 'FUNCTION'`
	if !includeSystem {
		query += ` AND routine_schema NOT IN ('information_schema', 'pg_catalog') AND routine_schema NOT LIKE 'pg\_%'`
	}
	query += ` ORDER BY routine_schema, routine_name`
	return scanObjects(ctx, q, query, domain.KindFunction)
}

func (postgresCatalog) listTypes(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `
SELECT n.nspname, t.typname
FROM pg_type t
JOIN pg_namespace n ON n.oid = t.typnamespace
WHERE t.typtype IN ('e', 'c')`
	if !includeSystem {
		query += ` AND n.nspname NOT IN ('information_schema', 'pg_catalog') AND n.nspname NOT LIKE 'pg\_%'`
	}
	query += ` ORDER BY n.nspname, t.typname`
	return scanObjects(ctx, q, query, domain.KindType)
}

func (postgresCatalog) listRelationships(ctx context.Context, q querier) ([]domain.Relationship, error) {
	query := `
SELECT
    tc.table_schema, tc.table_name, kcu.column_name,
    ccu.table_schema, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
    ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
    ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
ORDER BY tc.table_schema, tc.table_name, kcu.column_name`

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

func (postgresCatalog) listColumns(ctx context.Context, q querier, schema, name string) ([]domain.Column, error) {
	query := `
SELECT column_name, data_type, is_nullable, COALESCE(column_default, ''), ordinal_position,
       character_maximum_length, numeric_precision, numeric_scale
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

	rows, err := q.Query(ctx, query, schema, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pk, _ := primaryKeyColumns(ctx, q, schema, name)
	pkSet := make(map[string]bool, len(pk))
	for _, c := range pk {
		pkSet[c] = true
	}

	var out []domain.Column
	for rows.Next() {
		var (
			col             domain.Column
			nullable        string
			maxLen, prec, scale *int
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default, &col.Ordinal, &maxLen, &prec, &scale); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		col.MaxLength = maxLen
		col.Precision = prec
		col.Scale = scale
		col.Primary = pkSet[col.Name]
		out = append(out, col)
	}
	return out, rows.Err()
}

func primaryKeyColumns(ctx context.Context, q querier, schema, name string) ([]string, error) {
	query := `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
    ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2`
	rows, err := q.Query(ctx, query, schema, name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (postgresCatalog) listConstraints(ctx context.Context, q querier, schema, name string) ([]string, error) {
	query := `
SELECT constraint_type || ':' || constraint_name
FROM information_schema.table_constraints
WHERE table_schema = $1 AND table_name = $2`
	rows, err := q.Query(ctx, query, schema, name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (postgresCatalog) listIndexes(ctx context.Context, q querier, schema, name string) ([]string, error) {
	query := `SELECT indexname FROM pg_indexes WHERE schemaname = $1 AND tablename = $2`
	rows, err := q.Query(ctx, query, schema, name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func scanObjects(ctx context.Context, q querier, query string, kind domain.ObjectKind) ([]domain.SchemaObject, error) {
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SchemaObject
	for rows.Next() {
		var obj domain.SchemaObject
		if err := rows.Scan(&obj.Schema, &obj.Name); err != nil {
			return nil, err
		}
		obj.Kind = kind
		out = append(out, obj)
	}
	return out, rows.Err()
}
