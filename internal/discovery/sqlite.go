package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgai-platform/gateway/internal/domain"
)

// sqliteCatalog implements catalog against sqlite_master and the PRAGMA
// introspection functions. SQLite has a single implicit schema ("main")
// and no function/type catalog, so those waves return empty.
//
// PRAGMA statements take the object name as a bare identifier rather than
// a bound parameter, so names are quoted and inlined instead of using
// placeholders.
type sqliteCatalog struct{}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteCatalog) listTables(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'table'`
	if !includeSystem {
		query += ` AND name NOT LIKE 'sqlite_%'`
	}
	query += ` ORDER BY name`
	return scanSingleSchemaObjects(ctx, q, query, domain.KindTable)
}

func (sqliteCatalog) listViews(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'view'`
	if !includeSystem {
		query += ` AND name NOT LIKE 'sqlite_%'`
	}
	query += ` ORDER BY name`
	return scanSingleSchemaObjects(ctx, q, query, domain.KindView)
}

func (sqliteCatalog) listFunctions(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	return nil, nil
}

func (sqliteCatalog) listTypes(ctx context.Context, q querier, includeSystem bool) ([]domain.SchemaObject, error) {
	return nil, nil
}

func (sqliteCatalog) listRelationships(ctx context.Context, q querier) ([]domain.Relationship, error) {
	tables, err := scanSingleSchemaObjects(ctx, q, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`, domain.KindTable)
	if err != nil {
		return nil, err
	}

	var out []domain.Relationship
	for _, t := range tables {
		query := fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, quoteIdent(t.Name))
		rows, err := q.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				id, seq                      int
				refTable, from, to, onUpdate string
				onDelete, match              string
			)
			if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, domain.Relationship{
				FromSchema: "main", FromTable: t.Name, FromColumn: from,
				ToSchema: "main", ToTable: refTable, ToColumn: to,
			})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (sqliteCatalog) listColumns(ctx context.Context, q querier, schema, name string) ([]domain.Column, error) {
	query := fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(name))
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Column
	for rows.Next() {
		var (
			cid        int
			colName    string
			colType    string
			notNull    int
			defaultVal interface{}
			pk         int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		col := domain.Column{
			Name:     colName,
			Type:     colType,
			Nullable: notNull == 0,
			Primary:  pk > 0,
			Ordinal:  cid + 1,
		}
		if defaultVal != nil {
			col.Default = fmt.Sprintf("%v", defaultVal)
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

func (sqliteCatalog) listConstraints(ctx context.Context, q querier, schema, name string) ([]string, error) {
	// SQLite exposes constraints only embedded in the table's original DDL;
	// there is no catalog view listing them by name, so none are reported.
	return nil, nil
}

func (sqliteCatalog) listIndexes(ctx context.Context, q querier, schema, name string) ([]string, error) {
	query := fmt.Sprintf(`PRAGMA index_list(%s)`, quoteIdent(name))
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			seq     int
			idxName string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &idxName, &unique, &origin, &partial); err != nil {
			return nil, err
		}
		out = append(out, idxName)
	}
	return out, rows.Err()
}

func scanSingleSchemaObjects(ctx context.Context, q querier, query string, kind domain.ObjectKind) ([]domain.SchemaObject, error) {
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SchemaObject
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, domain.SchemaObject{Kind: kind, Schema: "main", Name: name})
	}
	return out, rows.Err()
}
