package schemaapi

import (
	"strings"

	"github.com/pgai-platform/gateway/internal/domain"
)

// searchObjects scans a DatabaseSchema for objects and columns whose name
// contains query, case-insensitively.
func searchObjects(schema domain.DatabaseSchema, query string) []searchMatch {
	needle := strings.ToLower(query)
	var matches []searchMatch

	for _, obj := range schema.Objects {
		if strings.Contains(strings.ToLower(obj.Name), needle) {
			matches = append(matches, searchMatch{Kind: obj.Kind, Schema: obj.Schema, Name: obj.Name})
		}
		for _, col := range obj.Columns {
			if strings.Contains(strings.ToLower(col.Name), needle) {
				matches = append(matches, searchMatch{Kind: obj.Kind, Schema: obj.Schema, Name: obj.Name, Column: col.Name})
			}
		}
	}
	return matches
}
