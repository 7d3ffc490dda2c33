package changedetect

import (
	"fmt"
	"time"

	"github.com/pgai-platform/gateway/internal/domain"
)

// diffSchemas compares the previous and current DatabaseSchema and
// produces one SchemaChange per added, removed, or modified object
// (spec.md §4.10 step 4). idSeq generates the id for each emitted change.
func diffSchemas(connectionID string, previous, current domain.DatabaseSchema, idSeq func() string) []domain.SchemaChange {
	oldByKey := indexObjects(previous.Objects)
	newByKey := indexObjects(current.Objects)
	now := time.Now()

	var changes []domain.SchemaChange

	for key, oldObj := range oldByKey {
		if _, ok := newByKey[key]; !ok {
			obj := oldObj
			changes = append(changes, domain.SchemaChange{
				ID:           idSeq(),
				ConnectionID: connectionID,
				Kind:         domain.ChangeRemoval,
				TargetKind:   obj.Kind,
				Identifier:   obj.Identifier(),
				Old:          &obj,
				Impact:       domain.ImpactBreaking,
				DetectedAt:   now,
			})
		}
	}

	for key, newObj := range newByKey {
		oldObj, existed := oldByKey[key]
		if !existed {
			obj := newObj
			changes = append(changes, domain.SchemaChange{
				ID:           idSeq(),
				ConnectionID: connectionID,
				Kind:         domain.ChangeAddition,
				TargetKind:   obj.Kind,
				Identifier:   obj.Identifier(),
				New:          &obj,
				Impact:       domain.ImpactPotentiallyBreaking,
				DetectedAt:   now,
			})
			continue
		}

		if diff := objectDiff(oldObj, newObj); len(diff) > 0 {
			o, n := oldObj, newObj
			changes = append(changes, domain.SchemaChange{
				ID:           idSeq(),
				ConnectionID: connectionID,
				Kind:         domain.ChangeModification,
				TargetKind:   n.Kind,
				Identifier:   n.Identifier(),
				Old:          &o,
				New:          &n,
				Diff:         diff,
				Impact:       domain.ImpactPotentiallyBreaking,
				DetectedAt:   now,
			})
		}
	}

	return changes
}

func indexObjects(objects []domain.SchemaObject) map[string]domain.SchemaObject {
	out := make(map[string]domain.SchemaObject, len(objects))
	for _, obj := range objects {
		out[string(obj.Kind)+":"+obj.Identifier()] = obj
	}
	return out
}

// objectDiff returns a human-readable list of structural differences
// between two versions of the same object: column add/remove/retype,
// nullability change, default change, and constraint/index set changes
// (spec.md §4.10 step 4).
func objectDiff(old, new domain.SchemaObject) []string {
	var diff []string

	oldCols := indexColumns(old.Columns)
	newCols := indexColumns(new.Columns)

	for name, oldCol := range oldCols {
		newCol, ok := newCols[name]
		if !ok {
			diff = append(diff, fmt.Sprintf("column %s removed", name))
			continue
		}
		if oldCol.Type != newCol.Type {
			diff = append(diff, fmt.Sprintf("column %s type changed: %s -> %s", name, oldCol.Type, newCol.Type))
		}
		if oldCol.Nullable != newCol.Nullable {
			diff = append(diff, fmt.Sprintf("column %s nullability changed: %t -> %t", name, oldCol.Nullable, newCol.Nullable))
		}
		if oldCol.Default != newCol.Default {
			diff = append(diff, fmt.Sprintf("column %s default changed: %q -> %q", name, oldCol.Default, newCol.Default))
		}
	}
	for name := range newCols {
		if _, ok := oldCols[name]; !ok {
			diff = append(diff, fmt.Sprintf("column %s added", name))
		}
	}

	if !stringSetEqual(old.Constraints, new.Constraints) {
		diff = append(diff, "constraints changed")
	}
	if !stringSetEqual(old.Indexes, new.Indexes) {
		diff = append(diff, "indexes changed")
	}

	return diff
}

func indexColumns(columns []domain.Column) map[string]domain.Column {
	out := make(map[string]domain.Column, len(columns))
	for _, c := range columns {
		out[c.Name] = c
	}
	return out
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, count := range seen {
		if count != 0 {
			return false
		}
	}
	return true
}
