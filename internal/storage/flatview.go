package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"datalens/internal/dataset"
	"datalens/internal/materialize"
)

// FlatTableName derives the per-run flat-view table name. Run ids are
// UUIDs; hyphens are stripped so the name stays a plain identifier.
func FlatTableName(runID string) string {
	return "flat_" + strings.ReplaceAll(dataset.Normalize(runID), "_", "")
}

// FlatColumns maps the relation's ragged column set to unique, normalized
// SQL identifiers, preserving order. Collisions after normalization get a
// numeric suffix so the DDL stays valid.
func FlatColumns(rel materialize.FlatRelation) (sqlNames []string, byOriginal map[string]string) {
	sqlNames = make([]string, 0, len(rel.Columns))
	byOriginal = make(map[string]string, len(rel.Columns))
	used := make(map[string]struct{}, len(rel.Columns))

	for _, c := range rel.Columns {
		n := dataset.Normalize(c)
		if n == "" {
			n = "col"
		}
		candidate := n
		for i := 2; ; i++ {
			if _, dup := used[candidate]; !dup {
				break
			}
			candidate = fmt.Sprintf("%s_%d", n, i)
		}
		used[candidate] = struct{}{}
		sqlNames = append(sqlNames, candidate)
		byOriginal[c] = candidate
	}
	return sqlNames, byOriginal
}

// FlatValue stringifies a scalar for TEXT storage; null scalars persist
// as SQL NULL.
func FlatValue(v any) any {
	if dataset.IsNull(v) {
		return nil
	}
	return dataset.Key(v)
}

// EncodeJSON serializes structured columns (score breakdowns, missing
// column lists) as JSON text with stable field order.
func EncodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
