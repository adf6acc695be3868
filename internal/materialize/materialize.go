// Package materialize flattens N related tables into one analyzable
// relation that KPI extraction and rendering consume.
//
// The join is intentionally simple: the first uploaded table anchors the
// view, and each valid relationship attaches at most one matching row from
// the related table per anchor row (first match wins). One-to-many
// fan-out is deliberately not expanded, so anchor-row counts — and the
// KPIs computed over them — are preserved.
package materialize

import (
	"errors"
	"sort"

	"datalens/internal/dataset"
	"datalens/internal/relate"
)

// ErrNoTables is returned when materialization is invoked without input.
var ErrNoTables = errors.New("no uploads found")

// ErrNoRows is returned when the join produces zero rows; an empty view
// would silently mislead downstream consumers, so this fails loud.
var ErrNoRows = errors.New("no joined rows produced")

// FlatRelation is the single flattened output relation. The schema may be
// ragged: Columns is the union of keys seen across all rows, and any row
// may omit any column. Storage assumes a TEXT-typed, nullable column model.
type FlatRelation struct {
	Columns []string
	Rows    []dataset.Record
}

// Materialize produces the flat relation for tables and their validated
// relationships.
//
// Semantics:
//   - Single table: passthrough. No prefixes; row count is preserved
//     exactly (never drops or duplicates rows).
//   - Multiple tables: the first table (upload order) is the anchor. Every
//     anchor field is copied under an "<anchorName>_" prefix. For each
//     valid relationship joining the anchor to another table, the first
//     row of the related table whose join column matches the anchor row's
//     value is merged under the related table's prefix. Anchor rows
//     without a match simply omit that relationship's columns.
//   - Relationships not touching the anchor are ignored (unreachable).
//
// Errors:
//   - ErrNoTables when tables is empty.
//   - ErrNoRows when the anchor contributes zero rows.
func Materialize(tables []dataset.Table, relationships []relate.Relationship) (FlatRelation, error) {
	if len(tables) == 0 {
		return FlatRelation{}, ErrNoTables
	}

	if len(tables) == 1 {
		return passthrough(tables[0])
	}

	anchor := tables[0]
	joins := compileJoins(anchor, tables, relationships)

	rows := make([]dataset.Record, 0, len(anchor.Rows))
	for _, ar := range anchor.Rows {
		out := make(dataset.Record, len(ar))
		for k, v := range ar {
			out[prefixed(anchor.Name, k)] = v
		}

		for _, j := range joins {
			v := ar[j.anchorColumn]
			if dataset.IsNull(v) {
				continue
			}
			match, ok := j.index[dataset.Key(v)]
			if !ok {
				continue
			}
			for k, mv := range match {
				out[prefixed(j.table, k)] = mv
			}
		}

		rows = append(rows, out)
	}

	if len(rows) == 0 {
		return FlatRelation{}, ErrNoRows
	}

	return FlatRelation{
		Columns: columnOrder(anchor, joins, rows),
		Rows:    rows,
	}, nil
}

func passthrough(t dataset.Table) (FlatRelation, error) {
	if len(t.Rows) == 0 {
		return FlatRelation{}, ErrNoRows
	}
	rows := make([]dataset.Record, len(t.Rows))
	for i, r := range t.Rows {
		out := make(dataset.Record, len(r))
		for k, v := range r {
			out[k] = v
		}
		rows[i] = out
	}
	return FlatRelation{
		Columns: dataset.UnionColumns(t.Columns, rows),
		Rows:    rows,
	}, nil
}

// join is one compiled anchor-side lookup: the related table's rows
// indexed by join-column value, first occurrence kept (first-match
// semantics).
type join struct {
	table        string
	anchorColumn string
	index        map[string]dataset.Record
	columns      []string
}

// compileJoins resolves which relationships attach to the anchor and
// builds a first-match index per related table, mirroring how the
// relationship was validated (non-null keys only).
func compileJoins(anchor dataset.Table, tables []dataset.Table, relationships []relate.Relationship) []join {
	var out []join
	for _, rel := range relationships {
		if !rel.Valid {
			continue
		}

		var anchorCol, relatedTable, relatedCol string
		switch {
		case rel.FromTable == anchor.Name:
			anchorCol, relatedTable, relatedCol = rel.FromColumn, rel.ToTable, rel.ToColumn
		case rel.ToTable == anchor.Name:
			anchorCol, relatedTable, relatedCol = rel.ToColumn, rel.FromTable, rel.FromColumn
		default:
			continue // unreachable from the anchor
		}

		related := findTable(tables, relatedTable)
		if related == nil {
			continue
		}

		idx := make(map[string]dataset.Record, len(related.Rows))
		for _, r := range related.Rows {
			v := r[relatedCol]
			if dataset.IsNull(v) {
				continue
			}
			k := dataset.Key(v)
			if _, exists := idx[k]; !exists {
				idx[k] = r
			}
		}

		out = append(out, join{
			table:        related.Name,
			anchorColumn: anchorCol,
			index:        idx,
			columns:      related.Columns,
		})
	}
	return out
}

// columnOrder yields a deterministic column list: anchor columns first,
// then each join's columns in relationship order, then any remaining keys
// sorted — all filtered to keys actually present in some row.
func columnOrder(anchor dataset.Table, joins []join, rows []dataset.Record) []string {
	present := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			present[k] = struct{}{}
		}
	}

	declared := make([]string, 0, len(anchor.Columns))
	for _, c := range anchor.Columns {
		declared = append(declared, prefixed(anchor.Name, c))
	}
	for _, j := range joins {
		for _, c := range j.columns {
			declared = append(declared, prefixed(j.table, c))
		}
	}

	seen := make(map[string]struct{}, len(declared))
	out := make([]string, 0, len(present))
	for _, c := range declared {
		if _, ok := present[c]; !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}

	// Sparse rows can carry keys the declared schema never mentioned.
	var extra []string
	for k := range present {
		if _, ok := seen[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		out = append(out, extra...)
	}
	return out
}

func prefixed(table, column string) string {
	return table + "_" + column
}

func findTable(tables []dataset.Table, name string) *dataset.Table {
	for i := range tables {
		if tables[i].Name == name {
			return &tables[i]
		}
	}
	return nil
}
