// Package relate infers how uploaded tables connect: primary-key
// candidates per table, foreign-key candidates across tables, and
// referential-integrity validation of those candidates.
//
// Detection is pure and deterministic: tables are examined in upload
// order, candidates in a fixed nested-loop order, and the output carries
// the observed match rate so the decision is explainable.
package relate

import (
	"strings"

	"datalens/internal/dataset"
)

// Candidate is a proposed, unvalidated foreign-key edge.
type Candidate struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// Relationship is a validated candidate.
//
// Invariant: Valid == (MatchRate > ValidThreshold). Only valid
// relationships are returned by Detect.
type Relationship struct {
	Candidate
	MatchRate float64 `json:"match_rate"` // 0.0 .. 1.0
	Valid     bool    `json:"valid"`
}

// ValidThreshold is the referential-integrity match rate a candidate must
// exceed to be considered a real relationship.
const ValidThreshold = 0.80

// Logger is the minimal logging interface used by the detector.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Detector finds validated relationships between tables. The zero value is
// usable; Logger may be nil.
type Detector struct {
	Logger Logger
}

func (d *Detector) logf(format string, v ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, v...)
	}
}

// Detect proposes and validates foreign-key relationships across tables.
//
// Edge cases:
//   - Fewer than two tables: returns an empty slice, no error.
//   - Empty tables contribute no primary keys and validate to match rate 0.
//   - A column may validate against several target tables; every valid edge
//     is returned. Deduplication applies only to exact
//     (fromTable, fromColumn, toTable, toColumn) tuples, which the
//     candidate loop cannot produce twice.
func (d *Detector) Detect(tables []dataset.Table) []Relationship {
	if len(tables) < 2 {
		return nil
	}

	out := make([]Relationship, 0, 4)
	for _, c := range candidates(tables) {
		rate := matchRate(tableByName(tables, c.FromTable), c.FromColumn, tableByName(tables, c.ToTable), c.ToColumn)
		valid := rate > ValidThreshold
		d.logf("stage=relate candidate=%s.%s->%s.%s match_rate=%.3f valid=%t",
			c.FromTable, c.FromColumn, c.ToTable, c.ToColumn, rate, valid)
		if valid {
			out = append(out, Relationship{Candidate: c, MatchRate: rate, Valid: true})
		}
	}
	return out
}

// PrimaryKeys returns each table's primary-key candidate columns: columns
// whose name contains "id", fully populated, with pairwise-distinct values.
// Tables with zero rows yield no candidates.
func PrimaryKeys(t dataset.Table) []string {
	if len(t.Rows) == 0 {
		return nil
	}

	var out []string
	for _, col := range t.Columns {
		if !isIDColumn(col) {
			continue
		}
		if uniqueNonNullCount(t.Rows, col) == len(t.Rows) {
			out = append(out, col)
		}
	}
	return out
}

// candidates emits every FK candidate: for each ordered pair of distinct
// tables, every id-named column in the source matched against an
// identically named column in the target. Both directions are tried.
func candidates(tables []dataset.Table) []Candidate {
	var out []Candidate
	for i, from := range tables {
		for j, to := range tables {
			if i == j {
				continue
			}
			toCols := normalizedColumnIndex(to)
			for _, ca := range from.Columns {
				if !isIDColumn(ca) {
					continue
				}
				if cb, ok := toCols[dataset.Normalize(ca)]; ok {
					out = append(out, Candidate{
						FromTable:  from.Name,
						FromColumn: ca,
						ToTable:    to.Name,
						ToColumn:   cb,
					})
				}
			}
		}
	}
	return out
}

// matchRate computes the fraction of the source column's non-null values
// present in the target column's non-null value set.
//
// Degenerate inputs (missing table, zero non-null source values) yield 0,
// which the caller treats as "candidate contributes nothing" rather than
// an error, so a bad table never aborts detection for other pairs.
func matchRate(from *dataset.Table, fromCol string, to *dataset.Table, toCol string) float64 {
	if from == nil || to == nil {
		return 0
	}

	target := make(map[string]struct{}, len(to.Rows))
	for _, r := range to.Rows {
		v := r[toCol]
		if dataset.IsNull(v) {
			continue
		}
		target[dataset.Key(v)] = struct{}{}
	}

	total := 0
	hits := 0
	for _, r := range from.Rows {
		v := r[fromCol]
		if dataset.IsNull(v) {
			continue
		}
		total++
		if _, ok := target[dataset.Key(v)]; ok {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func tableByName(tables []dataset.Table, name string) *dataset.Table {
	for i := range tables {
		if tables[i].Name == name {
			return &tables[i]
		}
	}
	return nil
}

func normalizedColumnIndex(t dataset.Table) map[string]string {
	out := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		n := dataset.Normalize(c)
		if _, exists := out[n]; !exists {
			out[n] = c
		}
	}
	return out
}

func isIDColumn(name string) bool {
	return strings.Contains(strings.ToLower(name), "id")
}

func uniqueNonNullCount(rows []dataset.Record, col string) int {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		v := r[col]
		if dataset.IsNull(v) {
			return -1 // a null disqualifies the column entirely
		}
		k := dataset.Key(v)
		if _, dup := seen[k]; dup {
			return -1 // duplicates disqualify
		}
		seen[k] = struct{}{}
	}
	return len(seen)
}
