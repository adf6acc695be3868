// Package dataset defines the in-memory tabular model shared by every
// pipeline stage.
//
// The dataset package is responsible for:
//   - The Table/Record types consumed by classification, relationship
//     detection, view materialization, and KPI extraction
//   - Column-name normalization (case folding, diacritic stripping,
//     identifier-safe characters)
//   - Stable stringification of scalar values for set membership and joins
//
// Design constraints:
//   - Records are sparse: a row may carry any subset of its table's columns,
//     and a missing key is treated as null.
//   - All helpers are pure and deterministic; the package performs no I/O.
package dataset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Record is one sparse row: column name -> scalar value.
//
// Values are strings, numbers, booleans, or nil. A key that is absent is
// equivalent to a nil value.
type Record map[string]any

// Table is one uploaded dataset: a name, an ordered column list, and rows.
//
// Edge cases:
//   - Rows may be empty; downstream stages must treat an empty table as
//     "contributes nothing" rather than failing.
//   - Columns is the declared order; rows may omit any column.
type Table struct {
	Name    string
	Columns []string
	Rows    []Record
}

// ColumnSet returns the table's columns as a membership set.
func (t Table) ColumnSet() map[string]struct{} {
	out := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		out[c] = struct{}{}
	}
	return out
}

// stripMarks removes combining marks after NFD decomposition, so that
// "Catégorie" and "Categorie" normalize to the same identifier.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize converts an arbitrary column name into a safe, lowercase
// identifier used for all matching: classification, synonym resolution,
// and cross-table column comparison.
//
// Rules:
//   - diacritics stripped (NFD + mark removal)
//   - lowercased
//   - whitespace and common separators collapse to a single underscore
//   - anything outside [a-z0-9_] is dropped
//   - leading/trailing underscores trimmed
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}

		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = (r == '_')
			continue
		}
	}

	return strings.Trim(b.String(), "_")
}

// IsNull reports whether a scalar counts as null for key and join purposes.
// nil and blank strings are null; everything else is a value.
func IsNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

// Key produces a stable string form of a scalar used for in-memory value
// sets and join lookups.
//
// Hot-path rules:
//   - Avoid fmt.Sprint for common primitive types.
//   - Strings are trimmed so "42 " and "42" join.
//   - Null values (see IsNull) map to "".
func Key(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Number reports a scalar as float64 when it is numeric (or a numeric
// string), for data-pattern bonus rules.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// UnionColumns returns the union of every row's keys across rows, ordered
// deterministically: declared column order first, then unseen keys sorted.
func UnionColumns(declared []string, rows []Record) []string {
	seen := make(map[string]struct{}, len(declared))
	out := make([]string, 0, len(declared))
	for _, c := range declared {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}

	var extra []string
	for _, r := range rows {
		for k := range r {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
