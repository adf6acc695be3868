// Package kpi resolves dataset columns against a domain's canonical
// vocabulary, decides which KPI definitions are computable, and ranks the
// feasible ones.
//
// Design constraints:
//   - Extraction is deterministic: columns are resolved in input order,
//     canonicals in library declaration order, and ranking ties break by a
//     fixed triple key (score, priority, completeness) with declaration
//     order as the final stable tie-break.
//   - Extraction never fails: an unknown domain yields empty results with
//     every column unresolved, not an error.
package kpi

import (
	"fmt"
	"sort"
	"strings"

	"datalens/internal/dataset"
	"datalens/internal/signature"
)

// FeasibleThreshold is the completeness a KPI needs to be computable.
const FeasibleThreshold = 0.80

// minPriority is the lowest KPI priority considered for extraction.
const minPriority = 3

// substringMinLen guards rule (iii): the shorter side of a containment
// match must be longer than this to avoid trivial substrings.
const substringMinLen = 3

// timeBonus is added to a feasible KPI's score when it uses a time
// dimension and the dataset has any date-like column.
const timeBonus = 0.1

// Mapping is the outcome of synonym resolution.
type Mapping struct {
	// Canonical maps canonical column name -> actual dataset column.
	Canonical map[string]string `json:"canonical"`
	// Unresolved lists dataset columns that matched no canonical name,
	// in input order.
	Unresolved []string `json:"unresolved,omitempty"`
}

// Evaluation is one KPI's feasibility verdict for a single extraction run.
// Immutable once ranked; re-running produces a new evaluation set.
type Evaluation struct {
	Definition   signature.KPI `json:"definition"`
	Completeness float64       `json:"completeness"` // 0.0 .. 1.0
	Available    []string      `json:"available,omitempty"`
	Missing      []string      `json:"missing,omitempty"`
	Mapped       []string      `json:"mapped,omitempty"` // actual dataset columns backing Available
	Feasible     bool          `json:"feasible"`
	Score        float64       `json:"score"`
	Rank         int           `json:"rank,omitempty"` // 1..n over feasible KPIs
	Reason       string        `json:"reason,omitempty"`
}

// Result is the full extraction outcome. All feasible KPIs are
// auto-selected; infeasible ones are still returned with a reason so the
// user can see what additional columns would unlock them.
type Result struct {
	Feasible   []Evaluation `json:"feasible"`
	Infeasible []Evaluation `json:"infeasible"`
	Mapping    Mapping      `json:"mapping"`
}

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Engine evaluates KPI feasibility against a signature library.
type Engine struct {
	Library *signature.Library
	Logger  Logger
}

func (e *Engine) logf(format string, v ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, v...)
	}
}

// Extract resolves synonyms for the domain, computes feasibility for every
// KPI of priority >= 3 in the domain's catalog, and ranks the feasible
// ones.
//
// Edge cases:
//   - Unknown domain: empty feasible/infeasible, all columns unresolved.
//   - Domain without synonyms: empty vocabulary, everything unresolved,
//     KPI completeness computed against an empty mapping.
func (e *Engine) Extract(columns []string, rows []dataset.Record, domain string) Result {
	d, ok := e.Library.Domain(domain)
	if !ok {
		e.logf("stage=kpi_extract domain=%s result=unknown_domain", domain)
		return Result{Mapping: Mapping{Canonical: map[string]string{}, Unresolved: append([]string(nil), columns...)}}
	}

	mapping := Resolve(columns, d)

	hasDate := hasDateLike(columns, mapping)

	var feasible, infeasible []Evaluation
	for _, def := range d.KPIs {
		if def.Priority < minPriority {
			continue
		}
		ev := evaluate(def, mapping, hasDate)
		if ev.Feasible {
			feasible = append(feasible, ev)
		} else {
			infeasible = append(infeasible, ev)
		}
	}

	rank(feasible)

	e.logf("stage=kpi_extract domain=%s feasible=%d infeasible=%d unresolved=%d",
		d.Name, len(feasible), len(infeasible), len(mapping.Unresolved))

	return Result{Feasible: feasible, Infeasible: infeasible, Mapping: mapping}
}

// Resolve maps dataset columns onto the domain's canonical vocabulary.
//
// For each dataset column, in input order, the first matching rule wins:
//  1. exact normalized match against a canonical name
//  2. exact normalized match against any alias
//  3. substring containment between column and alias (either direction)
//     where the shorter string is longer than three characters
//  4. domain fallback heuristics: an unclaimed date/time column maps to
//     the domain's date canonical; a column containing both "id" and
//     "order" maps to order_id when the vocabulary has it
//
// A canonical is claimed at most once; the first column to match keeps it.
func Resolve(columns []string, d signature.Domain) Mapping {
	m := Mapping{Canonical: make(map[string]string, len(d.Synonyms))}

	claimed := func(canonical string) bool {
		_, ok := m.Canonical[canonical]
		return ok
	}

	for _, col := range columns {
		nc := dataset.Normalize(col)
		if nc == "" {
			continue
		}

		canonical := ""

		// (i) exact canonical
		for _, syn := range d.Synonyms {
			if claimed(syn.Canonical) {
				continue
			}
			if nc == dataset.Normalize(syn.Canonical) {
				canonical = syn.Canonical
				break
			}
		}

		// (ii) exact alias
		if canonical == "" {
			for _, syn := range d.Synonyms {
				if claimed(syn.Canonical) {
					continue
				}
				for _, alias := range syn.Aliases {
					if nc == dataset.Normalize(alias) {
						canonical = syn.Canonical
						break
					}
				}
				if canonical != "" {
					break
				}
			}
		}

		// (iii) substring containment, guarded against trivial fragments
		if canonical == "" {
			for _, syn := range d.Synonyms {
				if claimed(syn.Canonical) {
					continue
				}
				if containsLoose(nc, dataset.Normalize(syn.Canonical)) {
					canonical = syn.Canonical
					break
				}
				for _, alias := range syn.Aliases {
					if containsLoose(nc, dataset.Normalize(alias)) {
						canonical = syn.Canonical
						break
					}
				}
				if canonical != "" {
					break
				}
			}
		}

		// (iv) domain fallback heuristics
		if canonical == "" {
			canonical = fallbackCanonical(nc, d, claimed)
		}

		if canonical != "" {
			m.Canonical[canonical] = col
		} else {
			m.Unresolved = append(m.Unresolved, col)
		}
	}

	return m
}

// containsLoose reports containment in either direction when the shorter
// side is long enough to be meaningful.
func containsLoose(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	shorter := a
	if len(b) < len(a) {
		shorter = b
	}
	if len(shorter) <= substringMinLen {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func fallbackCanonical(normCol string, d signature.Domain, claimed func(string) bool) string {
	if d.DateCanonical != "" && !claimed(d.DateCanonical) &&
		(strings.Contains(normCol, "date") || strings.Contains(normCol, "time")) {
		return d.DateCanonical
	}

	if strings.Contains(normCol, "id") && strings.Contains(normCol, "order") &&
		vocabularyHas(d, "order_id") && !claimed("order_id") {
		return "order_id"
	}

	return ""
}

func vocabularyHas(d signature.Domain, canonical string) bool {
	for _, syn := range d.Synonyms {
		if syn.Canonical == canonical {
			return true
		}
	}
	return false
}

func evaluate(def signature.KPI, m Mapping, hasDate bool) Evaluation {
	ev := Evaluation{Definition: def}

	for _, req := range def.RequiredColumns {
		if actual, ok := m.Canonical[req]; ok {
			ev.Available = append(ev.Available, req)
			ev.Mapped = append(ev.Mapped, actual)
		} else {
			ev.Missing = append(ev.Missing, req)
		}
	}

	if len(def.RequiredColumns) > 0 {
		ev.Completeness = float64(len(ev.Available)) / float64(len(def.RequiredColumns))
	}
	ev.Feasible = ev.Completeness >= FeasibleThreshold

	if ev.Feasible {
		ev.Score = float64(def.Priority) * (1 + ev.Completeness)
		if def.UsesTime && hasDate {
			ev.Score += timeBonus
		}
	} else {
		ev.Reason = fmt.Sprintf("Missing data: %s", strings.Join(ev.Missing, ", "))
	}

	return ev
}

// rank sorts feasible evaluations by score desc, then priority desc, then
// completeness desc, declaration order last, and assigns Rank 1..n.
func rank(feasible []Evaluation) {
	sort.SliceStable(feasible, func(i, j int) bool {
		a, b := feasible[i], feasible[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Definition.Priority != b.Definition.Priority {
			return a.Definition.Priority > b.Definition.Priority
		}
		return a.Completeness > b.Completeness
	})
	for i := range feasible {
		feasible[i].Rank = i + 1
	}
}

// hasDateLike reports whether any dataset column or canonical mapping
// mentions a date/time dimension.
func hasDateLike(columns []string, m Mapping) bool {
	for _, c := range columns {
		if dateLike(dataset.Normalize(c)) {
			return true
		}
	}
	for canonical := range m.Canonical {
		if dateLike(dataset.Normalize(canonical)) {
			return true
		}
	}
	return false
}

func dateLike(s string) bool {
	return strings.Contains(s, "date") || strings.Contains(s, "time") || strings.Contains(s, "timestamp")
}
