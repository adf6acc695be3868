// Package classify scores a dataset's column set against every domain
// signature in the library and picks the most likely business domain.
//
// Design constraints:
//   - Scoring is deterministic: equal totals resolve by signature
//     declaration order, never by map iteration.
//   - The result is explainable: every score carries a per-component
//     breakdown that downstream surfaces can show to the user.
//   - Classification never fails: an empty column set yields confidence 0
//     and the MANUAL tier, not an error.
package classify

import (
	"sort"
	"strings"

	"datalens/internal/dataset"
	"datalens/internal/signature"
)

// Tier is the decision tier derived from normalized confidence.
type Tier int

const (
	// TierAuto (confidence >= 85): accept the top domain without asking.
	TierAuto Tier = iota
	// TierShowAlternatives (65 <= confidence < 85): accept but surface the
	// runner-up domains for confirmation.
	TierShowAlternatives
	// TierManual (confidence < 65): require a human pick.
	TierManual
)

// String returns the wire spelling of the tier.
func (t Tier) String() string {
	switch t {
	case TierAuto:
		return "AUTO"
	case TierShowAlternatives:
		return "SHOW_ALTERNATIVES"
	case TierManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// Provenance records how a detection came to be.
type Provenance string

const (
	// ProvenanceDetected marks a detection produced by the classifier.
	ProvenanceDetected Provenance = "detected"
	// ProvenanceUserSelected marks a detection overridden by a user pick.
	ProvenanceUserSelected Provenance = "user_selected"
)

// Breakdown explains where a domain's points came from.
type Breakdown struct {
	Primary   int `json:"primary"`
	Secondary int `json:"secondary"`
	Keywords  int `json:"keywords"`
	DataBonus int `json:"data_bonus"`
}

// Score is one domain's result for a single classification call.
type Score struct {
	Domain           string    `json:"domain"`
	Total            int       `json:"total"`
	PrimaryMatched   []string  `json:"primary_matched,omitempty"`
	SecondaryMatched []string  `json:"secondary_matched,omitempty"`
	KeywordsMatched  []string  `json:"keywords_matched,omitempty"`
	Breakdown        Breakdown `json:"breakdown"`
}

// Detection is the classification outcome for one dataset.
type Detection struct {
	Domain       string     `json:"domain"`
	Confidence   float64    `json:"confidence"` // 0..100
	Tier         Tier       `json:"-"`
	Provenance   Provenance `json:"provenance"`
	Top          Score      `json:"top"`
	Alternatives []Score    `json:"alternatives,omitempty"` // next 3 by score
}

// maxSampleRows bounds how many rows the data-pattern bonus inspects.
const maxSampleRows = 10

// maxDataBonus caps the additive bonus contribution.
const maxDataBonus = 25

// Classifier scores column sets against a signature library.
//
// The zero value is unusable; Library is required. Logger may be nil.
type Classifier struct {
	Library *signature.Library
	Logger  Logger
}

// Logger is the minimal logging interface used by the classifier.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

func (c *Classifier) logf(format string, v ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

// Classify scores columns (optionally aggregated across several files)
// against every domain signature and returns the ranked outcome.
//
// Edge cases:
//   - Empty columns: confidence 0, TierManual, no alternatives, no error.
//   - sampleRows may be nil; only the data-pattern bonus reads it, and only
//     the first 10 rows.
func (c *Classifier) Classify(columns []string, sampleRows []dataset.Record) Detection {
	normCols := normalizeAll(columns)
	if len(normCols) == 0 {
		c.logf("stage=classify result=manual reason=no_columns")
		return Detection{Tier: TierManual, Provenance: ProvenanceDetected}
	}

	sample := sampleRows
	if len(sample) > maxSampleRows {
		sample = sample[:maxSampleRows]
	}

	scores := make([]Score, 0, len(c.Library.Domains))
	for _, d := range c.Library.Domains {
		scores = append(scores, scoreDomain(d, normCols, sample))
	}

	// Stable sort preserves declaration order for exact ties.
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Total > scores[j].Total })

	top := scores[0]
	topDomain, _ := c.Library.Domain(top.Domain)
	confidence := 0.0
	if max := topDomain.MaxScore(); max > 0 {
		confidence = float64(top.Total) / float64(max) * 100
		if confidence > 100 {
			confidence = 100
		}
	}

	det := Detection{
		Domain:       top.Domain,
		Confidence:   confidence,
		Tier:         tierFor(confidence),
		Provenance:   ProvenanceDetected,
		Top:          top,
		Alternatives: alternatives(scores),
	}

	c.logf("stage=classify domain=%s confidence=%.1f tier=%s total=%d",
		det.Domain, det.Confidence, det.Tier, top.Total)
	return det
}

// Override returns the detection a user pick produces: confidence forced to
// 100, tier forced to AUTO, provenance user_selected. The original
// detection is not mutated.
func Override(domain string) Detection {
	return Detection{
		Domain:     domain,
		Confidence: 100,
		Tier:       TierAuto,
		Provenance: ProvenanceUserSelected,
		Top:        Score{Domain: domain},
	}
}

func tierFor(confidence float64) Tier {
	switch {
	case confidence >= 85:
		return TierAuto
	case confidence >= 65:
		return TierShowAlternatives
	default:
		return TierManual
	}
}

func alternatives(sorted []Score) []Score {
	if len(sorted) <= 1 {
		return nil
	}
	rest := sorted[1:]
	if len(rest) > 3 {
		rest = rest[:3]
	}
	out := make([]Score, len(rest))
	copy(out, rest)
	return out
}

// normalizeAll normalizes column names preserving input order and dropping
// duplicates and empties.
func normalizeAll(columns []string) []string {
	seen := make(map[string]struct{}, len(columns))
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		n := dataset.Normalize(c)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func scoreDomain(d signature.Domain, normCols []string, sample []dataset.Record) Score {
	s := Score{Domain: d.Name}

	for _, p := range d.PrimaryColumns {
		if col, ok := firstContaining(normCols, dataset.Normalize(p)); ok {
			s.PrimaryMatched = append(s.PrimaryMatched, col)
		}
	}
	s.Breakdown.Primary = 30 * len(s.PrimaryMatched)

	for _, sec := range d.SecondaryColumns {
		if col, ok := firstContaining(normCols, dataset.Normalize(sec)); ok {
			s.SecondaryMatched = append(s.SecondaryMatched, col)
		}
	}
	s.Breakdown.Secondary = 15 * len(s.SecondaryMatched)

	// Each keyword counts at most once, even when it is listed under more
	// than one category; the first matching column wins.
	seenKw := make(map[string]struct{})
	for _, cat := range d.Keywords {
		for _, kw := range cat.Keywords {
			nkw := dataset.Normalize(kw)
			if _, dup := seenKw[nkw]; dup {
				continue
			}
			if _, ok := firstContaining(normCols, nkw); ok {
				seenKw[nkw] = struct{}{}
				s.KeywordsMatched = append(s.KeywordsMatched, kw)
			}
		}
	}
	s.Breakdown.Keywords = 10 * len(s.KeywordsMatched)

	s.Breakdown.DataBonus = dataBonus(d, normCols, sample)

	s.Total = s.Breakdown.Primary + s.Breakdown.Secondary + s.Breakdown.Keywords + s.Breakdown.DataBonus
	return s
}

// firstContaining returns the first column whose normalized name contains
// needle (substring containment, already normalized on both sides).
func firstContaining(normCols []string, needle string) (string, bool) {
	if needle == "" {
		return "", false
	}
	for _, c := range normCols {
		if strings.Contains(c, needle) {
			return c, true
		}
	}
	return "", false
}

// dataBonus evaluates the domain's data-pattern rules over the sample.
// Rules are additive and order-independent; the sum is capped.
func dataBonus(d signature.Domain, normCols []string, sample []dataset.Record) int {
	if len(sample) == 0 || len(d.BonusRules) == 0 {
		return 0
	}

	total := 0
	for _, rule := range d.BonusRules {
		hit := false
		switch rule.Kind {
		case signature.BonusValueContains:
			hit = anyValueContains(sample, rule.Columns, rule.Values)
		case signature.BonusPositiveNumber:
			hit = anyPositiveNumber(sample, rule.Columns)
		case signature.BonusNonNullPair:
			hit = anyNonNullPair(sample, rule.Columns)
		}
		if hit {
			total += rule.Points
		}
	}
	if total > maxDataBonus {
		total = maxDataBonus
	}
	return total
}

// matchingKeys returns the row keys whose normalized name contains any of
// the rule's column fragments.
func matchingKeys(r dataset.Record, fragments []string) []string {
	var out []string
	for k := range r {
		nk := dataset.Normalize(k)
		for _, f := range fragments {
			if strings.Contains(nk, dataset.Normalize(f)) {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

func anyValueContains(sample []dataset.Record, columns, values []string) bool {
	for _, r := range sample {
		for _, k := range matchingKeys(r, columns) {
			v := r[k]
			if dataset.IsNull(v) {
				continue
			}
			lv := strings.ToLower(dataset.Key(v))
			for _, want := range values {
				if strings.Contains(lv, strings.ToLower(want)) {
					return true
				}
			}
		}
	}
	return false
}

func anyPositiveNumber(sample []dataset.Record, columns []string) bool {
	for _, r := range sample {
		for _, k := range matchingKeys(r, columns) {
			if f, ok := dataset.Number(r[k]); ok && f > 0 {
				return true
			}
		}
	}
	return false
}

// anyNonNullPair reports whether some row holds non-null values for every
// column fragment at once (e.g. an order id and a customer id together).
func anyNonNullPair(sample []dataset.Record, columns []string) bool {
	if len(columns) == 0 {
		return false
	}
	for _, r := range sample {
		all := true
		for _, f := range columns {
			found := false
			for k, v := range r {
				if strings.Contains(dataset.Normalize(k), dataset.Normalize(f)) && !dataset.IsNull(v) {
					found = true
					break
				}
			}
			if !found {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
