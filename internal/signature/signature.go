// Package signature holds the static knowledge base the pipeline scores
// against: per-domain column signatures, KPI definitions, and synonym maps.
//
// The library is loaded once at process start from a human-editable YAML
// file and injected by reference into each pipeline invocation. It is
// immutable after construction and safe for unsynchronized concurrent
// reads. A built-in default library ships embedded in the binary; a missing
// or malformed external file falls back to it and never fails the caller.
package signature

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"datalens/internal/dataset"
)

// BonusKind is the closed set of data-pattern bonus rules a domain
// signature may declare. Rules are resolved by exhaustive matching, never
// by comparing raw strings at scoring time.
type BonusKind int

const (
	// BonusValueContains fires when any sampled value in a matching column
	// contains one of the rule's value fragments.
	BonusValueContains BonusKind = iota
	// BonusPositiveNumber fires when a matching column holds a positive
	// numeric value in the sample.
	BonusPositiveNumber
	// BonusNonNullPair fires when a sampled row has non-null values for all
	// of the rule's column fragments at once.
	BonusNonNullPair
)

var bonusKindNames = map[string]BonusKind{
	"value_contains":  BonusValueContains,
	"positive_number": BonusPositiveNumber,
	"non_null_pair":   BonusNonNullPair,
}

// String returns the YAML spelling of the kind.
func (k BonusKind) String() string {
	switch k {
	case BonusValueContains:
		return "value_contains"
	case BonusPositiveNumber:
		return "positive_number"
	case BonusNonNullPair:
		return "non_null_pair"
	default:
		return fmt.Sprintf("bonus_kind(%d)", int(k))
	}
}

// UnmarshalYAML parses the YAML spelling into the closed enum.
func (k *BonusKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	kind, ok := bonusKindNames[s]
	if !ok {
		return fmt.Errorf("signature: unknown bonus rule kind %q", s)
	}
	*k = kind
	return nil
}

// BonusRule is one data-pattern check worth a fixed number of points
// (10-15). Bonuses are additive and order-independent; the classifier caps
// their sum at 25.
type BonusRule struct {
	Kind    BonusKind `yaml:"kind"`
	Points  int       `yaml:"points"`
	Columns []string  `yaml:"columns,omitempty"`
	Values  []string  `yaml:"values,omitempty"`
}

// KeywordCategory is a named keyword set inside a domain signature.
type KeywordCategory struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Synonym maps a canonical column name to the dataset spellings that should
// resolve to it.
type Synonym struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases"`
}

// KPI is one key-performance-indicator definition.
type KPI struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Category        string   `yaml:"category"`
	Priority        int      `yaml:"priority"` // 1 (low) .. 5 (high)
	RequiredColumns []string `yaml:"required_columns"`
	UsesTime        bool     `yaml:"uses_time,omitempty"`
	Formula         string   `yaml:"formula,omitempty"`
}

// Domain is one domain's full scoring profile plus its KPI catalog and
// canonical vocabulary.
type Domain struct {
	Name             string            `yaml:"name"`
	PrimaryColumns   []string          `yaml:"primary_columns"`
	SecondaryColumns []string          `yaml:"secondary_columns"`
	Keywords         []KeywordCategory `yaml:"keywords"`
	BonusRules       []BonusRule       `yaml:"bonus_rules,omitempty"`
	Synonyms         []Synonym         `yaml:"synonyms,omitempty"`
	// DateCanonical is the canonical name an otherwise-unclaimed date/time
	// column falls back to during synonym resolution.
	DateCanonical string `yaml:"date_canonical,omitempty"`
	KPIs          []KPI  `yaml:"kpis,omitempty"`
}

// MaxScore is the highest achievable match score for this signature:
// every primary and secondary column matched and every keyword hit.
// Data-pattern bonuses are intentionally excluded so strong column matches
// alone can reach full confidence.
func (d Domain) MaxScore() int {
	kw := 0
	for _, cat := range d.Keywords {
		kw += len(cat.Keywords)
	}
	return 30*len(d.PrimaryColumns) + 15*len(d.SecondaryColumns) + 10*kw
}

// Library is the whole knowledge base. Domain order is declaration order
// and is the deterministic tie-break for equal classification scores.
type Library struct {
	Version int      `yaml:"version"`
	Domains []Domain `yaml:"domains"`
}

// Domain returns the named domain's entry, matching case-insensitively on
// the normalized name. ok is false when the library has no such domain.
func (l *Library) Domain(name string) (Domain, bool) {
	want := dataset.Normalize(name)
	for _, d := range l.Domains {
		if dataset.Normalize(d.Name) == want {
			return d, true
		}
	}
	return Domain{}, false
}

//go:embed defaults.yaml
var defaultsYAML []byte

// Default returns the embedded built-in library.
//
// Panics only if the embedded file is itself invalid, which is covered by
// tests and therefore a build defect rather than a runtime condition.
func Default() *Library {
	lib, err := Parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("signature: embedded defaults invalid: %v", err))
	}
	return lib
}

// Parse decodes a YAML library document and validates it minimally.
func Parse(b []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(b, &lib); err != nil {
		return nil, fmt.Errorf("signature: decode: %w", err)
	}
	if len(lib.Domains) == 0 {
		return nil, fmt.Errorf("signature: no domains defined")
	}
	seen := make(map[string]struct{}, len(lib.Domains))
	for _, d := range lib.Domains {
		n := dataset.Normalize(d.Name)
		if n == "" {
			return nil, fmt.Errorf("signature: domain with empty name")
		}
		if _, dup := seen[n]; dup {
			return nil, fmt.Errorf("signature: duplicate domain %q", d.Name)
		}
		seen[n] = struct{}{}
	}
	return &lib, nil
}

// Load reads the library from path, falling back to the embedded defaults
// when the file is absent or malformed.
//
// When to use:
//   - Call once at process start and share the result across invocations.
//
// Edge cases:
//   - path == "" selects the defaults without touching the filesystem.
//   - A broken external file logs a warning and returns the defaults;
//     Load never returns an error to the caller.
func Load(path string, logf func(format string, v ...any)) *Library {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if path == "" {
		return Default()
	}

	b, err := os.ReadFile(path)
	if err != nil {
		logf("stage=signature_load fallback=default reason=read err=%v", err)
		return Default()
	}
	lib, err := Parse(b)
	if err != nil {
		logf("stage=signature_load fallback=default reason=parse err=%v", err)
		return Default()
	}
	logf("stage=signature_load ok path=%s domains=%d", path, len(lib.Domains))
	return lib
}
