package classify

import (
	"reflect"
	"testing"

	"datalens/internal/dataset"
	"datalens/internal/signature"
)

func retailColumns() []string {
	return []string{"product_id", "category", "units_sold", "price", "store"}
}

func retailSample() []dataset.Record {
	return []dataset.Record{
		{"product_id": "P1", "category": "Toys", "units_sold": 12, "price": 19.99, "store": "North"},
		{"product_id": "P2", "category": "Home", "units_sold": 3, "price": 5.49, "store": "North"},
	}
}

//
// Classify
//

// TestClassifyRetailAuto pins the full scoring path for a clean retail
// dataset: four primary columns, one secondary, two keyword hits, and both
// data-pattern bonuses firing.
func TestClassifyRetailAuto(t *testing.T) {
	t.Parallel()

	c := Classifier{Library: signature.Default()}
	det := c.Classify(retailColumns(), retailSample())

	if det.Domain != "retail" {
		t.Fatalf("domain = %q, want retail", det.Domain)
	}
	want := Breakdown{Primary: 120, Secondary: 15, Keywords: 20, DataBonus: 25}
	if det.Top.Breakdown != want {
		t.Fatalf("breakdown = %+v, want %+v", det.Top.Breakdown, want)
	}
	if det.Top.Total != 180 {
		t.Fatalf("total = %d, want 180", det.Top.Total)
	}
	if det.Tier != TierAuto {
		t.Fatalf("tier = %s, want AUTO", det.Tier)
	}
	if det.Provenance != ProvenanceDetected {
		t.Fatalf("provenance = %q, want detected", det.Provenance)
	}

	// 180 points of a 190-point signature.
	wantConf := 180.0 / 190.0 * 100
	if det.Confidence != wantConf {
		t.Fatalf("confidence = %v, want %v", det.Confidence, wantConf)
	}
}

// TestClassifyWithoutSampleRows verifies the bonus is strictly additive:
// the same columns without data drop below the AUTO threshold but keep the
// same column-based score.
func TestClassifyWithoutSampleRows(t *testing.T) {
	t.Parallel()

	c := Classifier{Library: signature.Default()}
	det := c.Classify(retailColumns(), nil)

	if det.Domain != "retail" {
		t.Fatalf("domain = %q, want retail", det.Domain)
	}
	if det.Top.Breakdown.DataBonus != 0 {
		t.Fatalf("data bonus = %d, want 0", det.Top.Breakdown.DataBonus)
	}
	if det.Top.Total != 155 {
		t.Fatalf("total = %d, want 155", det.Top.Total)
	}
	if det.Tier != TierShowAlternatives {
		t.Fatalf("tier = %s, want SHOW_ALTERNATIVES", det.Tier)
	}
}

// TestClassifyEmptyColumns: classification never fails; no columns means
// confidence zero and a manual pick.
func TestClassifyEmptyColumns(t *testing.T) {
	t.Parallel()

	c := Classifier{Library: signature.Default()}
	for _, cols := range [][]string{nil, {}, {"  ", "$$$"}} {
		det := c.Classify(cols, nil)
		if det.Tier != TierManual || det.Confidence != 0 || det.Domain != "" {
			t.Fatalf("Classify(%v) = %+v, want empty MANUAL detection", cols, det)
		}
	}
}

// TestClassifyDeterministic: identical inputs must yield byte-identical
// detections, alternatives included.
func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()

	c := Classifier{Library: signature.Default()}
	a := c.Classify(retailColumns(), retailSample())
	b := c.Classify(retailColumns(), retailSample())
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("detections differ:\n%+v\n%+v", a, b)
	}
}

// TestClassifyAlternatives verifies the runner-up list: at most three, in
// descending score order, declaration order breaking ties.
func TestClassifyAlternatives(t *testing.T) {
	t.Parallel()

	c := Classifier{Library: signature.Default()}
	det := c.Classify(retailColumns(), nil)

	if len(det.Alternatives) != 3 {
		t.Fatalf("alternatives = %d entries, want 3", len(det.Alternatives))
	}
	if det.Alternatives[0].Domain != "ecommerce" {
		t.Fatalf("first alternative = %q, want ecommerce (product_id overlap)", det.Alternatives[0].Domain)
	}
	// saas and finance both score zero; declaration order decides.
	if det.Alternatives[1].Domain != "saas" || det.Alternatives[2].Domain != "finance" {
		t.Fatalf("zero-score alternatives = %q, %q; want saas, finance",
			det.Alternatives[1].Domain, det.Alternatives[2].Domain)
	}
}

// TestClassifyConfidenceCapped: bonuses can push the raw total past the
// signature maximum; confidence must clamp at 100.
func TestClassifyConfidenceCapped(t *testing.T) {
	t.Parallel()

	lib := &signature.Library{Domains: []signature.Domain{{
		Name:           "tiny",
		PrimaryColumns: []string{"price"},
		BonusRules: []signature.BonusRule{
			{Kind: signature.BonusPositiveNumber, Points: 15, Columns: []string{"price"}},
		},
	}}}
	c := Classifier{Library: lib}

	det := c.Classify([]string{"price"}, []dataset.Record{{"price": 10}})
	if det.Top.Total != 45 {
		t.Fatalf("total = %d, want 45", det.Top.Total)
	}
	if det.Confidence != 100 {
		t.Fatalf("confidence = %v, want 100 (capped)", det.Confidence)
	}
	if det.Tier != TierAuto {
		t.Fatalf("tier = %s, want AUTO", det.Tier)
	}
}

// TestClassifySampleLimit: only the first ten rows feed the bonus rules.
func TestClassifySampleLimit(t *testing.T) {
	t.Parallel()

	rows := make([]dataset.Record, 0, 11)
	for i := 0; i < 10; i++ {
		rows = append(rows, dataset.Record{"price": nil})
	}
	// Row eleven would fire the bonus, but it is beyond the sample window.
	rows = append(rows, dataset.Record{"price": 9.99})

	c := Classifier{Library: signature.Default()}
	det := c.Classify(retailColumns(), rows)
	if det.Top.Breakdown.DataBonus != 0 {
		t.Fatalf("data bonus = %d, want 0 (row 11 outside sample)", det.Top.Breakdown.DataBonus)
	}
}

// TestClassifyKeywordCountedOnce: a keyword listed under two categories of
// the same domain still contributes a single 10-point hit.
func TestClassifyKeywordCountedOnce(t *testing.T) {
	t.Parallel()

	lib := &signature.Library{Domains: []signature.Domain{{
		Name: "dup",
		Keywords: []signature.KeywordCategory{
			{Name: "first", Keywords: []string{"order", "cart"}},
			{Name: "second", Keywords: []string{"Order"}},
		},
	}}}
	c := Classifier{Library: lib}

	det := c.Classify([]string{"order_id"}, nil)
	if det.Top.Breakdown.Keywords != 10 {
		t.Fatalf("keywords = %d, want 10 (duplicate keyword must not double)", det.Top.Breakdown.Keywords)
	}
	if !reflect.DeepEqual(det.Top.KeywordsMatched, []string{"order"}) {
		t.Fatalf("matched = %v, want [order]", det.Top.KeywordsMatched)
	}
}

//
// tierFor
//

func TestTierFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		confidence float64
		want       Tier
	}{
		{100, TierAuto},
		{85, TierAuto},
		{84.99, TierShowAlternatives},
		{65, TierShowAlternatives},
		{64.99, TierManual},
		{0, TierManual},
	}
	for _, tt := range tests {
		if got := tierFor(tt.confidence); got != tt.want {
			t.Errorf("tierFor(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
	}
}

//
// Override
//

func TestOverride(t *testing.T) {
	t.Parallel()

	det := Override("finance")
	if det.Domain != "finance" || det.Confidence != 100 {
		t.Fatalf("Override = %+v, want finance at confidence 100", det)
	}
	if det.Tier != TierAuto {
		t.Fatalf("tier = %s, want AUTO", det.Tier)
	}
	if det.Provenance != ProvenanceUserSelected {
		t.Fatalf("provenance = %q, want user_selected", det.Provenance)
	}
}

//
// normalization inside Classify
//

// TestClassifyNormalizesColumns: messy real-world headers must score the
// same as clean ones.
func TestClassifyNormalizesColumns(t *testing.T) {
	t.Parallel()

	c := Classifier{Library: signature.Default()}
	clean := c.Classify(retailColumns(), nil)
	messy := c.Classify([]string{"Product ID", " Catégory", "Units-Sold", "PRICE", "Store"}, nil)

	if clean.Domain != messy.Domain || clean.Top.Total != messy.Top.Total {
		t.Fatalf("messy headers scored %d (%s), clean scored %d (%s)",
			messy.Top.Total, messy.Domain, clean.Top.Total, clean.Domain)
	}
}
