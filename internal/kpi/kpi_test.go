package kpi

import (
	"reflect"
	"testing"

	"datalens/internal/signature"
)

func ecommerceDomain(t *testing.T) signature.Domain {
	t.Helper()
	d, ok := signature.Default().Domain("ecommerce")
	if !ok {
		t.Fatal("default library missing ecommerce domain")
	}
	return d
}

//
// Resolve
//

// TestResolveRuleOrder exercises each resolution rule in isolation.
func TestResolveRuleOrder(t *testing.T) {
	t.Parallel()

	d := ecommerceDomain(t)

	tests := []struct {
		name      string
		column    string
		canonical string
	}{
		{"exact canonical", "total_amount", "total_amount"},
		{"exact canonical messy spelling", "Total Amount", "total_amount"},
		{"exact alias", "order_number", "order_id"},
		{"substring containment", "my_order_identifier", "order_id"},
		{"date fallback", "updated_time", "order_date"},
		{"order id fallback", "idx_order", "order_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := Resolve([]string{tt.column}, d)
			got, ok := m.Canonical[tt.canonical]
			if !ok || got != tt.column {
				t.Fatalf("Resolve(%q) = %+v, want %s -> %s", tt.column, m.Canonical, tt.canonical, tt.column)
			}
		})
	}
}

// TestResolveShortAliasGuard: a three-character alias must not resolve by
// substring, only by exact match.
func TestResolveShortAliasGuard(t *testing.T) {
	t.Parallel()

	d := ecommerceDomain(t)

	// Exact short alias still resolves.
	m := Resolve([]string{"sku"}, d)
	if m.Canonical["product_id"] != "sku" {
		t.Fatalf("exact sku: %+v, want product_id -> sku", m.Canonical)
	}

	// Containment with a three-character shorter side does not.
	m = Resolve([]string{"skus"}, d)
	if _, ok := m.Canonical["product_id"]; ok {
		t.Fatalf("skus resolved via trivial substring: %+v", m.Canonical)
	}
}

// TestResolveClaimOnce: a canonical is claimed by the first matching
// column; later contenders stay unresolved (or match something else).
func TestResolveClaimOnce(t *testing.T) {
	t.Parallel()

	d := ecommerceDomain(t)
	m := Resolve([]string{"total_amount", "amount"}, d)

	if m.Canonical["total_amount"] != "total_amount" {
		t.Fatalf("mapping = %+v, want first column to hold total_amount", m.Canonical)
	}
	if !reflect.DeepEqual(m.Unresolved, []string{"amount"}) {
		t.Fatalf("unresolved = %v, want [amount]", m.Unresolved)
	}
}

//
// Extract
//

// TestExtractEcommerce pins the full run: mapping, feasibility split,
// completeness, reasons, and ranking over the default ecommerce catalog.
func TestExtractEcommerce(t *testing.T) {
	t.Parallel()

	e := Engine{Library: signature.Default()}
	columns := []string{"order_id", "total_amount", "order_date", "customer_id"}

	res := e.Extract(columns, nil, "ecommerce")

	wantOrder := []string{"total_revenue", "average_order_value", "revenue_over_time", "orders_per_customer"}
	var gotOrder []string
	for _, ev := range res.Feasible {
		gotOrder = append(gotOrder, ev.Definition.ID)
	}
	if !reflect.DeepEqual(gotOrder, wantOrder) {
		t.Fatalf("feasible order = %v, want %v", gotOrder, wantOrder)
	}

	for i, ev := range res.Feasible {
		if ev.Rank != i+1 {
			t.Fatalf("rank[%d] = %d, want %d", i, ev.Rank, i+1)
		}
		if ev.Completeness != 1.0 {
			t.Fatalf("%s completeness = %v, want 1.0", ev.Definition.ID, ev.Completeness)
		}
	}

	// Priority x (1 + completeness), plus the time bonus for the trend KPI.
	if got := res.Feasible[0].Score; got != 10.0 {
		t.Fatalf("total_revenue score = %v, want 10", got)
	}
	if got := res.Feasible[2].Score; got != 8.1 {
		t.Fatalf("revenue_over_time score = %v, want 8.1 (time bonus applied)", got)
	}

	if len(res.Infeasible) != 1 || res.Infeasible[0].Definition.ID != "revenue_by_category" {
		t.Fatalf("infeasible = %+v, want only revenue_by_category", res.Infeasible)
	}
	inf := res.Infeasible[0]
	if inf.Completeness != 0.5 {
		t.Fatalf("completeness = %v, want 0.5", inf.Completeness)
	}
	if inf.Reason != "Missing data: category" {
		t.Fatalf("reason = %q, want %q", inf.Reason, "Missing data: category")
	}
	if !reflect.DeepEqual(inf.Missing, []string{"category"}) {
		t.Fatalf("missing = %v, want [category]", inf.Missing)
	}
}

// TestExtractSkipsLowPriority: the catalog's priority-2 KPI never appears,
// feasible or not.
func TestExtractSkipsLowPriority(t *testing.T) {
	t.Parallel()

	e := Engine{Library: signature.Default()}
	res := e.Extract([]string{"order_id", "quantity"}, nil, "ecommerce")

	for _, ev := range append(res.Feasible, res.Infeasible...) {
		if ev.Definition.ID == "units_per_order" {
			t.Fatalf("priority-2 KPI evaluated: %+v", ev)
		}
	}
}

// TestExtractUnknownDomain: unknown domains produce an empty result with
// every column unresolved, never an error or panic.
func TestExtractUnknownDomain(t *testing.T) {
	t.Parallel()

	e := Engine{Library: signature.Default()}
	columns := []string{"order_id", "total_amount"}
	res := e.Extract(columns, nil, "astrology")

	if len(res.Feasible) != 0 || len(res.Infeasible) != 0 {
		t.Fatalf("result = %+v, want empty evaluations", res)
	}
	if !reflect.DeepEqual(res.Mapping.Unresolved, columns) {
		t.Fatalf("unresolved = %v, want all columns", res.Mapping.Unresolved)
	}
}

// TestExtractTimeKPIInfeasibleWithoutDate: trend KPIs require their date
// column like any other; no date mapping means infeasible, not a silent
// zero-bonus pass.
func TestExtractTimeKPIInfeasibleWithoutDate(t *testing.T) {
	t.Parallel()

	e := Engine{Library: signature.Default()}
	res := e.Extract([]string{"units_sold", "price", "category", "product_id"}, nil, "retail")

	for _, ev := range res.Feasible {
		if ev.Definition.UsesTime {
			t.Fatalf("time KPI %s feasible without a date column", ev.Definition.ID)
		}
	}
	found := false
	for _, ev := range res.Infeasible {
		if ev.Definition.ID == "sales_over_time" {
			found = true
			if ev.Reason != "Missing data: sale_date" {
				t.Fatalf("reason = %q, want %q", ev.Reason, "Missing data: sale_date")
			}
		}
	}
	if !found {
		t.Fatal("sales_over_time missing from infeasible set")
	}
}

// TestExtractMonotonicOnAddedColumn: supplying a previously-missing
// required column never hurts any KPI. Per definition, completeness and
// score must not decrease and feasibility must not flip off.
func TestExtractMonotonicOnAddedColumn(t *testing.T) {
	t.Parallel()

	e := Engine{Library: signature.Default()}
	base := []string{"order_id", "total_amount", "customer_id"}
	augmented := append(append([]string(nil), base...), "category")

	byID := func(res Result) map[string]Evaluation {
		out := make(map[string]Evaluation)
		for _, ev := range res.Feasible {
			out[ev.Definition.ID] = ev
		}
		for _, ev := range res.Infeasible {
			out[ev.Definition.ID] = ev
		}
		return out
	}

	before := byID(e.Extract(base, nil, "ecommerce"))
	after := byID(e.Extract(augmented, nil, "ecommerce"))

	for id, b := range before {
		a, ok := after[id]
		if !ok {
			t.Fatalf("%s evaluated before but not after", id)
		}
		if a.Completeness < b.Completeness {
			t.Errorf("%s completeness dropped: %v -> %v", id, b.Completeness, a.Completeness)
		}
		if b.Feasible && !a.Feasible {
			t.Errorf("%s flipped feasible -> infeasible", id)
		}
		if a.Score < b.Score {
			t.Errorf("%s score dropped: %v -> %v", id, b.Score, a.Score)
		}
	}

	// The added column is exactly what revenue_by_category was missing.
	if before["revenue_by_category"].Feasible {
		t.Fatal("revenue_by_category should start infeasible")
	}
	got := after["revenue_by_category"]
	if !got.Feasible || got.Completeness != 1.0 || got.Score != 8.0 {
		t.Fatalf("revenue_by_category after = %+v, want feasible at completeness 1, score 8", got)
	}
}

//
// containsLoose
//

func TestContainsLoose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"customer_id", "customer", true},
		{"customer", "customer_id", true},
		{"sku", "skus", false}, // shorter side too short
		{"", "anything", false},
		{"abcd", "zzzz", false},
	}
	for _, tt := range tests {
		if got := containsLoose(tt.a, tt.b); got != tt.want {
			t.Errorf("containsLoose(%q, %q) = %t, want %t", tt.a, tt.b, got, tt.want)
		}
	}
}
