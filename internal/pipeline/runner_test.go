package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"datalens/internal/classify"
	"datalens/internal/dataset"
	"datalens/internal/materialize"
	"datalens/internal/signature"
	"datalens/internal/storage"
)

// fakeRepo records calls; storage behavior itself is covered by the
// backend packages.
type fakeRepo struct {
	saved     []storage.RunRecord
	overrides []string
	saveErr   error
}

func (f *fakeRepo) Close() {}

func (f *fakeRepo) EnsureSchema(context.Context) error { return nil }

func (f *fakeRepo) SaveRun(_ context.Context, rec storage.RunRecord) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeRepo) OverrideDomain(_ context.Context, runID, domain string, _ time.Time) error {
	f.overrides = append(f.overrides, runID+":"+domain)
	return nil
}

func testTables() []dataset.Table {
	return []dataset.Table{
		{
			Name:    "orders",
			Columns: []string{"order_id", "customer_id", "total_amount", "order_date"},
			Rows: []dataset.Record{
				{"order_id": "o1", "customer_id": "c1", "total_amount": 100, "order_date": "2026-01-02"},
				{"order_id": "o2", "customer_id": "c2", "total_amount": 250, "order_date": "2026-01-03"},
			},
		},
		{
			Name:    "customers",
			Columns: []string{"customer_id", "email"},
			Rows: []dataset.Record{
				{"customer_id": "c1", "email": "ada@example.com"},
				{"customer_id": "c2", "email": "grace@example.com"},
			},
		},
	}
}

func testRunner(repo storage.Repository) *Runner {
	return &Runner{
		Library: signature.Default(),
		Repo:    repo,
		now:     func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) },
		newID:   func() string { return "run-0001" },
	}
}

//
// Run
//

// TestRunEndToEnd exercises every stage over a two-table ecommerce upload
// and verifies the persisted record mirrors the returned result.
func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	r := testRunner(repo)

	res, err := r.Run(context.Background(), testTables(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.RunID != "run-0001" {
		t.Fatalf("run id = %q, want seam value", res.RunID)
	}
	if res.Detection.Domain != "ecommerce" {
		t.Fatalf("domain = %q, want ecommerce", res.Detection.Domain)
	}
	if res.Detection.Provenance != classify.ProvenanceDetected {
		t.Fatalf("provenance = %q, want detected", res.Detection.Provenance)
	}
	if len(res.Relationships) == 0 {
		t.Fatal("no relationships detected for shared customer_id")
	}
	if len(res.Flat.Rows) != 2 {
		t.Fatalf("flat rows = %d, want anchor count 2", len(res.Flat.Rows))
	}
	if res.Flat.Rows[0]["customers_email"] != "ada@example.com" {
		t.Fatalf("flat row 0 = %+v, want joined email", res.Flat.Rows[0])
	}
	if len(res.Kpis.Feasible) == 0 {
		t.Fatal("no feasible KPIs for a complete ecommerce dataset")
	}

	if len(repo.saved) != 1 {
		t.Fatalf("saved %d records, want 1", len(repo.saved))
	}
	rec := repo.saved[0]
	if rec.RunID != res.RunID || !rec.CreatedAt.Equal(res.CreatedAt) {
		t.Fatalf("record identity = %s/%s, want %s/%s", rec.RunID, rec.CreatedAt, res.RunID, res.CreatedAt)
	}
	if !reflect.DeepEqual(rec.Kpis, res.Kpis) {
		t.Fatal("persisted KPI result differs from returned result")
	}
}

// TestRunDeterministic: two runs over the same upload differ only in run
// identity.
func TestRunDeterministic(t *testing.T) {
	t.Parallel()

	r := testRunner(nil)
	a, err := r.Run(context.Background(), testTables(), Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := r.Run(context.Background(), testTables(), Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	a.RunID, b.RunID = "", ""
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("runs differ:\n%+v\n%+v", a, b)
	}
}

// TestRunNoInput: the pipeline refuses to run without tables.
func TestRunNoInput(t *testing.T) {
	t.Parallel()

	r := testRunner(nil)
	if _, err := r.Run(context.Background(), nil, Options{}); !errors.Is(err, ErrNoInput) {
		t.Fatalf("err = %v, want ErrNoInput", err)
	}
}

// TestRunDomainOverride: the override skips classification entirely and
// records user provenance; an unknown override fails before any stage.
func TestRunDomainOverride(t *testing.T) {
	t.Parallel()

	r := testRunner(nil)

	res, err := r.Run(context.Background(), testTables(), Options{DomainOverride: "finance"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Detection.Domain != "finance" || res.Detection.Confidence != 100 {
		t.Fatalf("detection = %+v, want forced finance at 100", res.Detection)
	}
	if res.Detection.Provenance != classify.ProvenanceUserSelected {
		t.Fatalf("provenance = %q, want user_selected", res.Detection.Provenance)
	}

	if _, err := r.Run(context.Background(), testTables(), Options{DomainOverride: "astrology"}); err == nil {
		t.Fatal("unknown override domain accepted")
	}
}

// TestRunMaterializeErrorAborts: a zero-row anchor aborts the run and
// nothing reaches storage.
func TestRunMaterializeErrorAborts(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	r := testRunner(repo)

	empty := []dataset.Table{{Name: "empty", Columns: []string{"order_id"}}}
	_, err := r.Run(context.Background(), empty, Options{})
	if !errors.Is(err, materialize.ErrNoRows) {
		t.Fatalf("err = %v, want ErrNoRows", err)
	}
	if len(repo.saved) != 0 {
		t.Fatalf("saved %d records after failed run, want 0", len(repo.saved))
	}
}

// TestRunPersistErrorStillReturnsResult: storage failures surface as
// errors but the in-memory result stays usable.
func TestRunPersistErrorStillReturnsResult(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{saveErr: errors.New("disk full")}
	r := testRunner(repo)

	res, err := r.Run(context.Background(), testTables(), Options{})
	if err == nil {
		t.Fatal("want persistence error")
	}
	if res.Detection.Domain != "ecommerce" || len(res.Flat.Rows) == 0 {
		t.Fatalf("result not populated alongside error: %+v", res)
	}
}

//
// OverrideDomain
//

func TestOverrideDomain(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	r := testRunner(repo)

	det, err := r.OverrideDomain(context.Background(), "run-0001", "retail")
	if err != nil {
		t.Fatalf("OverrideDomain: %v", err)
	}
	if det.Domain != "retail" || det.Provenance != classify.ProvenanceUserSelected {
		t.Fatalf("detection = %+v, want user-selected retail", det)
	}
	if !reflect.DeepEqual(repo.overrides, []string{"run-0001:retail"}) {
		t.Fatalf("overrides = %v", repo.overrides)
	}

	if _, err := r.OverrideDomain(context.Background(), "run-0001", "astrology"); err == nil {
		t.Fatal("unknown domain accepted")
	}
}
