// Package pipeline orchestrates one end-to-end inference run over a set
// of uploaded tables: classify the domain, discover relationships, build
// the flat view, evaluate KPIs, and (optionally) persist the whole result.
//
// Every stage is deterministic; running the same tables twice yields the
// same detection, relationships, flat view, and KPI ranking. Only the run
// id and timestamps differ.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"datalens/internal/classify"
	"datalens/internal/dataset"
	"datalens/internal/kpi"
	"datalens/internal/materialize"
	"datalens/internal/metrics"
	"datalens/internal/relate"
	"datalens/internal/signature"
	"datalens/internal/storage"
)

// ErrNoInput is returned when Run is called without any tables.
var ErrNoInput = errors.New("no uploads found")

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options tune a single run.
type Options struct {
	// DomainOverride, when non-empty, skips classification and records a
	// user-selected detection at confidence 100.
	DomainOverride string
}

// Result is the full explainable output of one run.
type Result struct {
	RunID     string
	CreatedAt time.Time

	Detection     classify.Detection
	Relationships []relate.Relationship
	Flat          materialize.FlatRelation
	Kpis          kpi.Result
}

// Runner wires the stages together.
//
// Library is required. Repo may be nil (results are not persisted).
// Logger may be nil. The now/newID fields exist as test seams; zero
// values fall back to time.Now and uuid.NewString.
type Runner struct {
	Library *signature.Library
	Repo    storage.Repository
	Logger  Logger

	now   func() time.Time
	newID func() string
}

func (r *Runner) logf(format string, v ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, v...)
	}
}

func (r *Runner) timestamp() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

func (r *Runner) runID() string {
	if r.newID != nil {
		return r.newID()
	}
	return uuid.NewString()
}

// Run executes the pipeline over tables.
//
// Edge cases:
//   - No tables: returns ErrNoInput.
//   - opts.DomainOverride naming an unknown domain: returns an error
//     before any stage runs.
//   - Materialization failures (no joined rows) abort the run; nothing
//     is persisted.
//
// Errors from persistence are returned after all in-memory stages have
// completed, so the returned Result is still fully populated alongside a
// storage error.
func (r *Runner) Run(ctx context.Context, tables []dataset.Table, opts Options) (Result, error) {
	if len(tables) == 0 {
		return Result{}, ErrNoInput
	}

	res := Result{
		RunID:     r.runID(),
		CreatedAt: r.timestamp(),
	}
	r.logf("stage=run_start run_id=%s tables=%d", res.RunID, len(tables))
	metrics.IncCounter(metrics.TablesIngested, float64(len(tables)), nil)

	if opts.DomainOverride != "" {
		if _, ok := r.Library.Domain(opts.DomainOverride); !ok {
			return Result{}, fmt.Errorf("pipeline: unknown domain %q", opts.DomainOverride)
		}
	}

	columns, sample := aggregate(tables)

	res.Detection = r.observeStage("classify", func() classify.Detection {
		if opts.DomainOverride != "" {
			return classify.Override(opts.DomainOverride)
		}
		c := classify.Classifier{Library: r.Library, Logger: r.Logger}
		return c.Classify(columns, sample)
	})

	res.Relationships = r.observeStageRels("relate", tables)

	flat, err := r.observeStageFlat("materialize", tables, res.Relationships)
	if err != nil {
		return Result{}, err
	}
	res.Flat = flat

	res.Kpis = r.observeStageKpis("kpi", flat, res.Detection.Domain)
	metrics.IncCounter(metrics.RelationshipsValid, float64(len(res.Relationships)), nil)
	metrics.IncCounter(metrics.KpisFeasible, float64(len(res.Kpis.Feasible)), nil)

	if r.Repo != nil {
		rec := storage.RunRecord{
			RunID:         res.RunID,
			CreatedAt:     res.CreatedAt,
			Detection:     res.Detection,
			Relationships: res.Relationships,
			Flat:          res.Flat,
			Kpis:          res.Kpis,
		}
		if err := r.Repo.SaveRun(ctx, rec); err != nil {
			return res, fmt.Errorf("pipeline: persist run %s: %w", res.RunID, err)
		}
		r.logf("stage=persist run_id=%s status=saved", res.RunID)
	}

	r.logf("stage=run_done run_id=%s domain=%s tier=%s feasible_kpis=%d",
		res.RunID, res.Detection.Domain, res.Detection.Tier, len(res.Kpis.Feasible))
	return res, nil
}

// OverrideDomain re-records the domain for an already-persisted run and
// returns the superseding detection.
func (r *Runner) OverrideDomain(ctx context.Context, runID, domain string) (classify.Detection, error) {
	if _, ok := r.Library.Domain(domain); !ok {
		return classify.Detection{}, fmt.Errorf("pipeline: unknown domain %q", domain)
	}
	det := classify.Override(domain)
	if r.Repo != nil {
		if err := r.Repo.OverrideDomain(ctx, runID, det.Domain, r.timestamp()); err != nil {
			return det, fmt.Errorf("pipeline: persist override for run %s: %w", runID, err)
		}
	}
	r.logf("stage=override run_id=%s domain=%s", runID, det.Domain)
	return det, nil
}

// aggregate merges all tables into the column union (first-seen order) and
// the combined sample rows classification scores against.
func aggregate(tables []dataset.Table) (columns []string, sample []dataset.Record) {
	seen := map[string]bool{}
	for _, t := range tables {
		for _, c := range t.Columns {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
		sample = append(sample, t.Rows...)
	}
	return columns, sample
}

// ---- stage instrumentation ----

func (r *Runner) observeStage(stage string, fn func() classify.Detection) classify.Detection {
	start := time.Now()
	out := fn()
	r.finishStage(stage, start)
	return out
}

func (r *Runner) observeStageRels(stage string, tables []dataset.Table) []relate.Relationship {
	start := time.Now()
	d := relate.Detector{Logger: r.Logger}
	out := d.Detect(tables)
	r.finishStage(stage, start)
	return out
}

func (r *Runner) observeStageFlat(stage string, tables []dataset.Table, rels []relate.Relationship) (materialize.FlatRelation, error) {
	start := time.Now()
	out, err := materialize.Materialize(tables, rels)
	if err != nil {
		metrics.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": stage, "status": "error"})
		return materialize.FlatRelation{}, err
	}
	r.finishStage(stage, start)
	return out, nil
}

func (r *Runner) observeStageKpis(stage string, flat materialize.FlatRelation, domain string) kpi.Result {
	start := time.Now()
	e := kpi.Engine{Library: r.Library, Logger: r.Logger}
	out := e.Extract(flat.Columns, flat.Rows, domain)
	r.finishStage(stage, start)
	return out
}

func (r *Runner) finishStage(stage string, start time.Time) {
	elapsed := time.Since(start)
	metrics.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": stage, "status": "ok"})
	metrics.ObserveHistogram(metrics.StageDurationSeconds, elapsed.Seconds(), metrics.Labels{"stage": stage})
	r.logf("stage=%s elapsed=%s", stage, elapsed)
}
