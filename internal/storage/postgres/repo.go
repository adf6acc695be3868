package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"datalens/internal/kpi"
	"datalens/internal/storage"
)

// Repo implements storage.Repository backed by PostgreSQL via pgxpool.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New connects to Postgres using cfg.DSN and verifies the connection.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS domain_detections (
		run_id TEXT NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		domain TEXT,
		confidence DOUBLE PRECISION NOT NULL,
		tier TEXT NOT NULL,
		provenance TEXT NOT NULL,
		breakdown JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS table_relationships (
		run_id TEXT NOT NULL,
		from_tbl TEXT NOT NULL,
		from_col TEXT NOT NULL,
		to_tbl TEXT NOT NULL,
		to_col TEXT NOT NULL,
		match_rate DOUBLE PRECISION NOT NULL,
		UNIQUE(run_id, from_tbl, from_col, to_tbl, to_col)
	)`,
	`CREATE TABLE IF NOT EXISTS kpi_evaluations (
		run_id TEXT NOT NULL,
		kpi_id TEXT NOT NULL,
		name TEXT,
		category TEXT,
		priority INTEGER NOT NULL,
		completeness DOUBLE PRECISION NOT NULL,
		feasible BOOLEAN NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		rank INTEGER,
		reason TEXT,
		missing JSONB,
		UNIQUE(run_id, kpi_id)
	)`,
	`CREATE TABLE IF NOT EXISTS column_mappings (
		run_id TEXT NOT NULL,
		canonical TEXT NOT NULL,
		dataset_column TEXT,
		UNIQUE(run_id, canonical)
	)`,
	`CREATE TABLE IF NOT EXISTS unresolved_columns (
		run_id TEXT NOT NULL,
		dataset_column TEXT NOT NULL
	)`,
}

// EnsureSchema creates result tables. Idempotent; safe on every startup.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// SaveRun persists one run inside a single transaction.
func (r *Repo) SaveRun(ctx context.Context, rec storage.RunRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		rec.RunID, rec.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}

	det := rec.Detection
	if _, err := tx.Exec(ctx,
		`INSERT INTO domain_detections (run_id, detected_at, domain, confidence, tier, provenance, breakdown)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.RunID, rec.CreatedAt.UTC(), det.Domain, det.Confidence, det.Tier.String(), string(det.Provenance),
		storage.EncodeJSON(det.Top.Breakdown),
	); err != nil {
		return fmt.Errorf("postgres: insert detection: %w", err)
	}

	for _, rel := range rec.Relationships {
		if _, err := tx.Exec(ctx,
			`INSERT INTO table_relationships (run_id, from_tbl, from_col, to_tbl, to_col, match_rate)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (run_id, from_tbl, from_col, to_tbl, to_col) DO NOTHING`,
			rec.RunID, rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn, rel.MatchRate,
		); err != nil {
			return fmt.Errorf("postgres: insert relationship: %w", err)
		}
	}

	evals := make([]kpi.Evaluation, 0, len(rec.Kpis.Feasible)+len(rec.Kpis.Infeasible))
	evals = append(evals, rec.Kpis.Feasible...)
	evals = append(evals, rec.Kpis.Infeasible...)
	for _, ev := range evals {
		if _, err := tx.Exec(ctx,
			`INSERT INTO kpi_evaluations
			   (run_id, kpi_id, name, category, priority, completeness, feasible, score, rank, reason, missing)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (run_id, kpi_id) DO NOTHING`,
			rec.RunID, ev.Definition.ID, ev.Definition.Name, ev.Definition.Category,
			ev.Definition.Priority, ev.Completeness, ev.Feasible, ev.Score, ev.Rank,
			ev.Reason, storage.EncodeJSON(ev.Missing),
		); err != nil {
			return fmt.Errorf("postgres: insert kpi evaluation: %w", err)
		}
	}

	for canonical, col := range rec.Kpis.Mapping.Canonical {
		if _, err := tx.Exec(ctx,
			`INSERT INTO column_mappings (run_id, canonical, dataset_column) VALUES ($1, $2, $3)
			 ON CONFLICT (run_id, canonical) DO NOTHING`,
			rec.RunID, canonical, col,
		); err != nil {
			return fmt.Errorf("postgres: insert mapping: %w", err)
		}
	}
	for _, col := range rec.Kpis.Mapping.Unresolved {
		if _, err := tx.Exec(ctx,
			`INSERT INTO unresolved_columns (run_id, dataset_column) VALUES ($1, $2)`,
			rec.RunID, col,
		); err != nil {
			return fmt.Errorf("postgres: insert unresolved: %w", err)
		}
	}

	if err := saveFlatView(ctx, tx, rec); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// saveFlatView creates the per-run flat table (all columns TEXT, nullable)
// and bulk-inserts the materialized rows via CopyFrom.
func saveFlatView(ctx context.Context, tx pgx.Tx, rec storage.RunRecord) error {
	if len(rec.Flat.Columns) == 0 {
		return nil
	}

	table := storage.FlatTableName(rec.RunID)
	sqlCols, _ := storage.FlatColumns(rec.Flat)

	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(table)
	ddl.WriteString(" (")
	for i, c := range sqlCols {
		if i > 0 {
			ddl.WriteString(", ")
		}
		ddl.WriteString(quoteIdent(c))
		ddl.WriteString(" TEXT")
	}
	ddl.WriteString(")")
	if _, err := tx.Exec(ctx, ddl.String()); err != nil {
		return fmt.Errorf("postgres: create flat view %s: %w", table, err)
	}

	rows := make([][]any, 0, len(rec.Flat.Rows))
	for _, row := range rec.Flat.Rows {
		vals := make([]any, len(rec.Flat.Columns))
		for i, c := range rec.Flat.Columns {
			vals[i] = storage.FlatValue(row[c])
		}
		rows = append(rows, vals)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{table}, sqlCols, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("postgres: copy flat rows: %w", err)
	}
	return nil
}

// OverrideDomain inserts a superseding user-selected detection row.
func (r *Repo) OverrideDomain(ctx context.Context, runID, domain string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO domain_detections (run_id, detected_at, domain, confidence, tier, provenance, breakdown)
		 VALUES ($1, $2, $3, 100, 'AUTO', 'user_selected', '{}')`,
		runID, at.UTC(), domain,
	)
	if err != nil {
		return fmt.Errorf("postgres: override domain: %w", err)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
