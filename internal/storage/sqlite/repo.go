package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"datalens/internal/kpi"
	"datalens/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type; timestamps are stored as
//     RFC3339Nano strings for reliable round-trip behavior and easy
//     debugging.
//   - Flat-view columns are declared TEXT; modernc.org/sqlite stores them
//     with TEXT affinity, matching the nullable TEXT column model the
//     materializer assumes.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (or creates) the SQLite database at cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite allows a single writer, and a ":memory:" DSN
	// is a separate database per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS domain_detections (
		run_id TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		domain TEXT,
		confidence REAL NOT NULL,
		tier TEXT NOT NULL,
		provenance TEXT NOT NULL,
		breakdown TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS table_relationships (
		run_id TEXT NOT NULL,
		from_tbl TEXT NOT NULL,
		from_col TEXT NOT NULL,
		to_tbl TEXT NOT NULL,
		to_col TEXT NOT NULL,
		match_rate REAL NOT NULL,
		UNIQUE(run_id, from_tbl, from_col, to_tbl, to_col)
	)`,
	`CREATE TABLE IF NOT EXISTS kpi_evaluations (
		run_id TEXT NOT NULL,
		kpi_id TEXT NOT NULL,
		name TEXT,
		category TEXT,
		priority INTEGER NOT NULL,
		completeness REAL NOT NULL,
		feasible INTEGER NOT NULL,
		score REAL NOT NULL,
		rank INTEGER,
		reason TEXT,
		missing TEXT,
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
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

// SaveRun persists one run inside a single transaction.
func (r *Repo) SaveRun(ctx context.Context, rec storage.RunRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := rec.CreatedAt.UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (id, created_at) VALUES (?, ?)`,
		rec.RunID, createdAt,
	); err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}

	det := rec.Detection
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO domain_detections (run_id, detected_at, domain, confidence, tier, provenance, breakdown)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, createdAt, det.Domain, det.Confidence, det.Tier.String(), string(det.Provenance),
		storage.EncodeJSON(det.Top.Breakdown),
	); err != nil {
		return fmt.Errorf("sqlite: insert detection: %w", err)
	}

	for _, rel := range rec.Relationships {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO table_relationships (run_id, from_tbl, from_col, to_tbl, to_col, match_rate)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn, rel.MatchRate,
		); err != nil {
			return fmt.Errorf("sqlite: insert relationship: %w", err)
		}
	}

	evals := make([]kpi.Evaluation, 0, len(rec.Kpis.Feasible)+len(rec.Kpis.Infeasible))
	evals = append(evals, rec.Kpis.Feasible...)
	evals = append(evals, rec.Kpis.Infeasible...)
	for _, ev := range evals {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO kpi_evaluations
			   (run_id, kpi_id, name, category, priority, completeness, feasible, score, rank, reason, missing)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, ev.Definition.ID, ev.Definition.Name, ev.Definition.Category,
			ev.Definition.Priority, ev.Completeness, boolToInt(ev.Feasible), ev.Score, ev.Rank,
			ev.Reason, storage.EncodeJSON(ev.Missing),
		); err != nil {
			return fmt.Errorf("sqlite: insert kpi evaluation: %w", err)
		}
	}

	for canonical, col := range rec.Kpis.Mapping.Canonical {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO column_mappings (run_id, canonical, dataset_column) VALUES (?, ?, ?)`,
			rec.RunID, canonical, col,
		); err != nil {
			return fmt.Errorf("sqlite: insert mapping: %w", err)
		}
	}
	for _, col := range rec.Kpis.Mapping.Unresolved {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unresolved_columns (run_id, dataset_column) VALUES (?, ?)`,
			rec.RunID, col,
		); err != nil {
			return fmt.Errorf("sqlite: insert unresolved: %w", err)
		}
	}

	if err := r.saveFlatView(ctx, tx, rec); err != nil {
		return err
	}

	return tx.Commit()
}

// saveFlatView creates the per-run flat table (all columns TEXT, nullable)
// and bulk-inserts the materialized rows.
func (r *Repo) saveFlatView(ctx context.Context, tx *sql.Tx, rec storage.RunRecord) error {
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
	if _, err := tx.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("sqlite: create flat view %s: %w", table, err)
	}

	var ins strings.Builder
	ins.WriteString("INSERT INTO ")
	ins.WriteString(table)
	ins.WriteString(" (")
	for i, c := range sqlCols {
		if i > 0 {
			ins.WriteString(", ")
		}
		ins.WriteString(quoteIdent(c))
	}
	ins.WriteString(") VALUES (")
	for i := range sqlCols {
		if i > 0 {
			ins.WriteString(", ")
		}
		ins.WriteString("?")
	}
	ins.WriteString(")")

	stmt, err := tx.PrepareContext(ctx, ins.String())
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rec.Flat.Rows {
		args := make([]any, len(rec.Flat.Columns))
		for i, c := range rec.Flat.Columns {
			args[i] = storage.FlatValue(row[c])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("sqlite: insert flat row: %w", err)
		}
	}
	return nil
}

// OverrideDomain inserts a superseding user-selected detection row.
func (r *Repo) OverrideDomain(ctx context.Context, runID, domain string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO domain_detections (run_id, detected_at, domain, confidence, tier, provenance, breakdown)
		 VALUES (?, ?, ?, 100, 'AUTO', 'user_selected', '{}')`,
		runID, at.UTC().Format(time.RFC3339Nano), domain,
	)
	if err != nil {
		return fmt.Errorf("sqlite: override domain: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
