package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"datalens/internal/kpi"
	"datalens/internal/storage"
)

// Repo implements storage.Repository backed by SQL Server.
//
// SQL Server has no CREATE TABLE IF NOT EXISTS; schema statements guard
// with IF OBJECT_ID checks instead. Upsert-style inserts use NOT EXISTS
// guards rather than MERGE to keep the statements simple.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New connects to SQL Server using cfg.DSN and verifies the connection.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: connect: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var schemaStatements = []string{
	`IF OBJECT_ID('runs', 'U') IS NULL
	CREATE TABLE runs (
		id NVARCHAR(64) PRIMARY KEY,
		created_at DATETIMEOFFSET NOT NULL
	)`,
	`IF OBJECT_ID('domain_detections', 'U') IS NULL
	CREATE TABLE domain_detections (
		run_id NVARCHAR(64) NOT NULL,
		detected_at DATETIMEOFFSET NOT NULL,
		domain NVARCHAR(128),
		confidence FLOAT NOT NULL,
		tier NVARCHAR(32) NOT NULL,
		provenance NVARCHAR(32) NOT NULL,
		breakdown NVARCHAR(MAX)
	)`,
	`IF OBJECT_ID('table_relationships', 'U') IS NULL
	CREATE TABLE table_relationships (
		run_id NVARCHAR(64) NOT NULL,
		from_tbl NVARCHAR(128) NOT NULL,
		from_col NVARCHAR(128) NOT NULL,
		to_tbl NVARCHAR(128) NOT NULL,
		to_col NVARCHAR(128) NOT NULL,
		match_rate FLOAT NOT NULL,
		CONSTRAINT uq_table_relationships UNIQUE (run_id, from_tbl, from_col, to_tbl, to_col)
	)`,
	`IF OBJECT_ID('kpi_evaluations', 'U') IS NULL
	CREATE TABLE kpi_evaluations (
		run_id NVARCHAR(64) NOT NULL,
		kpi_id NVARCHAR(128) NOT NULL,
		name NVARCHAR(256),
		category NVARCHAR(128),
		priority INT NOT NULL,
		completeness FLOAT NOT NULL,
		feasible BIT NOT NULL,
		score FLOAT NOT NULL,
		[rank] INT,
		reason NVARCHAR(MAX),
		missing NVARCHAR(MAX),
		CONSTRAINT uq_kpi_evaluations UNIQUE (run_id, kpi_id)
	)`,
	`IF OBJECT_ID('column_mappings', 'U') IS NULL
	CREATE TABLE column_mappings (
		run_id NVARCHAR(64) NOT NULL,
		canonical NVARCHAR(128) NOT NULL,
		dataset_column NVARCHAR(256),
		CONSTRAINT uq_column_mappings UNIQUE (run_id, canonical)
	)`,
	`IF OBJECT_ID('unresolved_columns', 'U') IS NULL
	CREATE TABLE unresolved_columns (
		run_id NVARCHAR(64) NOT NULL,
		dataset_column NVARCHAR(256) NOT NULL
	)`,
}

// EnsureSchema creates result tables. Idempotent; safe on every startup.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql: ensure schema: %w", err)
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

	if _, err := tx.ExecContext(ctx,
		`IF NOT EXISTS (SELECT 1 FROM runs WHERE id = @p1)
		 INSERT INTO runs (id, created_at) VALUES (@p1, @p2)`,
		rec.RunID, rec.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("mssql: insert run: %w", err)
	}

	det := rec.Detection
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO domain_detections (run_id, detected_at, domain, confidence, tier, provenance, breakdown)
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)`,
		rec.RunID, rec.CreatedAt.UTC(), det.Domain, det.Confidence, det.Tier.String(), string(det.Provenance),
		storage.EncodeJSON(det.Top.Breakdown),
	); err != nil {
		return fmt.Errorf("mssql: insert detection: %w", err)
	}

	for _, rel := range rec.Relationships {
		if _, err := tx.ExecContext(ctx,
			`IF NOT EXISTS (SELECT 1 FROM table_relationships
			   WHERE run_id = @p1 AND from_tbl = @p2 AND from_col = @p3 AND to_tbl = @p4 AND to_col = @p5)
			 INSERT INTO table_relationships (run_id, from_tbl, from_col, to_tbl, to_col, match_rate)
			 VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
			rec.RunID, rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn, rel.MatchRate,
		); err != nil {
			return fmt.Errorf("mssql: insert relationship: %w", err)
		}
	}

	evals := make([]kpi.Evaluation, 0, len(rec.Kpis.Feasible)+len(rec.Kpis.Infeasible))
	evals = append(evals, rec.Kpis.Feasible...)
	evals = append(evals, rec.Kpis.Infeasible...)
	for _, ev := range evals {
		if _, err := tx.ExecContext(ctx,
			`IF NOT EXISTS (SELECT 1 FROM kpi_evaluations WHERE run_id = @p1 AND kpi_id = @p2)
			 INSERT INTO kpi_evaluations
			   (run_id, kpi_id, name, category, priority, completeness, feasible, score, [rank], reason, missing)
			 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11)`,
			rec.RunID, ev.Definition.ID, ev.Definition.Name, ev.Definition.Category,
			ev.Definition.Priority, ev.Completeness, ev.Feasible, ev.Score, ev.Rank,
			ev.Reason, storage.EncodeJSON(ev.Missing),
		); err != nil {
			return fmt.Errorf("mssql: insert kpi evaluation: %w", err)
		}
	}

	for canonical, col := range rec.Kpis.Mapping.Canonical {
		if _, err := tx.ExecContext(ctx,
			`IF NOT EXISTS (SELECT 1 FROM column_mappings WHERE run_id = @p1 AND canonical = @p2)
			 INSERT INTO column_mappings (run_id, canonical, dataset_column) VALUES (@p1, @p2, @p3)`,
			rec.RunID, canonical, col,
		); err != nil {
			return fmt.Errorf("mssql: insert mapping: %w", err)
		}
	}
	for _, col := range rec.Kpis.Mapping.Unresolved {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unresolved_columns (run_id, dataset_column) VALUES (@p1, @p2)`,
			rec.RunID, col,
		); err != nil {
			return fmt.Errorf("mssql: insert unresolved: %w", err)
		}
	}

	if err := r.saveFlatView(ctx, tx, rec); err != nil {
		return err
	}

	return tx.Commit()
}

// saveFlatView creates the per-run flat table (all columns nullable text)
// and inserts the materialized rows.
func (r *Repo) saveFlatView(ctx context.Context, tx *sql.Tx, rec storage.RunRecord) error {
	if len(rec.Flat.Columns) == 0 {
		return nil
	}

	table := storage.FlatTableName(rec.RunID)
	sqlCols, _ := storage.FlatColumns(rec.Flat)

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "IF OBJECT_ID('%s', 'U') IS NULL CREATE TABLE %s (", table, quoteIdent(table))
	for i, c := range sqlCols {
		if i > 0 {
			ddl.WriteString(", ")
		}
		ddl.WriteString(quoteIdent(c))
		ddl.WriteString(" NVARCHAR(MAX)")
	}
	ddl.WriteString(")")
	if _, err := tx.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("mssql: create flat view %s: %w", table, err)
	}

	var ins strings.Builder
	ins.WriteString("INSERT INTO ")
	ins.WriteString(quoteIdent(table))
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
		fmt.Fprintf(&ins, "@p%d", i+1)
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
			return fmt.Errorf("mssql: insert flat row: %w", err)
		}
	}
	return nil
}

// OverrideDomain inserts a superseding user-selected detection row.
func (r *Repo) OverrideDomain(ctx context.Context, runID, domain string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO domain_detections (run_id, detected_at, domain, confidence, tier, provenance, breakdown)
		 VALUES (@p1, @p2, @p3, 100, 'AUTO', 'user_selected', '{}')`,
		runID, at.UTC(), domain,
	)
	if err != nil {
		return fmt.Errorf("mssql: override domain: %w", err)
	}
	return nil
}

func quoteIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}
