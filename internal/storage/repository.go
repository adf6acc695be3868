// Package storage persists pipeline results: domain detections, validated
// relationships, KPI evaluations, and the materialized flat view.
//
// Backends register themselves by kind; the pipeline depends only on the
// Repository interface. Each backend implements the same semantics in its
// own dialect (Postgres ON CONFLICT, SQLite OR IGNORE, MSSQL MERGE-free
// inserts).
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"datalens/internal/classify"
	"datalens/internal/kpi"
	"datalens/internal/materialize"
	"datalens/internal/relate"
)

// Config is the minimal configuration needed to create a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// RunRecord is one pipeline invocation's durable output, keyed by RunID.
type RunRecord struct {
	RunID     string
	CreatedAt time.Time

	Detection     classify.Detection
	Relationships []relate.Relationship
	Flat          materialize.FlatRelation
	Kpis          kpi.Result
}

// Repository is a backend-agnostic interface for persisting run results.
//
// IMPORTANT: This interface is intentionally minimal and focused on what
// the pipeline needs. Reading results back for presentation is a separate
// concern owned by downstream consumers.
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// EnsureSchema creates result tables as needed (create-if-not-exists
	// semantics, safe to call on every startup).
	EnsureSchema(ctx context.Context) error

	// SaveRun persists one run atomically: the detection, every valid
	// relationship, every KPI evaluation, the canonical mapping, and the
	// flat view (a per-run table with TEXT nullable columns).
	SaveRun(ctx context.Context, rec RunRecord) error

	// OverrideDomain records a user domain pick for an existing run by
	// inserting a superseding detection row (confidence 100, tier AUTO,
	// provenance user_selected). The original detection row is kept.
	OverrideDomain(ctx context.Context, runID, domain string, at time.Time) error
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Failing
//     fast avoids ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register; New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported, or whatever
//     error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
