// Package metrics defines the minimal metrics surface the pipeline emits
// to, plus a process-wide backend registration point.
//
// Design goals (intentionally opinionated):
//   - Pipeline code depends only on this package, never on a vendor SDK.
//   - The default backend is a nop, so metrics are strictly optional.
//   - Backends buffer internally; Flush is the delivery point.
package metrics

import "sync"

// Labels are free-form metric labels (tag key -> value).
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use; pipeline goroutines may
// record at any time while a flush loop drains.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names emitted by the pipeline. Backends may ignore names they do
// not recognize.
const (
	StageTotal           = "datalens_stage_total"
	StageDurationSeconds = "datalens_stage_duration_seconds"
	TablesIngested       = "datalens_tables_ingested_total"
	RelationshipsValid   = "datalens_relationships_valid_total"
	KpisFeasible         = "datalens_kpis_feasible_total"
)

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Passing nil restores the
// nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter records a counter delta on the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records a histogram sample on the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush delivers buffered metrics on the current backend.
func Flush() error {
	return current().Flush()
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)        {}
func (nopBackend) ObserveHistogram(string, float64, Labels)  {}
func (nopBackend) Flush() error                              { return nil }
