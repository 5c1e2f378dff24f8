// Package state provides the run ledger: one row per run, one row per
// table written, and the data-quality results, stored in SQLite.
package state

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TableStatus is the outcome of writing one table.
type TableStatus string

// Table statuses.
const (
	TableStatusSuccess TableStatus = "success"
	TableStatusFailed  TableStatus = "failed"
)

// Run is one execution of the pipeline.
type Run struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Duration returns the run's wall time, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// TableRun records the write of one table within a run.
type TableRun struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	Table       string      `json:"table"`
	Location    string      `json:"location"`
	Status      TableStatus `json:"status"`
	Rows        int64       `json:"rows"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	DurationMS  int64       `json:"duration_ms"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CheckResult records one data-quality check outcome within a run.
type CheckResult struct {
	RunID      string `json:"run_id"`
	Name       string `json:"name"`
	Table      string `json:"table"`
	Violations int64  `json:"violations"`
	Passed     bool   `json:"passed"`
	Error      string `json:"error,omitempty"`
}

// Store is the run ledger.
type Store interface {
	Open(path string) error
	Close() error
	Migrate() error

	CreateRun(ctx context.Context, env, inputPath, outputPath string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	RecordTableRun(ctx context.Context, tr *TableRun) error
	ListTableRuns(ctx context.Context, runID string) ([]*TableRun, error)
	// LastFingerprint returns the fingerprint of the most recent successful
	// write of table at location by a run other than excludeRunID, or "".
	LastFingerprint(ctx context.Context, table, location, excludeRunID string) (string, error)

	RecordCheckResults(ctx context.Context, runID string, results []CheckResult) error
	ListCheckResults(ctx context.Context, runID string) ([]CheckResult, error)
}
