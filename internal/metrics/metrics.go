// Package metrics records operational metrics of pipeline runs behind a
// pluggable Backend.
//
// The engine depends only on Recorder. Concrete metric systems live in
// subpackages (see prompush) and are selected by the CLI from configuration.
// A nil backend falls back to Nop so recording is always safe.
package metrics

import (
	"context"
	"time"
)

// Metric names understood by backends.
const (
	StepTotal           = "sparkify_step_total"
	StepDurationSeconds = "sparkify_step_duration_seconds"
	TableRows           = "sparkify_table_rows"
	LastSuccessSeconds  = "sparkify_last_success_timestamp_seconds"
)

// Step status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// SetGauge sets the current value of a gauge.
	SetGauge(name string, value float64, labels Labels)
	// Flush pushes collected metrics, if the backend needs it.
	Flush(ctx context.Context) error
}

// Nop discards every metric.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) SetGauge(string, float64, Labels)         {}
func (Nop) Flush(context.Context) error              { return nil }

// Recorder translates pipeline events into backend metrics.
type Recorder struct {
	backend Backend
}

// NewRecorder wraps b. A nil backend records nothing.
func NewRecorder(b Backend) *Recorder {
	if b == nil {
		b = Nop{}
	}
	return &Recorder{backend: b}
}

// Step records the outcome and latency of one pipeline step,
// e.g. "read.raw_songs", "build.songs", "write.songs" or "run".
func (r *Recorder) Step(step string, err error, d time.Duration) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	lbls := Labels{"step": step, "status": status}
	r.backend.IncCounter(StepTotal, 1, lbls)
	r.backend.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// Rows records the row count written for an output table.
func (r *Recorder) Rows(table string, rows int64) {
	if rows < 0 {
		return
	}
	r.backend.SetGauge(TableRows, float64(rows), Labels{"table": table})
}

// Succeeded records the completion time of a successful run.
func (r *Recorder) Succeeded(at time.Time) {
	r.backend.SetGauge(LastSuccessSeconds, float64(at.Unix()), nil)
}

// Flush delegates to the backend.
func (r *Recorder) Flush(ctx context.Context) error {
	return r.backend.Flush(ctx)
}
