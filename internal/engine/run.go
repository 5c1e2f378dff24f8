package engine

// run.go - Execution orchestration for a pipeline run

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/sparkify-lake/internal/etlerr"
	"github.com/leapstack-labs/sparkify-lake/internal/quality"
	"github.com/leapstack-labs/sparkify-lake/internal/source"
	"github.com/leapstack-labs/sparkify-lake/internal/state"
	"github.com/leapstack-labs/sparkify-lake/internal/transform"
)

// TableResult is the outcome of building and writing one table. Unchanged
// is true when the previous successful write of the same table and location
// had the same fingerprint.
type TableResult struct {
	Table       string        `json:"table"`
	Location    string        `json:"location"`
	Rows        int64         `json:"rows"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Unchanged   bool          `json:"unchanged"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Result summarizes a run.
type Result struct {
	Run     *state.Run          `json:"run"`
	Sources []source.LoadResult `json:"sources"`
	Tables  []TableResult       `json:"tables"`
	Checks  []quality.Result    `json:"checks,omitempty"`
}

// collector gathers step results from concurrent goroutines.
type collector struct {
	mu     sync.Mutex
	result *Result
}

func (c *collector) addSource(r *source.LoadResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Sources = append(c.result.Sources, *r)
}

func (c *collector) addTable(t TableResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Tables = append(c.result.Tables, t)
}

// Run executes one full pipeline run: read, build, check, write. The run
// and its per-table outcomes are recorded in the state ledger whether or
// not it succeeds; the returned Result is non-nil whenever the run was
// created.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.logger.Info("starting run", "environment", e.environment, "input", e.input.String(), "output", e.output.String())
	start := time.Now()

	run, err := e.store.CreateRun(ctx, e.environment, e.input.String(), e.output.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.logger.Debug("created run", "run_id", run.ID)

	c := &collector{result: &Result{Run: run}}
	runErr := e.execute(ctx, run.ID, c)

	// the ledger and metrics are written even when ctx was cancelled
	final := context.WithoutCancel(ctx)

	status, errMsg := state.RunStatusCompleted, ""
	if runErr != nil {
		status, errMsg = state.RunStatusFailed, runErr.Error()
		e.logger.Info("run failed", "run_id", run.ID, "error", errMsg)
	} else {
		e.logger.Info("run completed", "run_id", run.ID, "duration", time.Since(start).Round(time.Millisecond))
	}
	if err := e.store.CompleteRun(final, run.ID, status, errMsg); err != nil {
		e.logger.Warn("failed to complete run", "run_id", run.ID, "error", err)
	}

	e.metrics.Step("run", runErr, time.Since(start))
	if runErr == nil {
		e.metrics.Succeeded(time.Now())
	}
	if err := e.metrics.Flush(final); err != nil {
		e.logger.Warn("failed to push metrics", "error", err)
	}

	if stored, err := e.store.GetRun(final, run.ID); err == nil {
		c.result.Run = stored
	}
	sort.Slice(c.result.Sources, func(i, j int) bool { return c.result.Sources[i].Relation < c.result.Sources[j].Relation })
	sort.Slice(c.result.Tables, func(i, j int) bool { return c.result.Tables[i].Table < c.result.Tables[j].Table })

	return c.result, runErr
}

func (e *Engine) execute(ctx context.Context, runID string, c *collector) error {
	if err := e.ensureDBConnected(ctx); err != nil {
		return err
	}

	levels, err := e.graph.Levels()
	if err != nil {
		return err
	}

	for i, level := range levels {
		e.logger.Debug("executing level", "level", i, "steps", level)
		if err := e.executeLevel(ctx, level, c); err != nil {
			return err
		}
	}

	if !e.skipChecks {
		if err := e.check(ctx, runID, c); err != nil {
			return err
		}
	}

	return e.writeTables(ctx, runID, c)
}

// executeLevel runs the steps of one level concurrently. The first error
// cancels the remaining steps of the level.
func (e *Engine) executeLevel(ctx context.Context, level []string, c *collector) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for _, id := range level {
		node, ok := e.graph.Node(id)
		if !ok {
			return fmt.Errorf("unknown step %q", id)
		}
		s := node.Data
		g.Go(func() error {
			switch s.kind {
			case StepSource:
				return e.loadSource(gctx, id, s, c)
			default:
				return e.buildModel(gctx, s.model)
			}
		})
	}
	return g.Wait()
}

func (e *Engine) loadSource(ctx context.Context, name string, s step, c *collector) error {
	start := time.Now()
	res, err := s.load(ctx, e.db)
	e.metrics.Step("read."+name, err, time.Since(start))
	if err != nil {
		return err
	}

	e.logger.Info("loaded input", "relation", res.Relation, "files", res.Files, "rows", res.Rows)
	c.addSource(res)
	return nil
}

func (e *Engine) buildModel(ctx context.Context, m transform.Model) error {
	start := time.Now()
	rows, err := transform.Build(ctx, e.db, m)
	e.metrics.Step("build."+m.Name, err, time.Since(start))
	if err != nil {
		return err
	}

	e.logger.Debug("model built", "model", m.Name, "rows", rows, "exec_ms", time.Since(start).Milliseconds())
	return nil
}

// check evaluates the data-quality checks of the built tables and records
// the results. With failOnCheck, a failed check stops the run before any
// table is written.
func (e *Engine) check(ctx context.Context, runID string, c *collector) error {
	start := time.Now()

	checker := quality.NewChecker(e.db, e.logger)
	checker.Restrict(e.modelNames())

	results, err := checker.Run(ctx)
	if err != nil {
		e.metrics.Step("check", err, time.Since(start))
		return err
	}
	c.result.Checks = results

	records := make([]state.CheckResult, 0, len(results))
	for _, r := range results {
		records = append(records, state.CheckResult{
			Name:       r.Name,
			Table:      r.Table,
			Violations: r.Violations,
			Passed:     r.Passed,
			Error:      r.Error,
		})
	}
	if err := e.store.RecordCheckResults(ctx, runID, records); err != nil {
		e.logger.Warn("failed to record check results", "run_id", runID, "error", err)
	}

	var checkErr error
	if failed := quality.Failed(results); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, r := range failed {
			names[i] = r.Name
		}
		e.logger.Warn("quality checks failed", "checks", names)
		if e.failOnCheck {
			checkErr = etlerr.New(etlerr.QualityFailure, failed[0].Table, "",
				fmt.Errorf("%d check(s) failed: %s", len(failed), strings.Join(names, ", ")))
		}
	}
	e.metrics.Step("check", checkErr, time.Since(start))
	return checkErr
}

func (e *Engine) modelNames() []string {
	names := make([]string, len(e.models))
	for i, m := range e.models {
		names[i] = m.Name
	}
	return names
}
