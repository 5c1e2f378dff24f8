package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/sparkify-lake/internal/fingerprint"
	"github.com/leapstack-labs/sparkify-lake/internal/state"
	"github.com/leapstack-labs/sparkify-lake/internal/transform"
	"github.com/leapstack-labs/sparkify-lake/internal/writer"
)

// errSkipped marks tables whose write never started.
var errSkipped = errors.New("skipped: another table failed to write")

// writeTables fingerprints and writes every built table. Tables already
// written stay in place when another write fails.
func (e *Engine) writeTables(ctx context.Context, runID string, c *collector) error {
	w, err := writer.New(e.db, e.stores, writer.Config{
		Compression: e.compression,
		RunID:       runID,
		Logger:      e.logger,
	})
	if err != nil {
		return err
	}

	defer func() {
		store, err := e.stores.For(e.output)
		if err != nil {
			return
		}
		if err := store.Release(context.WithoutCancel(ctx), e.output, runID); err != nil {
			e.logger.Warn("failed to release staging area", "run_id", runID, "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, m := range e.models {
		g.Go(func() error {
			return e.writeTable(gctx, w, runID, m, c)
		})
	}
	return g.Wait()
}

func (e *Engine) writeTable(ctx context.Context, w *writer.Writer, runID string, m transform.Model, c *collector) error {
	start := time.Now()
	loc := e.output.Join(m.Output)
	tr := TableResult{Table: m.Name, Location: loc.String()}

	finish := func(err error) error {
		tr.Duration = time.Since(start)
		status := state.TableStatusSuccess
		if err != nil {
			status = state.TableStatusFailed
			tr.Error = err.Error()
		}
		record := &state.TableRun{
			RunID:       runID,
			Table:       tr.Table,
			Location:    tr.Location,
			Status:      status,
			Rows:        tr.Rows,
			Fingerprint: tr.Fingerprint,
			DurationMS:  tr.Duration.Milliseconds(),
			Error:       tr.Error,
		}
		if recErr := e.store.RecordTableRun(context.WithoutCancel(ctx), record); recErr != nil {
			e.logger.Warn("failed to record table run", "table", tr.Table, "error", recErr)
		}
		e.metrics.Step("write."+m.Name, err, tr.Duration)
		c.addTable(tr)
		return err
	}

	if err := ctx.Err(); err != nil {
		return finish(errors.Join(errSkipped, err))
	}

	fp, err := fingerprint.Table(ctx, e.db, m.Name, m.Volatile...)
	if err != nil {
		e.logger.Warn("failed to fingerprint table", "table", m.Name, "error", err)
	} else {
		tr.Fingerprint = fp.Hash
		prev, err := e.store.LastFingerprint(ctx, m.Name, tr.Location, runID)
		if err != nil {
			e.logger.Warn("failed to read previous fingerprint", "table", m.Name, "error", err)
		}
		tr.Unchanged = prev != "" && prev == fp.Hash
	}

	res, err := w.Write(ctx, writer.Table{
		Relation:    m.Name,
		Output:      loc,
		Columns:     m.Columns,
		PartitionBy: m.PartitionBy,
	})
	if err != nil {
		return finish(err)
	}

	tr.Rows = res.Rows
	e.metrics.Rows(m.Name, res.Rows)
	e.logger.Info("table written", "table", m.Name, "location", res.Location, "rows", res.Rows, "unchanged", tr.Unchanged)
	return finish(nil)
}
