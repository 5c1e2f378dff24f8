package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/leapstack-labs/sparkify-lake/internal/cli/output"
	"github.com/leapstack-labs/sparkify-lake/internal/state"
	"github.com/spf13/cobra"
)

// DefaultHistoryLimit is the number of runs history lists by default.
const DefaultHistoryLimit = 20

// RunDetail is the ledger content of one run.
type RunDetail struct {
	Run    *state.Run          `json:"run"`
	Tables []*state.TableRun   `json:"tables"`
	Checks []state.CheckResult `json:"checks"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List the most recent runs from the state ledger, or show the tables
written and the checks evaluated by one run.

A table whose fingerprint matches its previous write is reported as unchanged.`,
		Example: `  # List recent runs
  sparkify history

  # Show the last 5 runs as JSON
  sparkify history --limit 5 --format json

  # Show one run in detail
  sparkify history 6f1c2d9e-8f0a-4c59-9d8e-2b3f4a5b6c7d`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) > 0 {
				runID = args[0]
			}
			return runHistory(cmd, runID, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", DefaultHistoryLimit, "Maximum number of runs to list")

	return cmd
}

func runHistory(cmd *cobra.Command, runID string, limit int) error {
	cmdCtx := NewCommandContextWithoutEngine(cmd)
	r := cmdCtx.Renderer
	ctx := cmd.Context()

	if _, err := os.Stat(cmdCtx.Cfg.StatePath); errors.Is(err, os.ErrNotExist) {
		if runID != "" {
			return fmt.Errorf("run not found: %s", runID)
		}
		if r.EffectiveMode() == output.ModeJSON {
			return r.JSON([]*state.Run{})
		}
		r.Println("No runs recorded yet.")
		return nil
	}

	store := state.NewSQLiteStore(cmdCtx.Logger)
	if err := store.Open(cmdCtx.Cfg.StatePath); err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate state store: %w", err)
	}

	if runID != "" {
		detail, err := loadRunDetail(ctx, store, runID)
		if err != nil {
			return err
		}
		return renderRunDetail(r, detail)
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	return renderRuns(r, runs)
}

func loadRunDetail(ctx context.Context, store state.Store, runID string) (*RunDetail, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tables, err := store.ListTableRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	checks, err := store.ListCheckResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Tables: tables, Checks: checks}, nil
}

func renderRuns(r *output.Renderer, runs []*state.Run) error {
	if r.EffectiveMode() == output.ModeJSON {
		if runs == nil {
			runs = []*state.Run{}
		}
		return r.JSON(runs)
	}

	if len(runs) == 0 {
		r.Println("No runs recorded yet.")
		return nil
	}

	r.Header(1, fmt.Sprintf("Runs (%d)", len(runs)))

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			run.Environment,
			string(run.Status),
			run.StartedAt.Local().Format(time.DateTime),
			formatRunDuration(run),
			run.OutputPath,
		})
	}
	r.Table([]string{"Run", "Environment", "Status", "Started", "Duration", "Output"}, rows)
	return nil
}

func renderRunDetail(r *output.Renderer, d *RunDetail) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(d)
	}

	r.Header(1, "Run "+d.Run.ID)

	r.Println(output.FormatKeyValue("Environment", d.Run.Environment))
	r.Println(output.FormatKeyValue("Status", string(d.Run.Status)))
	r.Println(output.FormatKeyValue("Started", d.Run.StartedAt.Local().Format(time.DateTime)))
	r.Println(output.FormatKeyValue("Duration", formatRunDuration(d.Run)))
	r.Println(output.FormatKeyValue("Input", d.Run.InputPath))
	r.Println(output.FormatKeyValue("Output", d.Run.OutputPath))
	if d.Run.Error != "" {
		r.Println(output.FormatKeyValue("Error", d.Run.Error))
	}
	r.Println("")

	if len(d.Tables) > 0 {
		r.Header(2, "Tables")
		rows := make([][]string, 0, len(d.Tables))
		for _, t := range d.Tables {
			detail := shortFingerprint(t.Fingerprint)
			if t.Error != "" {
				detail = t.Error
			}
			rows = append(rows, []string{
				t.Table,
				string(t.Status),
				strconv.FormatInt(t.Rows, 10),
				detail,
				(time.Duration(t.DurationMS) * time.Millisecond).String(),
				t.Location,
			})
		}
		r.Table([]string{"Table", "Status", "Rows", "Fingerprint", "Duration", "Location"}, rows)
		r.Println("")
	}

	if len(d.Checks) > 0 {
		r.Header(2, "Checks")
		for _, c := range d.Checks {
			r.StatusLine(c.Name, checkStatus(c.Passed), checkDetail(c.Violations, c.Error))
		}
	}
	return nil
}

func formatRunDuration(run *state.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.Duration().Round(time.Millisecond).String()
}
