package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/sparkify-lake/internal/cli/output"
	"github.com/leapstack-labs/sparkify-lake/internal/engine"
	"github.com/leapstack-labs/sparkify-lake/internal/source"
	"github.com/leapstack-labs/sparkify-lake/internal/state"
	"github.com/leapstack-labs/sparkify-lake/internal/transform"
	"github.com/spf13/cobra"
)

// RunOptions holds options for the run command.
type RunOptions struct {
	Tables     []string
	SkipChecks bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the warehouse tables",
		Long: `Read the song catalog and event logs, build the five warehouse tables,
check them and write them as Parquet under the output location.

Each table directory is replaced as a whole. Every run is recorded in the
state ledger together with the row count and content fingerprint of each
table; see 'sparkify history'.`,
		Example: `  # Run with the paths from sparkify.yaml
  sparkify run

  # Run against explicit locations
  sparkify run --input s3://udacity-dend --output s3://sparkify-lake/out

  # Rebuild only the songs and artists tables
  sparkify run --tables songs,artists

  # Use the prod environment from sparkify.yaml and fail on bad data
  sparkify run -t prod --fail-on-check

  # Emit the run summary as JSON for CI
  sparkify run --format json`,
		Aliases: []string{"build"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Tables, "tables", nil, "Comma-separated list of tables to build (default: all)")
	cmd.Flags().BoolVar(&opts.SkipChecks, "skip-checks", false, "Skip the data-quality checks")
	cmd.Flags().Int("threads", 0, "DuckDB worker threads (default: DuckDB decides)")
	cmd.Flags().String("max-memory", "", "DuckDB memory limit, e.g. 4GB")
	cmd.Flags().Int("parallelism", 0, "Maximum tables built or written at once")
	cmd.Flags().String("compression", "", "Parquet compression codec")
	cmd.Flags().Float64("tolerance", 0, "Allowed difference between event length and song duration")
	cmd.Flags().Bool("fail-on-check", false, "Fail the run before writing when a check does not pass")
	cmd.Flags().String("pushgateway", "", "Prometheus Pushgateway URL for run metrics")

	_ = cmd.RegisterFlagCompletionFunc("tables", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return transform.TableNames(), cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd, func(c *engine.Config) {
		c.Tables = opts.Tables
		if opts.SkipChecks {
			c.SkipChecks = true
		}
	})
	if err != nil {
		return err
	}
	defer cleanup()

	r := cmdCtx.Renderer
	result, runErr := cmdCtx.Engine.Run(cmd.Context())
	if result != nil {
		if err := renderRunResult(r, result); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

func renderRunResult(r *output.Renderer, res *engine.Result) error {
	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(res)
	case output.ModeMarkdown:
		renderRunMarkdown(r, res)
	default:
		renderRunText(r, res)
	}
	return nil
}

func renderRunText(r *output.Renderer, res *engine.Result) {
	r.Header(1, fmt.Sprintf("Run %s", res.Run.ID))
	for _, s := range res.Sources {
		r.StatusLine("read "+s.Relation, "success", sourceDetail(s))
	}
	r.Println("")

	if len(res.Tables) > 0 {
		r.Table([]string{"Table", "Status", "Rows", "Fingerprint", "Duration", "Location"}, tableRows(res.Tables))
	}

	if len(res.Checks) > 0 {
		r.Println("")
		r.Header(2, "Checks")
		for _, c := range res.Checks {
			r.StatusLine(c.Name, checkStatus(c.Passed), checkDetail(c.Violations, c.Error))
		}
	}

	r.Println("")
	renderRunStatus(r, res.Run)
}

func renderRunMarkdown(r *output.Renderer, res *engine.Result) {
	r.Println(output.FormatHeader(1, "Run "+res.Run.ID))
	r.Println("")
	r.Println(output.FormatKeyValue("Environment", res.Run.Environment))
	r.Println(output.FormatKeyValue("Input", res.Run.InputPath))
	r.Println(output.FormatKeyValue("Output", res.Run.OutputPath))
	r.Println(output.FormatKeyValue("Status", string(res.Run.Status)))
	if d := res.Run.Duration(); d > 0 {
		r.Println(output.FormatKeyValue("Duration", d.Round(time.Millisecond).String()))
	}
	if res.Run.Error != "" {
		r.Println(output.FormatKeyValue("Error", res.Run.Error))
	}
	r.Println("")

	if len(res.Sources) > 0 {
		r.Println(output.FormatHeader(2, "Sources"))
		r.Println("")
		for _, s := range res.Sources {
			r.StatusLine(s.Relation, "success", sourceDetail(s))
		}
		r.Println("")
	}

	if len(res.Tables) > 0 {
		r.Println(output.FormatHeader(2, "Tables"))
		r.Println("")
		r.Table([]string{"Table", "Status", "Rows", "Fingerprint", "Duration", "Location"}, tableRows(res.Tables))
		r.Println("")
	}

	if len(res.Checks) > 0 {
		r.Println(output.FormatHeader(2, "Checks"))
		r.Println("")
		for _, c := range res.Checks {
			r.StatusLine(c.Name, checkStatus(c.Passed), checkDetail(c.Violations, c.Error))
		}
	}
}

func renderRunStatus(r *output.Renderer, run *state.Run) {
	elapsed := run.Duration().Round(time.Millisecond)
	if run.Status == state.RunStatusCompleted {
		r.Success(fmt.Sprintf("Run completed in %s", elapsed))
		return
	}
	r.Println(fmt.Sprintf("Run %s after %s", run.Status, elapsed))
}

func tableRows(tables []engine.TableResult) [][]string {
	rows := make([][]string, 0, len(tables))
	for _, t := range tables {
		status := string(state.TableStatusSuccess)
		switch {
		case t.Error != "":
			status = string(state.TableStatusFailed)
		case t.Unchanged:
			status = "unchanged"
		}
		rows = append(rows, []string{
			t.Table,
			status,
			strconv.FormatInt(t.Rows, 10),
			shortFingerprint(t.Fingerprint),
			t.Duration.Round(time.Millisecond).String(),
			t.Location,
		})
	}
	return rows
}

func sourceDetail(s source.LoadResult) string {
	detail := fmt.Sprintf("%d rows from %d files", s.Rows, s.Files)
	if s.InvalidValues > 0 {
		detail += fmt.Sprintf(", %d invalid values", s.InvalidValues)
	}
	return detail
}

func checkStatus(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

func checkDetail(violations int64, errMsg string) string {
	if errMsg != "" {
		return errMsg
	}
	if violations == 0 {
		return ""
	}
	return fmt.Sprintf("%d violations", violations)
}

// shortFingerprint abbreviates a fingerprint for display.
func shortFingerprint(fp string) string {
	const n = 12
	fp = strings.TrimSpace(fp)
	if len(fp) <= n {
		return fp
	}
	return fp[:n]
}
