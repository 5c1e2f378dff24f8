package commands

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/leapstack-labs/sparkify-lake/internal/cli/config"
	clitest "github.com/leapstack-labs/sparkify-lake/internal/cli/testutil"
	"github.com/leapstack-labs/sparkify-lake/internal/engine"
	"github.com/leapstack-labs/sparkify-lake/internal/etlerr"
	"github.com/leapstack-labs/sparkify-lake/internal/quality"
	"github.com/leapstack-labs/sparkify-lake/internal/source"
	"github.com/leapstack-labs/sparkify-lake/internal/state"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs cmd with args against a freshly loaded configuration
// and returns what it wrote to stdout. Usage and error printing are
// silenced as under the root command.
func executeCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	config.ResetConfig()
	t.Cleanup(config.ResetConfig)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandMetadata(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *cobra.Command
		use     string
		aliases []string
		flags   []string
	}{
		{
			name:    "run",
			cmd:     NewRunCommand(),
			use:     "run",
			aliases: []string{"build"},
			flags: []string{"tables", "skip-checks", "threads", "max-memory", "parallelism",
				"compression", "tolerance", "fail-on-check", "pushgateway"},
		},
		{
			name:    "plan",
			cmd:     NewPlanCommand(),
			use:     "plan",
			aliases: []string{"dag"},
			flags:   []string{"tables"},
		},
		{
			name:  "history",
			cmd:   NewHistoryCommand(),
			use:   "history [run-id]",
			flags: []string{"limit"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.use, tt.cmd.Use)
			assert.NotEmpty(t, tt.cmd.Short, "Short should not be empty")
			assert.NotEmpty(t, tt.cmd.Example, "Example should not be empty")
			assert.Equal(t, tt.aliases, tt.cmd.Aliases)
			for _, flag := range tt.flags {
				assert.NotNil(t, tt.cmd.Flags().Lookup(flag), "flag %q should exist", flag)
			}
		})
	}
}

func TestRunCommand_JSON(t *testing.T) {
	dir := clitest.SetupTestProject(t, "format: json\n")

	out, err := executeCommand(t, NewRunCommand())
	require.NoError(t, err)

	var res engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Run)
	assert.Equal(t, state.RunStatusCompleted, res.Run.Status)
	assert.Equal(t, "dev", res.Run.Environment)
	assert.Len(t, res.Sources, 2)
	require.Len(t, res.Tables, 5)
	assert.NotEmpty(t, res.Checks)
	for _, tbl := range res.Tables {
		assert.Empty(t, tbl.Error, tbl.Table)
		assert.DirExists(t, filepath.Join(dir, "lake", tbl.Table+"_table"))
	}
	assert.FileExists(t, filepath.Join(dir, ".sparkify", "state.db"))

	// history lists the run, and shows it in detail
	out, err = executeCommand(t, NewHistoryCommand())
	require.NoError(t, err)
	var runs []state.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, res.Run.ID, runs[0].ID)

	out, err = executeCommand(t, NewHistoryCommand(), res.Run.ID)
	require.NoError(t, err)
	var detail RunDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, res.Run.ID, detail.Run.ID)
	assert.Len(t, detail.Tables, 5)
	require.NotEmpty(t, detail.Checks)
	for _, c := range detail.Checks {
		assert.True(t, c.Passed, c.Name)
	}

	// rebuilding one table reports it unchanged
	out, err = executeCommand(t, NewRunCommand(), "--tables", "songs")
	require.NoError(t, err)
	var rerun engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &rerun))
	require.Len(t, rerun.Tables, 1)
	assert.Equal(t, "songs", rerun.Tables[0].Table)
	assert.True(t, rerun.Tables[0].Unchanged)

	out, err = executeCommand(t, NewHistoryCommand(), "--limit", "1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, rerun.Run.ID, runs[0].ID)
}

func TestRunCommand_Markdown(t *testing.T) {
	clitest.SetupTestProject(t, "format: markdown\n")

	out, err := executeCommand(t, NewRunCommand(), "--skip-checks")
	require.NoError(t, err)

	clitest.AssertNoANSI(t, out)
	clitest.AssertValidMarkdown(t, out)
	assert.Contains(t, out, "# Run ")
	assert.Contains(t, out, "- **Status**: completed")
	assert.Contains(t, out, "## Tables")
	assert.Contains(t, out, "| songplays |")
	assert.NotContains(t, out, "## Checks")
}

func TestRunCommand_Failures(t *testing.T) {
	t.Run("missing catalog", func(t *testing.T) {
		clitest.SetupProjectWithInput(t, t.TempDir(), "format: json\n")

		out, err := executeCommand(t, NewRunCommand())
		require.Error(t, err)
		assert.ErrorContains(t, err, "run failed")
		assert.True(t, errors.Is(err, etlerr.InputUnavailable))
		assert.NotContains(t, out, "Usage:")

		var res engine.Result
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, state.RunStatusFailed, res.Run.Status)
	})

	t.Run("no input configured", func(t *testing.T) {
		clitest.SetupProjectWithInput(t, "", "")

		_, err := executeCommand(t, NewRunCommand())
		assert.ErrorContains(t, err, "input is required")
	})

	t.Run("unknown table", func(t *testing.T) {
		clitest.SetupTestProject(t, "")

		_, err := executeCommand(t, NewRunCommand(), "--tables", "plays")
		assert.ErrorContains(t, err, `unknown table "plays"`)
	})
}

func TestPlanCommand(t *testing.T) {
	t.Run("markdown", func(t *testing.T) {
		clitest.SetupTestProject(t, "format: markdown\n")

		out, err := executeCommand(t, NewPlanCommand())
		require.NoError(t, err)

		clitest.AssertValidMarkdown(t, out)
		assert.Contains(t, out, "# Pipeline Plan")
		assert.Contains(t, out, "## Level 0")
		assert.Contains(t, out, "## Level 1")
		assert.Contains(t, out, "**"+source.RawSongs+"**")
		assert.Contains(t, out, "songplays_table")
		assert.Contains(t, out, "partitioned by year, month")
		assert.Contains(t, out, "- **Steps**: 7")
	})

	t.Run("json with tables", func(t *testing.T) {
		clitest.SetupTestProject(t, "format: json\n")

		out, err := executeCommand(t, NewPlanCommand(), "--tables", "songs")
		require.NoError(t, err)

		var plan engine.Plan
		require.NoError(t, json.Unmarshal([]byte(out), &plan))
		assert.Equal(t, [][]string{{source.RawSongs}, {"songs"}}, plan.Levels)
		require.Len(t, plan.Steps, 2)
		assert.Equal(t, engine.StepModel, plan.Steps[1].Kind)
	})
}

func TestHistoryCommand_NoRuns(t *testing.T) {
	clitest.SetupTestProject(t, "format: markdown\n")

	out, err := executeCommand(t, NewHistoryCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded yet.")

	_, err = executeCommand(t, NewHistoryCommand(), "missing-run")
	assert.ErrorContains(t, err, "run not found")
}

func sampleResult(status state.RunStatus) *engine.Result {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)
	return &engine.Result{
		Run: &state.Run{
			ID: "run-1", Environment: "dev", InputPath: "/in", OutputPath: "/out",
			Status: status, StartedAt: started, CompletedAt: &completed,
		},
		Sources: []source.LoadResult{{Relation: source.RawSongs, Location: "/in/song_data", Files: 3, Rows: 3}},
		Tables: []engine.TableResult{
			{Table: "songs", Location: "/out/songs_table", Rows: 2, Fingerprint: "0123456789abcdef0123", Unchanged: true},
			{Table: "time", Location: "/out/time_table", Error: "disk full"},
		},
		Checks: []quality.Result{
			{Name: "songs_distinct", Table: "songs", Passed: true},
			{Name: "time_parts", Table: "time", Violations: 2},
		},
	}
}

func TestRenderRunResult_Text(t *testing.T) {
	tr := clitest.NewTestRendererText()
	require.NoError(t, renderRunResult(tr.Renderer, sampleResult(state.RunStatusCompleted)))

	got := clitest.StripANSI(tr.Output())
	assert.Contains(t, got, "Run run-1")
	assert.Contains(t, got, "read raw_songs  3 rows from 3 files")
	assert.Contains(t, got, "unchanged")
	assert.Contains(t, got, "0123456789ab")
	assert.NotContains(t, got, "0123456789abcdef")
	assert.Contains(t, got, "failed")
	assert.Contains(t, got, "time_parts  2 violations")
	assert.Contains(t, got, "Run completed in 1.5s")

	tr.Reset()
	require.NoError(t, renderRunResult(tr.Renderer, sampleResult(state.RunStatusFailed)))
	got = clitest.StripANSI(tr.Output())
	assert.Contains(t, got, "Run failed after 1.5s")
	assert.NotContains(t, got, "Run completed")
}

func TestRenderRunResult_Modes(t *testing.T) {
	tr := clitest.NewTestRendererAuto()
	require.NoError(t, renderRunResult(tr.Renderer, sampleResult(state.RunStatusCompleted)))
	clitest.AssertOutputMode(t, tr, "markdown")
	assert.Contains(t, tr.Output(), "- **Duration**: 1.5s")

	tr = clitest.NewTestRendererJSON()
	require.NoError(t, renderRunResult(tr.Renderer, sampleResult(state.RunStatusCompleted)))
	clitest.AssertOutputMode(t, tr, "json")
	var res engine.Result
	require.NoError(t, json.Unmarshal(tr.Out.Bytes(), &res))
	assert.Equal(t, "run-1", res.Run.ID)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortFingerprint("0123456789abcdef"))
	assert.Equal(t, "abc", shortFingerprint("abc"))
	assert.Equal(t, "", shortFingerprint(""))

	assert.Equal(t, "", checkDetail(0, ""))
	assert.Equal(t, "3 violations", checkDetail(3, ""))
	assert.Equal(t, "no such table", checkDetail(0, "no such table"))

	assert.Equal(t, "3 rows from 1 files", sourceDetail(source.LoadResult{Rows: 3, Files: 1}))
	assert.Equal(t, "3 rows from 1 files, 2 invalid values", sourceDetail(source.LoadResult{Rows: 3, Files: 1, InvalidValues: 2}))

	run := &state.Run{Status: state.RunStatusRunning}
	assert.Equal(t, "-", formatRunDuration(run))
}
