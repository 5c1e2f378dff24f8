package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leapstack-labs/sparkify-lake/internal/cli/output"
	"github.com/leapstack-labs/sparkify-lake/internal/engine"
	"github.com/spf13/cobra"
)

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	var tables []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan",
		Long: `Show the inputs read, the tables built and the order they run in,
without touching any data.

Steps in the same level have no dependency on each other and run in parallel.`,
		Example: `  # Show the full plan
  sparkify plan

  # Show what rebuilding songplays involves
  sparkify plan --tables songplays

  # Plan for the prod environment as JSON
  sparkify plan -t prod --format json`,
		Aliases: []string{"dag"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd, tables)
		},
	}

	cmd.Flags().StringSliceVar(&tables, "tables", nil, "Comma-separated list of tables to plan (default: all)")

	return cmd
}

func runPlan(cmd *cobra.Command, tables []string) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd, func(c *engine.Config) {
		c.Tables = tables
	})
	if err != nil {
		return err
	}
	defer cleanup()

	plan, err := cmdCtx.Engine.Plan()
	if err != nil {
		return fmt.Errorf("failed to build plan: %w", err)
	}

	r := cmdCtx.Renderer
	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(plan)
	case output.ModeMarkdown:
		planMarkdown(r, plan)
	default:
		planText(r, plan)
	}
	return nil
}

func planText(r *output.Renderer, plan *engine.Plan) {
	r.Header(1, "Pipeline Plan")
	r.Printf("%s %s\n", r.Muted("input: "), plan.Input)
	r.Printf("%s %s\n", r.Muted("output:"), plan.Output)
	r.Println("")

	rows := make([][]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		rows = append(rows, []string{
			strconv.Itoa(s.Level),
			s.Name,
			string(s.Kind),
			strings.Join(s.Parents, ", "),
			strings.Join(s.PartitionBy, ", "),
			s.Location,
		})
	}
	r.Table([]string{"Level", "Step", "Kind", "Reads", "Partitioned By", "Location"}, rows)
	r.Println("")
	r.Println(r.Muted(fmt.Sprintf("%d steps in %d levels", len(plan.Steps), len(plan.Levels))))
}

func planMarkdown(r *output.Renderer, plan *engine.Plan) {
	r.Println(output.FormatHeader(1, "Pipeline Plan"))
	r.Println("")
	r.Println(output.FormatKeyValue("Input", plan.Input))
	r.Println(output.FormatKeyValue("Output", plan.Output))
	r.Println("")

	byLevel := make(map[int][]engine.PlanStep)
	for _, s := range plan.Steps {
		byLevel[s.Level] = append(byLevel[s.Level], s)
	}

	for level := range plan.Levels {
		r.Println(output.FormatHeader(2, fmt.Sprintf("Level %d", level)))
		r.Println("")
		for _, s := range byLevel[level] {
			line := fmt.Sprintf("- **%s** (%s) `%s`", s.Name, s.Kind, s.Location)
			if len(s.Parents) > 0 {
				line += " reads " + strings.Join(s.Parents, ", ")
			}
			if len(s.PartitionBy) > 0 {
				line += ", partitioned by " + strings.Join(s.PartitionBy, ", ")
			}
			r.Println(line)
		}
		r.Println("")
	}

	r.Println(output.FormatHeader(2, "Summary"))
	r.Println(output.FormatKeyValue("Steps", strconv.Itoa(len(plan.Steps))))
	r.Println(output.FormatKeyValue("Levels", strconv.Itoa(len(plan.Levels))))
}
