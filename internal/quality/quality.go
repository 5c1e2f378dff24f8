// Package quality evaluates data-quality checks against the built tables
// before they are written.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/leapstack-labs/sparkify-lake/internal/adapter"
	"github.com/leapstack-labs/sparkify-lake/internal/calendar"
	"github.com/leapstack-labs/sparkify-lake/internal/transform"
)

// Check counts the violations of one property.
type Check struct {
	Name  string
	Table string
	// Description is a human-readable statement of the property.
	Description string
	// Uses lists the other tables the check reads.
	Uses []string
	run  func(ctx context.Context, db adapter.Adapter) (int64, error)
}

// Result is the outcome of one check.
type Result struct {
	Name        string `json:"name"`
	Table       string `json:"table"`
	Description string `json:"description"`
	Violations  int64  `json:"violations"`
	Passed      bool   `json:"passed"`
	Error       string `json:"error,omitempty"`
}

// Checker runs a set of checks.
type Checker struct {
	db     adapter.Adapter
	checks []Check
	logger *slog.Logger
}

// NewChecker creates a checker with the default checks.
func NewChecker(db adapter.Adapter, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{db: db, checks: DefaultChecks(), logger: logger}
}

// Checks returns the configured checks.
func (c *Checker) Checks() []Check {
	return c.checks
}

// Restrict keeps only the checks whose tables are all in tables.
func (c *Checker) Restrict(tables []string) {
	var kept []Check
	for _, chk := range c.checks {
		if !slices.Contains(tables, chk.Table) {
			continue
		}
		if slices.ContainsFunc(chk.Uses, func(t string) bool { return !slices.Contains(tables, t) }) {
			continue
		}
		kept = append(kept, chk)
	}
	c.checks = kept
}

// Run evaluates every check. A check that cannot be evaluated is reported
// as failed with its error; Run itself only fails on context cancellation.
func (c *Checker) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(c.checks))
	for _, chk := range c.checks {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		r := Result{Name: chk.Name, Table: chk.Table, Description: chk.Description}
		n, err := chk.run(ctx, c.db)
		switch {
		case err != nil:
			r.Error = err.Error()
		default:
			r.Violations = n
			r.Passed = n == 0
		}

		level := slog.LevelDebug
		if !r.Passed {
			level = slog.LevelWarn
		}
		c.logger.Log(ctx, level, "quality check",
			slog.String("check", r.Name),
			slog.String("table", r.Table),
			slog.Int64("violations", r.Violations),
			slog.Bool("passed", r.Passed))

		results = append(results, r)
	}
	return results, nil
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// DefaultChecks returns the checks for the five analytical tables.
func DefaultChecks() []Check {
	return []Check{
		distinctRows(transform.Songs),
		distinctRows(transform.Artists),
		distinctRows(transform.Users),
		uniqueKey(transform.Time, "start_time"),
		{
			Name:        "time_parts",
			Table:       transform.Time,
			Description: "time parts are the calendar decomposition of start_time",
			run:         timeParts,
		},
		uniqueKey(transform.Songplays, "songplay_id"),
		{
			Name:        "songplays_reference_songs",
			Table:       transform.Songplays,
			Description: "every songplay references a catalog (song_id, artist_id)",
			Uses:        []string{transform.Songs},
			run: sqlCount(`SELECT count(*) FROM songplays p
WHERE NOT EXISTS (SELECT 1 FROM songs s WHERE s.song_id = p.song_id AND s.artist_id = p.artist_id)`),
		},
		{
			Name:        "songplays_reference_time",
			Table:       transform.Songplays,
			Description: "every songplay start_time exists in the time table",
			Uses:        []string{transform.Time},
			run: sqlCount(`SELECT count(*) FROM songplays p
WHERE NOT EXISTS (SELECT 1 FROM "time" t WHERE t.start_time = date_trunc('second', p.start_time))`),
		},
	}
}

func distinctRows(table string) Check {
	q := adapter.QuoteIdent(table)
	return Check{
		Name:        table + "_distinct",
		Table:       table,
		Description: "rows are pairwise distinct",
		run: sqlCount(fmt.Sprintf(
			"SELECT (SELECT count(*) FROM %s) - (SELECT count(*) FROM (SELECT DISTINCT * FROM %s))", q, q)),
	}
}

func uniqueKey(table, column string) Check {
	return Check{
		Name:        table + "_unique_" + column,
		Table:       table,
		Description: column + " is unique",
		run: sqlCount(fmt.Sprintf("SELECT count(*) - count(DISTINCT %s) FROM %s",
			adapter.QuoteIdent(column), adapter.QuoteIdent(table))),
	}
}

func sqlCount(query string) func(context.Context, adapter.Adapter) (int64, error) {
	return func(ctx context.Context, db adapter.Adapter) (int64, error) {
		return db.QueryInt64(ctx, query)
	}
}

// timeParts recomputes every time row in Go and counts the rows whose
// stored start_time or parts disagree.
func timeParts(ctx context.Context, db adapter.Adapter) (int64, error) {
	rows, err := db.Query(ctx, `SELECT ts, start_time, "hour", "day", "week", "month", "year", "weekday" FROM "time"`)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	var violations int64
	for rows.Next() {
		var ts int64
		var start time.Time
		var got calendar.Parts
		if err := rows.Scan(&ts, &start, &got.Hour, &got.Day, &got.Week, &got.Month, &got.Year, &got.Weekday); err != nil {
			return 0, fmt.Errorf("failed to scan time row: %w", err)
		}
		if !calendar.FromEpochMillis(ts).Equal(start) || calendar.Decompose(start) != got {
			violations++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating time rows: %w", err)
	}
	return violations, nil
}
