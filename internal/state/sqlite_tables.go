package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordTableRun stores the outcome of one table write. ID and CreatedAt
// are filled in when empty.
func (s *SQLiteStore) RecordTableRun(ctx context.Context, tr *TableRun) error {
	if s.db == nil {
		return errNotOpened
	}

	if tr.ID == "" {
		tr.ID = generateID()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO table_runs (id, run_id, table_name, location, status, rows, fingerprint, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RunID, tr.Table, tr.Location, string(tr.Status), tr.Rows,
		nullString(tr.Fingerprint), tr.DurationMS, nullString(tr.Error), formatTime(tr.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record table run: %w", err)
	}
	return nil
}

// ListTableRuns returns the table writes of a run in table-name order.
func (s *SQLiteStore) ListTableRuns(ctx context.Context, runID string) ([]*TableRun, error) {
	if s.db == nil {
		return nil, errNotOpened
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, table_name, location, status, rows, fingerprint, duration_ms, error, created_at
		 FROM table_runs WHERE run_id = ? ORDER BY table_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list table runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TableRun
	for rows.Next() {
		var (
			tr          TableRun
			status      string
			fingerprint sql.NullString
			errMsg      sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.Table, &tr.Location, &status, &tr.Rows,
			&fingerprint, &tr.DurationMS, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan table run: %w", err)
		}
		tr.Status = TableStatus(status)
		tr.Fingerprint = fingerprint.String
		tr.Error = errMsg.String
		if tr.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table runs: %w", err)
	}
	return out, nil
}

// LastFingerprint returns the most recent successful fingerprint of table
// at location written by another run.
func (s *SQLiteStore) LastFingerprint(ctx context.Context, table, location, excludeRunID string) (string, error) {
	if s.db == nil {
		return "", errNotOpened
	}

	var fp sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM table_runs
		 WHERE table_name = ? AND location = ? AND status = ? AND run_id <> ? AND fingerprint IS NOT NULL
		 ORDER BY created_at DESC LIMIT 1`,
		table, location, string(TableStatusSuccess), excludeRunID,
	).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get last fingerprint: %w", err)
	}
	return fp.String, nil
}

// RecordCheckResults stores the data-quality results of a run.
func (s *SQLiteStore) RecordCheckResults(ctx context.Context, runID string, results []CheckResult) error {
	if s.db == nil {
		return errNotOpened
	}
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO check_results (run_id, name, table_name, violations, passed, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare check insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, runID, r.Name, r.Table, r.Violations, r.Passed, nullString(r.Error)); err != nil {
			return fmt.Errorf("failed to record check %s: %w", r.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit check results: %w", err)
	}
	return nil
}

// ListCheckResults returns the data-quality results of a run.
func (s *SQLiteStore) ListCheckResults(ctx context.Context, runID string) ([]CheckResult, error) {
	if s.db == nil {
		return nil, errNotOpened
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, table_name, violations, passed, error FROM check_results WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list check results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CheckResult
	for rows.Next() {
		var r CheckResult
		var errMsg sql.NullString
		if err := rows.Scan(&r.RunID, &r.Name, &r.Table, &r.Violations, &r.Passed, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan check result: %w", err)
		}
		r.Error = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check results: %w", err)
	}
	return out, nil
}
