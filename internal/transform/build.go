package transform

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/sparkify-lake/internal/adapter"
)

// Build materializes m as a table and returns its row count.
func Build(ctx context.Context, db adapter.Adapter, m Model) (int64, error) {
	table := adapter.QuoteIdent(m.Name)

	createSQL := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", table, m.SQL)
	if err := db.Exec(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("failed to create table %s: %w", m.Name, err)
	}

	count, err := db.QueryInt64(ctx, "SELECT COUNT(*) FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("failed to count table %s: %w", m.Name, err)
	}
	return count, nil
}
