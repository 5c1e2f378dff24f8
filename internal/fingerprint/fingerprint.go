// Package fingerprint computes order-insensitive content hashes of engine
// relations, so two runs over the same inputs can be compared table by table.
package fingerprint

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/leapstack-labs/sparkify-lake/internal/adapter"
)

const (
	fieldSep  = 0x1f
	nullField = 0x00
)

// Fingerprint is a table content hash.
type Fingerprint struct {
	Table string
	Hash  string
	Rows  int64
}

// Table hashes every row of table, skipping the exclude columns. Each row
// is hashed with xxh3 and the row hashes are summed, so row order does not
// affect the result while duplicate rows do.
func Table(ctx context.Context, db adapter.Adapter, table string, exclude ...string) (*Fingerprint, error) {
	columns, err := db.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	var exprs []string
	for _, c := range columns {
		if slices.ContainsFunc(exclude, func(x string) bool { return strings.EqualFold(x, c.Name) }) {
			continue
		}
		exprs = append(exprs, fmt.Sprintf("CAST(%s AS VARCHAR)", adapter.QuoteIdent(c.Name)))
	}
	if len(exprs) == 0 {
		return nil, fmt.Errorf("no columns left to fingerprint in %s", table)
	}

	rows, err := db.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), adapter.QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	values := make([]sql.NullString, len(exprs))
	dest := make([]any, len(exprs))
	for i := range values {
		dest[i] = &values[i]
	}

	var sum uint64
	var count int64
	var buf []byte
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		buf = encodeRow(buf[:0], values)
		sum += xxh3.Hash(buf)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	return &Fingerprint{Table: table, Hash: fmt.Sprintf("%016x", sum), Rows: count}, nil
}

func encodeRow(buf []byte, values []sql.NullString) []byte {
	for i, v := range values {
		if i > 0 {
			buf = append(buf, fieldSep)
		}
		if !v.Valid {
			buf = append(buf, nullField)
			continue
		}
		buf = append(buf, v.String...)
	}
	return buf
}
