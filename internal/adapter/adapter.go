// Package adapter provides the execution-engine interface used by the
// readers, models, writer and checks, and its DuckDB implementation.
package adapter

import (
	"context"
	"database/sql"
	"strings"
)

// Config holds the configuration for opening the engine.
type Config struct {
	// Path is the database file. Empty or ":memory:" opens an in-memory database.
	Path string

	// Threads caps the engine's worker threads. Zero keeps the engine default.
	Threads int

	// MaxMemory is the engine memory limit, e.g. "4GB". Empty keeps the default.
	MaxMemory string

	// S3 enables object-storage access when non-nil.
	S3 *S3Config
}

// S3Config holds object-storage credentials and endpoint settings.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Endpoint overrides the S3 endpoint host (MinIO, LocalStack).
	Endpoint string
	// URLStyle is "vhost" or "path".
	URLStyle string
	// UseSSL is false only for plain-HTTP endpoints.
	UseSSL bool
}

// Column represents a column in a relation.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// Metadata holds metadata about a relation.
type Metadata struct {
	Schema   string
	Name     string
	Columns  []Column
	RowCount int64
}

// Rows wraps sql.Rows.
type Rows struct {
	*sql.Rows
}

// Adapter is the execution engine: it runs SQL against relations that live
// for the duration of one run.
type Adapter interface {
	// Connect opens the engine with the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close releases the engine.
	Close() error

	// Exec executes a statement that doesn't return rows.
	Exec(ctx context.Context, sql string) error

	// Query executes a statement that returns rows.
	Query(ctx context.Context, sql string) (*Rows, error)

	// QueryInt64 executes a statement returning a single integer value.
	QueryInt64(ctx context.Context, sql string) (int64, error)

	// GetTableMetadata retrieves metadata for a relation (table or view).
	GetTableMetadata(ctx context.Context, table string) (*Metadata, error)

	// Columns returns a relation's columns without counting its rows.
	Columns(ctx context.Context, table string) ([]Column, error)
}

// HasColumn reports whether columns contains name, compared
// case-insensitively as the engine resolves identifiers.
func HasColumn(columns []Column, name string) bool {
	for _, c := range columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// QuoteIdent quotes an identifier for use in generated SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral quotes a string literal for use in generated SQL.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
