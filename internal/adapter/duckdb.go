package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// SecretName is the name of the S3 secret created by ConfigureS3.
const SecretName = "sparkify_s3"

// DuckDBAdapter implements the Adapter interface for DuckDB.
type DuckDBAdapter struct {
	db     *sql.DB
	config Config
	logger *slog.Logger
}

// NewDuckDBAdapter creates a new DuckDB adapter instance.
func NewDuckDBAdapter(logger *slog.Logger) *DuckDBAdapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DuckDBAdapter{logger: logger}
}

// Connect establishes a connection to DuckDB.
// Use ":memory:" or "" as the path for an in-memory database.
func (a *DuckDBAdapter) Connect(ctx context.Context, cfg Config) error {
	path := cfg.Path
	if path == ":memory:" {
		path = ""
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	a.db = db
	a.config = cfg

	if err := a.applySettings(ctx); err != nil {
		_ = a.Close()
		return err
	}

	if cfg.S3 != nil {
		if err := a.ConfigureS3(ctx, *cfg.S3); err != nil {
			_ = a.Close()
			return err
		}
	}

	a.logger.Debug("duckdb connected",
		slog.String("path", cfg.Path),
		slog.Int("threads", cfg.Threads),
		slog.String("max_memory", cfg.MaxMemory),
		slog.Bool("s3", cfg.S3 != nil))

	return nil
}

func (a *DuckDBAdapter) applySettings(ctx context.Context) error {
	if a.config.Threads > 0 {
		if err := a.Exec(ctx, fmt.Sprintf("SET GLOBAL threads = %d", a.config.Threads)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}
	if a.config.MaxMemory != "" {
		if err := a.Exec(ctx, "SET GLOBAL memory_limit = "+QuoteLiteral(a.config.MaxMemory)); err != nil {
			return fmt.Errorf("failed to set memory limit: %w", err)
		}
	}
	return nil
}

// ConfigureS3 loads the httpfs extension and registers an S3 secret.
// With no access key the secret is skipped and public buckets stay readable.
func (a *DuckDBAdapter) ConfigureS3(ctx context.Context, cfg S3Config) error {
	if err := a.Exec(ctx, "INSTALL httpfs"); err != nil {
		return fmt.Errorf("failed to install httpfs: %w", err)
	}
	if err := a.Exec(ctx, "LOAD httpfs"); err != nil {
		return fmt.Errorf("failed to load httpfs: %w", err)
	}

	if cfg.AccessKeyID == "" {
		a.logger.Debug("no s3 access key configured, using anonymous access")
		return nil
	}

	if err := a.Exec(ctx, BuildS3SecretSQL(SecretName, cfg)); err != nil {
		return fmt.Errorf("failed to create s3 secret: %w", err)
	}
	return nil
}

// BuildS3SecretSQL renders the CREATE SECRET statement for cfg.
func BuildS3SecretSQL(name string, cfg S3Config) string {
	opts := []string{
		"TYPE S3",
		"KEY_ID " + QuoteLiteral(cfg.AccessKeyID),
		"SECRET " + QuoteLiteral(cfg.SecretAccessKey),
	}
	if cfg.SessionToken != "" {
		opts = append(opts, "SESSION_TOKEN "+QuoteLiteral(cfg.SessionToken))
	}
	if cfg.Region != "" {
		opts = append(opts, "REGION "+QuoteLiteral(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, "ENDPOINT "+QuoteLiteral(cfg.Endpoint))
		opts = append(opts, fmt.Sprintf("USE_SSL %t", cfg.UseSSL))
	}
	if cfg.URLStyle != "" {
		opts = append(opts, "URL_STYLE "+QuoteLiteral(cfg.URLStyle))
	}
	return fmt.Sprintf("CREATE OR REPLACE SECRET %s (%s)", name, strings.Join(opts, ", "))
}

// Close closes the DuckDB connection.
func (a *DuckDBAdapter) Close() error {
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

// Exec executes a SQL statement that doesn't return rows.
func (a *DuckDBAdapter) Exec(ctx context.Context, sqlStr string) error {
	if a.db == nil {
		return errNotConnected
	}

	if _, err := a.db.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}

	return nil
}

// Query executes a SQL statement that returns rows.
func (a *DuckDBAdapter) Query(ctx context.Context, sqlStr string) (*Rows, error) {
	if a.db == nil {
		return nil, errNotConnected
	}

	//nolint:rowserrcheck // rows.Err() must be checked by caller after iteration completes
	rows, err := a.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	return &Rows{Rows: rows}, nil
}

// QueryInt64 executes a query returning a single integer.
func (a *DuckDBAdapter) QueryInt64(ctx context.Context, sqlStr string) (int64, error) {
	if a.db == nil {
		return 0, errNotConnected
	}

	var n sql.NullInt64
	if err := a.db.QueryRowContext(ctx, sqlStr).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to execute query: %w", err)
	}
	return n.Int64, nil
}

// GetTableMetadata retrieves metadata for a specified table or view.
func (a *DuckDBAdapter) GetTableMetadata(ctx context.Context, table string) (*Metadata, error) {
	schema, tableName := splitTableName(table)

	columns, err := a.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", QuoteIdent(schema), QuoteIdent(tableName))
	var rowCount int64
	if err := a.db.QueryRowContext(ctx, countQuery).Scan(&rowCount); err != nil {
		return nil, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}

	return &Metadata{
		Schema:   schema,
		Name:     tableName,
		Columns:  columns,
		RowCount: rowCount,
	}, nil
}

// Columns returns the columns of a table or view without scanning its rows.
func (a *DuckDBAdapter) Columns(ctx context.Context, table string) ([]Column, error) {
	if a.db == nil {
		return nil, errNotConnected
	}

	schema, tableName := splitTableName(table)

	query := `
		SELECT
			column_name,
			data_type,
			is_nullable,
			ordinal_position
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position
	`

	rows, err := a.db.QueryContext(ctx, query, schema, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}

	if len(columns) == 0 {
		return nil, &TableNotFoundError{Table: table}
	}
	return columns, nil
}

// splitTableName parses schema.table, defaulting to the main schema.
func splitTableName(table string) (string, string) {
	if parts := strings.Split(table, "."); len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "main", table
}

var errNotConnected = errors.New("database connection not established")

// TableNotFoundError is returned when a relation does not exist.
type TableNotFoundError struct {
	Table string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %s not found", e.Table)
}

// Ensure DuckDBAdapter implements Adapter interface
var _ Adapter = (*DuckDBAdapter)(nil)
