// Package source loads the raw JSON inputs into engine relations.
//
// The catalog reader produces raw_songs and the event reader produces
// raw_events, both with fixed column types so the models downstream never
// depend on what the JSON reader inferred.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/sparkify-lake/internal/adapter"
	"github.com/leapstack-labs/sparkify-lake/internal/etlerr"
	"github.com/leapstack-labs/sparkify-lake/internal/storage"
)

// Relation names produced by the readers.
const (
	RawSongs  = "raw_songs"
	RawEvents = "raw_events"
)

// Default globs under the input base.
const (
	DefaultSongGlob = "song_data/**/*.json"
	DefaultLogGlob  = "log_data/**/*.json"
)

// PlayEventPage is the page value of a song play.
const PlayEventPage = "NextSong"

// Field is a typed input column.
type Field struct {
	Name string
	Type string
}

// SongFields are the catalog fields loaded into raw_songs.
var SongFields = []Field{
	{"song_id", "VARCHAR"},
	{"title", "VARCHAR"},
	{"artist_id", "VARCHAR"},
	{"artist_name", "VARCHAR"},
	{"artist_location", "VARCHAR"},
	{"artist_latitude", "DOUBLE"},
	{"artist_longitude", "DOUBLE"},
	{"duration", "DOUBLE"},
	{"year", "INTEGER"},
}

// EventFields are the event-log fields loaded into raw_events.
var EventFields = []Field{
	{"page", "VARCHAR"},
	{"userId", "VARCHAR"},
	{"firstName", "VARCHAR"},
	{"lastName", "VARCHAR"},
	{"gender", "VARCHAR"},
	{"level", "VARCHAR"},
	{"song", "VARCHAR"},
	{"artist", "VARCHAR"},
	{"length", "DOUBLE"},
	{"ts", "BIGINT"},
	{"sessionId", "BIGINT"},
	{"location", "VARCHAR"},
	{"userAgent", "VARCHAR"},
}

// LoadResult describes a loaded relation.
type LoadResult struct {
	Relation string
	Location string
	Files    int64
	Rows     int64
	// InvalidValues counts input values that did not convert to their
	// field type and were loaded as NULL.
	InvalidValues int64
}

// Config configures a reader.
type Config struct {
	Input storage.Location
	Glob  string
	// AllowEmpty turns an empty match set into an empty relation instead of
	// an InputUnavailable error.
	AllowEmpty bool
	Logger     *slog.Logger
}

// reader holds the load steps shared by both inputs.
type reader struct {
	db         adapter.Adapter
	relation   string
	fields     []Field
	pattern    string
	allowEmpty bool
	filter     string
	logger     *slog.Logger
}

func newReader(db adapter.Adapter, cfg Config, relation, defaultGlob string, fields []Field) reader {
	glob := cfg.Glob
	if glob == "" {
		glob = defaultGlob
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return reader{
		db:         db,
		relation:   relation,
		fields:     fields,
		pattern:    cfg.Input.Join(glob).String(),
		allowEmpty: cfg.AllowEmpty,
		logger:     logger.With(slog.String("relation", relation)),
	}
}

func (r *reader) load(ctx context.Context) (*LoadResult, error) {
	files, err := r.db.QueryInt64(ctx, fmt.Sprintf("SELECT count(*) FROM glob(%s)", adapter.QuoteLiteral(r.pattern)))
	if err != nil {
		return nil, etlerr.New(etlerr.InputUnavailable, r.relation, r.pattern, err)
	}

	result := &LoadResult{Relation: r.relation, Location: r.pattern, Files: files}

	if files == 0 {
		if !r.allowEmpty {
			return nil, etlerr.New(etlerr.InputUnavailable, r.relation, r.pattern, errors.New("no input files matched"))
		}
		r.logger.Warn("no input files matched, continuing with an empty relation", slog.String("pattern", r.pattern))
		if err := r.db.Exec(ctx, r.emptyTableSQL()); err != nil {
			return nil, fmt.Errorf("failed to create empty %s: %w", r.relation, err)
		}
		return result, nil
	}

	view := r.relation + "_json"
	if err := r.db.Exec(ctx, fmt.Sprintf(
		"CREATE OR REPLACE VIEW %s AS SELECT * FROM read_json_auto(%s, union_by_name = true)",
		adapter.QuoteIdent(view), adapter.QuoteLiteral(r.pattern),
	)); err != nil {
		return nil, etlerr.New(etlerr.InputUnavailable, r.relation, r.pattern, err)
	}
	defer func() {
		if err := r.db.Exec(context.WithoutCancel(ctx), "DROP VIEW IF EXISTS "+adapter.QuoteIdent(view)); err != nil {
			r.logger.Debug("failed to drop input view", slog.String("error", err.Error()))
		}
	}()

	columns, err := r.db.Columns(ctx, view)
	if err != nil {
		return nil, etlerr.New(etlerr.InputUnavailable, r.relation, r.pattern, err)
	}
	if missing := missingFields(columns, r.fields); len(missing) > 0 {
		return nil, etlerr.New(etlerr.SchemaMismatch, r.relation, r.pattern,
			fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
	}

	if err := r.db.Exec(ctx, r.loadSQL(view)); err != nil {
		return nil, etlerr.New(etlerr.InputUnavailable, r.relation, r.pattern, err)
	}

	invalid, err := r.countInvalid(ctx, view)
	if err != nil {
		return nil, err
	}
	result.InvalidValues = invalid

	meta, err := r.db.GetTableMetadata(ctx, r.relation)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", r.relation, err)
	}
	result.Rows = meta.RowCount

	r.logger.Info("input loaded", slog.Int64("files", files), slog.Int64("rows", meta.RowCount))
	return result, nil
}

// countInvalid counts, per typed field, the values present in the input
// that the load turned into NULL, and logs each affected field.
func (r *reader) countInvalid(ctx context.Context, view string) (int64, error) {
	var typed []Field
	var exprs []string
	for _, f := range r.fields {
		if f.Type == "VARCHAR" {
			continue
		}
		col := adapter.QuoteIdent(f.Name)
		typed = append(typed, f)
		exprs = append(exprs, fmt.Sprintf("count(*) FILTER (WHERE %s IS NOT NULL AND TRY_CAST(%s AS %s) IS NULL)", col, col, f.Type))
	}
	if len(typed) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), adapter.QuoteIdent(view))
	if r.filter != "" {
		query += " WHERE " + r.filter
	}
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to check %s values: %w", r.relation, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make([]int64, len(typed))
	dest := make([]any, len(typed))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return 0, fmt.Errorf("failed to scan %s value check: %w", r.relation, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to check %s values: %w", r.relation, err)
	}

	var total int64
	for i, f := range typed {
		if counts[i] == 0 {
			continue
		}
		total += counts[i]
		r.logger.Warn("input values do not match the field type, loaded as NULL",
			slog.String("field", f.Name), slog.String("type", f.Type), slog.Int64("values", counts[i]))
	}
	return total, nil
}

func (r *reader) loadSQL(view string) string {
	cols := make([]string, len(r.fields))
	for i, f := range r.fields {
		cols[i] = fmt.Sprintf("TRY_CAST(%s AS %s) AS %s", adapter.QuoteIdent(f.Name), f.Type, adapter.QuoteIdent(f.Name))
	}
	query := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT %s FROM %s",
		adapter.QuoteIdent(r.relation), strings.Join(cols, ", "), adapter.QuoteIdent(view))
	if r.filter != "" {
		query += " WHERE " + r.filter
	}
	return query
}

func (r *reader) emptyTableSQL() string {
	cols := make([]string, len(r.fields))
	for i, f := range r.fields {
		cols[i] = adapter.QuoteIdent(f.Name) + " " + f.Type
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", adapter.QuoteIdent(r.relation), strings.Join(cols, ", "))
}

func missingFields(columns []adapter.Column, fields []Field) []string {
	var missing []string
	for _, f := range fields {
		if !adapter.HasColumn(columns, f.Name) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// CatalogReader loads song-catalog files into raw_songs.
type CatalogReader struct {
	reader
}

// NewCatalogReader creates a catalog reader. An empty catalog is always
// InputUnavailable: there is nothing to derive songs from or join against.
func NewCatalogReader(db adapter.Adapter, cfg Config) *CatalogReader {
	cfg.AllowEmpty = false
	return &CatalogReader{reader: newReader(db, cfg, RawSongs, DefaultSongGlob, SongFields)}
}

// Load materializes raw_songs.
func (r *CatalogReader) Load(ctx context.Context) (*LoadResult, error) {
	return r.load(ctx)
}

// EventReader loads event-log files into raw_events, keeping only play events.
type EventReader struct {
	reader
}

// NewEventReader creates an event reader.
func NewEventReader(db adapter.Adapter, cfg Config) *EventReader {
	r := newReader(db, cfg, RawEvents, DefaultLogGlob, EventFields)
	r.filter = fmt.Sprintf("page = %s", adapter.QuoteLiteral(PlayEventPage))
	return &EventReader{reader: r}
}

// Load materializes raw_events.
func (r *EventReader) Load(ctx context.Context) (*LoadResult, error) {
	return r.load(ctx)
}
