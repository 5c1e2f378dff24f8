// Package engine runs the warehouse pipeline.
// It loads the raw inputs, builds the derived tables level by level, checks
// them, and writes them out, recording every run in the state ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/leapstack-labs/sparkify-lake/internal/adapter"
	"github.com/leapstack-labs/sparkify-lake/internal/dag"
	"github.com/leapstack-labs/sparkify-lake/internal/metrics"
	"github.com/leapstack-labs/sparkify-lake/internal/source"
	"github.com/leapstack-labs/sparkify-lake/internal/state"
	"github.com/leapstack-labs/sparkify-lake/internal/storage"
	"github.com/leapstack-labs/sparkify-lake/internal/transform"
	"github.com/leapstack-labs/sparkify-lake/internal/writer"
)

// DefaultParallelism bounds concurrent steps within a level.
const DefaultParallelism = 4

// StepKind distinguishes raw inputs from derived tables.
type StepKind string

// Step kinds.
const (
	StepSource StepKind = "source"
	StepModel  StepKind = "model"
)

// step is a node of the pipeline graph.
type step struct {
	kind  StepKind
	load  func(ctx context.Context, db adapter.Adapter) (*source.LoadResult, error)
	model transform.Model
	// location is the input pattern of a source or the output of a model.
	location storage.Location
}

// StorageConfig holds object-storage credentials and endpoint settings.
type StorageConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Endpoint        string
	// URLStyle is "vhost" (default) or "path".
	URLStyle   string
	DisableSSL bool
}

// Config holds engine configuration.
type Config struct {
	// InputPath is the base holding song_data/ and log_data/ (local or s3://).
	InputPath string
	// OutputPath is the base the five table directories are written under.
	OutputPath string
	SongGlob   string
	LogGlob    string
	// AllowEmptyEvents continues with empty event tables when no log file matches.
	AllowEmptyEvents bool

	// DatabasePath is the DuckDB database file (empty for in-memory).
	DatabasePath string
	Threads      int
	MaxMemory    string
	// Parallelism bounds concurrent steps (DefaultParallelism when zero).
	Parallelism int

	Storage     StorageConfig
	Transform   transform.Options
	Compression string

	// Tables limits the run to these tables and what they read. Empty runs all.
	Tables []string

	// SkipChecks disables the data-quality checks.
	SkipChecks bool
	// FailOnCheck fails the run before writing when a check does not pass.
	FailOnCheck bool

	// Environment is recorded with each run (defaults to "dev").
	Environment string
	// StatePath is the SQLite run ledger.
	StatePath string

	// Metrics receives run metrics (optional).
	Metrics metrics.Backend
	// S3API overrides the object-store client built from Storage (optional).
	S3API s3iface.S3API
	// Logger is the structured logger (optional, uses discard if nil).
	Logger *slog.Logger
}

// Engine orchestrates pipeline runs.
type Engine struct {
	// Database adapter (lazy initialized)
	db          adapter.Adapter
	dbConfig    adapter.Config
	dbConnected bool
	dbMu        sync.Mutex

	logger  *slog.Logger
	store   state.Store
	stores  *storage.Resolver
	metrics *metrics.Recorder

	input       storage.Location
	output      storage.Location
	graph       *dag.Graph[step]
	models      []transform.Model
	parallelism int
	compression string
	environment string
	skipChecks  bool
	failOnCheck bool
}

// New validates cfg, opens the state ledger and builds the pipeline graph.
// The database is only connected when Run is called.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	input, err := storage.Parse(cfg.InputPath)
	if err != nil {
		return nil, fmt.Errorf("invalid input path: %w", err)
	}
	output, err := storage.Parse(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("invalid output path: %w", err)
	}

	compression := strings.ToLower(cfg.Compression)
	if compression == "" {
		compression = writer.DefaultCompression
	}
	if !slices.Contains(writer.Compressions, compression) {
		return nil, fmt.Errorf("unsupported parquet compression %q", cfg.Compression)
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	env := cfg.Environment
	if env == "" {
		env = "dev"
	}

	models, err := selectModels(transform.Models(cfg.Transform), cfg.Tables)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dbConfig: adapter.Config{
			Path:      cfg.DatabasePath,
			Threads:   cfg.Threads,
			MaxMemory: cfg.MaxMemory,
		},
		logger:      logger,
		metrics:     metrics.NewRecorder(cfg.Metrics),
		input:       input,
		output:      output,
		models:      models,
		parallelism: parallelism,
		compression: compression,
		environment: env,
		skipChecks:  cfg.SkipChecks,
		failOnCheck: cfg.FailOnCheck,
	}

	if input.IsRemote() || output.IsRemote() {
		e.dbConfig.S3 = &adapter.S3Config{
			Region:          cfg.Storage.Region,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			SessionToken:    cfg.Storage.SessionToken,
			Endpoint:        cfg.Storage.Endpoint,
			URLStyle:        cfg.Storage.URLStyle,
			UseSSL:          !cfg.Storage.DisableSSL,
		}
	}

	e.stores = &storage.Resolver{Local: storage.NewLocalStore(logger)}
	if output.IsRemote() {
		api := cfg.S3API
		if api == nil {
			api, err = storage.NewS3API(storage.S3Options{
				Region:          cfg.Storage.Region,
				AccessKeyID:     cfg.Storage.AccessKeyID,
				SecretAccessKey: cfg.Storage.SecretAccessKey,
				SessionToken:    cfg.Storage.SessionToken,
				Endpoint:        cfg.Storage.Endpoint,
				PathStyle:       cfg.Storage.URLStyle == "path",
				DisableSSL:      cfg.Storage.DisableSSL,
			})
			if err != nil {
				return nil, err
			}
		}
		e.stores.S3 = storage.NewS3Store(storage.NewObjectClient(api, logger), logger)
	}

	e.graph, err = buildGraph(cfg, input, output, models, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("initializing engine", "input", input.String(), "output", output.String(), "environment", env)

	store := state.NewSQLiteStore(logger)
	if err := store.Open(cfg.StatePath); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate state store: %w", err)
	}
	e.store = store

	return e, nil
}

// selectModels returns the models named in tables, or all models when
// tables is empty.
func selectModels(all []transform.Model, tables []string) ([]transform.Model, error) {
	if len(tables) == 0 {
		return all, nil
	}
	var selected []transform.Model
	for _, m := range all {
		if slices.Contains(tables, m.Name) {
			selected = append(selected, m)
		}
	}
	for _, name := range tables {
		if _, ok := transform.Lookup(all, name); !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
	}
	return selected, nil
}

// buildGraph wires the raw relations and the selected models. Sources no
// selected model reads are left out.
func buildGraph(cfg Config, input, output storage.Location, models []transform.Model, logger *slog.Logger) (*dag.Graph[step], error) {
	g := dag.NewGraph[step]()

	catalog := source.Config{Input: input, Glob: cfg.SongGlob, Logger: logger}
	events := source.Config{Input: input, Glob: cfg.LogGlob, AllowEmpty: cfg.AllowEmptyEvents, Logger: logger}
	sources := map[string]step{
		source.RawSongs: {
			kind:     StepSource,
			location: input.Join(globOrDefault(cfg.SongGlob, source.DefaultSongGlob)),
			load: func(ctx context.Context, db adapter.Adapter) (*source.LoadResult, error) {
				return source.NewCatalogReader(db, catalog).Load(ctx)
			},
		},
		source.RawEvents: {
			kind:     StepSource,
			location: input.Join(globOrDefault(cfg.LogGlob, source.DefaultLogGlob)),
			load: func(ctx context.Context, db adapter.Adapter) (*source.LoadResult, error) {
				return source.NewEventReader(db, events).Load(ctx)
			},
		},
	}

	for _, m := range models {
		for _, p := range m.Parents {
			s, ok := sources[p]
			if !ok {
				continue
			}
			if _, exists := g.Node(p); !exists {
				g.AddNode(p, s)
			}
		}
		g.AddNode(m.Name, step{kind: StepModel, model: m, location: output.Join(m.Output)})
	}

	for _, m := range models {
		for _, p := range m.Parents {
			if err := g.AddEdge(p, m.Name); err != nil {
				return nil, fmt.Errorf("invalid model %s: %w", m.Name, err)
			}
		}
	}

	if _, err := g.Levels(); err != nil {
		return nil, err
	}
	return g, nil
}

func globOrDefault(glob, def string) string {
	if glob == "" {
		return def
	}
	return glob
}

// ensureDBConnected lazily connects to the database.
func (e *Engine) ensureDBConnected(ctx context.Context) error {
	e.dbMu.Lock()
	defer e.dbMu.Unlock()

	if e.dbConnected {
		return nil
	}

	e.logger.Debug("connecting to database", "path", e.dbConfig.Path, "s3", e.dbConfig.S3 != nil)

	db := adapter.NewDuckDBAdapter(e.logger)
	if err := db.Connect(ctx, e.dbConfig); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	e.db = db
	e.dbConnected = true
	return nil
}

// Close releases all resources.
func (e *Engine) Close() error {
	e.logger.Debug("closing engine")

	var errs []error
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors closing engine: %w", err)
	}
	return nil
}

// StateStore returns the run ledger.
func (e *Engine) StateStore() state.Store {
	return e.store
}
