package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/sparkify-lake/internal/cli/config"
	"github.com/leapstack-labs/sparkify-lake/internal/cli/output"
	"github.com/leapstack-labs/sparkify-lake/internal/engine"
	"github.com/leapstack-labs/sparkify-lake/internal/metrics"
	"github.com/leapstack-labs/sparkify-lake/internal/metrics/prompush"
	"github.com/leapstack-labs/sparkify-lake/internal/transform"
	"github.com/spf13/cobra"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Engine   *engine.Engine
	Renderer *output.Renderer
}

// EngineOption adjusts the engine configuration derived from the CLI config.
type EngineOption func(*engine.Config)

// NewCommandContext creates a CommandContext with engine and renderer.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command, opts ...EngineOption) (*CommandContext, func(), error) {
	cfg := getConfig()
	logger := config.GetLogger(cmd.Context())

	eng, err := createEngine(cfg, logger, opts...)
	if err != nil {
		return nil, nil, err
	}

	r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.Format))

	cleanup := func() {
		if err := eng.Close(); err != nil {
			logger.Warn("failed to close engine", "error", err)
		}
	}

	return &CommandContext{
		Cfg:      cfg,
		Logger:   logger,
		Engine:   eng,
		Renderer: r,
	}, cleanup, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without an engine.
// Useful for commands that don't read or write data.
func NewCommandContextWithoutEngine(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.Format)),
	}
}

// getConfig returns the configuration loaded by the root command, or loads
// it from the working directory and environment when a command runs on its own.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	if cfg, err := config.LoadConfig("", nil); err == nil {
		return cfg
	}
	return &config.Config{
		StatePath:   config.DefaultStateFile,
		Environment: config.DefaultEnv,
		Format:      config.DefaultFormat,
	}
}

// ensureStateDir creates the directory holding the state ledger.
func ensureStateDir(statePath string) error {
	dir := filepath.Dir(statePath)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}

// newMetricsBackend returns the Pushgateway backend when one is configured.
func newMetricsBackend(cfg *config.Config) (metrics.Backend, error) {
	if cfg.Metrics.PushgatewayURL == "" {
		return nil, nil
	}
	b, err := prompush.NewBackend(cfg.Metrics.Job, cfg.Metrics.PushgatewayURL,
		metrics.Labels{"environment": cfg.Environment})
	if err != nil {
		return nil, fmt.Errorf("failed to configure metrics: %w", err)
	}
	return b, nil
}

// engineConfig maps the CLI configuration onto the engine's.
func engineConfig(cfg *config.Config, logger *slog.Logger) engine.Config {
	return engine.Config{
		InputPath:        cfg.Input,
		OutputPath:       cfg.Output,
		SongGlob:         cfg.SongGlob,
		LogGlob:          cfg.LogGlob,
		AllowEmptyEvents: cfg.Transform.AllowEmptyEvents,
		DatabasePath:     cfg.Engine.Database,
		Threads:          cfg.Engine.Threads,
		MaxMemory:        cfg.Engine.MaxMemory,
		Parallelism:      cfg.Engine.Parallelism,
		Storage: engine.StorageConfig{
			Region:          cfg.Storage.Region,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			SessionToken:    cfg.Storage.SessionToken,
			Endpoint:        cfg.Storage.Endpoint,
			URLStyle:        cfg.Storage.URLStyle,
			DisableSSL:      !cfg.Storage.UseSSL,
		},
		Transform:   transform.Options{DurationTolerance: cfg.Transform.DurationTolerance},
		Compression: cfg.Writer.Compression,
		SkipChecks:  !cfg.Checks.Enabled,
		FailOnCheck: cfg.Checks.FailOnError,
		Environment: cfg.Environment,
		StatePath:   cfg.StatePath,
		Logger:      logger,
	}
}

func createEngine(cfg *config.Config, logger *slog.Logger, opts ...EngineOption) (*engine.Engine, error) {
	if err := cfg.ValidatePaths(); err != nil {
		return nil, err
	}
	if err := ensureStateDir(cfg.StatePath); err != nil {
		return nil, err
	}

	engineCfg := engineConfig(cfg, logger)
	backend, err := newMetricsBackend(cfg)
	if err != nil {
		return nil, err
	}
	engineCfg.Metrics = backend

	for _, opt := range opts {
		opt(&engineCfg)
	}

	return engine.New(engineCfg)
}
