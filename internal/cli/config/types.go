// Package config provides configuration management for the sparkify CLI.
//
// Values are layered, lowest to highest precedence: built-in defaults, the
// sparkify.yaml file, the selected entry of its environments map, SPARKIFY_
// environment variables and finally flags set on the command line.
package config

import "github.com/leapstack-labs/sparkify-lake/internal/writer"

// EngineConfig holds DuckDB and scheduling settings.
type EngineConfig struct {
	Database    string `koanf:"database" yaml:"database,omitempty"`
	Threads     int    `koanf:"threads" yaml:"threads,omitempty"`
	MaxMemory   string `koanf:"max_memory" yaml:"max_memory,omitempty"`
	Parallelism int    `koanf:"parallelism" yaml:"parallelism,omitempty"`
}

// StorageConfig holds object-storage credentials. String fields may
// reference environment variables as ${VAR}.
type StorageConfig struct {
	Region          string `koanf:"region" yaml:"region,omitempty"`
	AccessKeyID     string `koanf:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `koanf:"secret_access_key" yaml:"secret_access_key,omitempty"`
	SessionToken    string `koanf:"session_token" yaml:"session_token,omitempty"`
	Endpoint        string `koanf:"endpoint" yaml:"endpoint,omitempty"`
	URLStyle        string `koanf:"url_style" yaml:"url_style,omitempty"`
	UseSSL          bool   `koanf:"use_ssl" yaml:"use_ssl"`
}

// TransformConfig tunes the derived tables.
type TransformConfig struct {
	DurationTolerance float64 `koanf:"duration_tolerance" yaml:"duration_tolerance"`
	AllowEmptyEvents  bool    `koanf:"allow_empty_events" yaml:"allow_empty_events"`
}

// WriterConfig configures the Parquet output.
type WriterConfig struct {
	Compression string `koanf:"compression" yaml:"compression"`
}

// ChecksConfig configures the data-quality checks.
type ChecksConfig struct {
	Enabled     bool `koanf:"enabled" yaml:"enabled"`
	FailOnError bool `koanf:"fail_on_error" yaml:"fail_on_error"`
}

// MetricsConfig configures the Prometheus Pushgateway export.
// Metrics are pushed only when PushgatewayURL is set.
type MetricsConfig struct {
	PushgatewayURL string `koanf:"pushgateway_url" yaml:"pushgateway_url,omitempty"`
	Job            string `koanf:"job" yaml:"job,omitempty"`
}

// Config holds all CLI configuration options.
type Config struct {
	Input       string `koanf:"input" yaml:"input"`
	Output      string `koanf:"output" yaml:"output"`
	SongGlob    string `koanf:"song_glob" yaml:"song_glob,omitempty"`
	LogGlob     string `koanf:"log_glob" yaml:"log_glob,omitempty"`
	StatePath   string `koanf:"state_path" yaml:"state_path"`
	Environment string `koanf:"environment" yaml:"environment"`
	Verbose     bool   `koanf:"verbose" yaml:"verbose,omitempty"`
	Format      string `koanf:"format" yaml:"format,omitempty"`
	LogFormat   string `koanf:"log_format" yaml:"log_format,omitempty"`

	Engine    EngineConfig    `koanf:"engine" yaml:"engine"`
	Storage   StorageConfig   `koanf:"storage" yaml:"storage"`
	Transform TransformConfig `koanf:"transform" yaml:"transform"`
	Writer    WriterConfig    `koanf:"writer" yaml:"writer"`
	Checks    ChecksConfig    `koanf:"checks" yaml:"checks"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics,omitempty"`

	Environments map[string]EnvConfig `koanf:"environments" yaml:"environments,omitempty"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-" yaml:"-"`
}

// EnvConfig holds environment-specific overrides. Any top-level key may be
// overridden; these are the ones commonly set per environment.
type EnvConfig struct {
	Input     string         `koanf:"input" yaml:"input,omitempty"`
	Output    string         `koanf:"output" yaml:"output,omitempty"`
	StatePath string         `koanf:"state_path" yaml:"state_path,omitempty"`
	Storage   *StorageConfig `koanf:"storage" yaml:"storage,omitempty"`
	Metrics   *MetricsConfig `koanf:"metrics" yaml:"metrics,omitempty"`
}

// Default configuration values.
const (
	DefaultStateFile   = ".sparkify/state.db"
	DefaultEnv         = "dev"
	DefaultFormat      = "auto" // Auto-detect: TTY=text, non-TTY=markdown
	DefaultLogFormat   = "text"
	DefaultCompression = writer.DefaultCompression
	DefaultRegion      = "us-west-2"
	DefaultMetricsJob  = "sparkify"
)

// Defaults returns the built-in configuration values as a flat key map.
func Defaults() map[string]any {
	return map[string]any{
		"state_path":                   DefaultStateFile,
		"environment":                  DefaultEnv,
		"verbose":                      false,
		"format":                       DefaultFormat,
		"log_format":                   DefaultLogFormat,
		"storage.region":               DefaultRegion,
		"storage.use_ssl":              true,
		"transform.duration_tolerance": 0.0,
		"transform.allow_empty_events": true,
		"writer.compression":           DefaultCompression,
		"checks.enabled":               true,
		"checks.fail_on_error":         false,
		"metrics.job":                  DefaultMetricsJob,
	}
}
