package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const envsConfig = `input: s3://udacity-dend
output: lake
state_path: state/ledger.db
engine:
  threads: 2
storage:
  access_key_id: ${SPARKIFY_TEST_KEY}
  secret_access_key: ${SPARKIFY_TEST_UNSET}
environments:
  prod:
    output: s3://sparkify-lake/prod
    state_path: /var/lib/sparkify/state.db
    storage:
      region: eu-west-1
  local:
    input: data
    storage:
      endpoint: localhost:9000
      url_style: path
      use_ssl: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sparkify.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigWithTarget_Defaults(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := LoadConfigWithTarget("", "", nil)
	require.NoError(t, err)

	assert.Empty(t, GetConfigFileUsed())
	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(dir, DefaultStateFile), cfg.StatePath)
	assert.Equal(t, DefaultEnv, cfg.Environment)
	assert.Equal(t, DefaultFormat, cfg.Format)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "snappy", cfg.Writer.Compression)
	assert.Equal(t, DefaultRegion, cfg.Storage.Region)
	assert.True(t, cfg.Storage.UseSSL)
	assert.True(t, cfg.Transform.AllowEmptyEvents)
	assert.Zero(t, cfg.Transform.DurationTolerance)
	assert.True(t, cfg.Checks.Enabled)
	assert.False(t, cfg.Checks.FailOnError)
	assert.Equal(t, DefaultMetricsJob, cfg.Metrics.Job)
	assert.Empty(t, cfg.Input)
	assert.Same(t, cfg, GetCurrentConfig())
}

func TestLoadConfigWithTarget_File(t *testing.T) {
	ResetConfig()
	t.Chdir(t.TempDir())
	t.Setenv("SPARKIFY_TEST_KEY", "AKIAEXAMPLE")
	path := writeConfig(t, envsConfig)
	root := filepath.Dir(path)

	cfg, err := LoadConfigWithTarget(path, "", nil)
	require.NoError(t, err)

	assert.Equal(t, path, GetConfigFileUsed())
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, "s3://udacity-dend", cfg.Input)
	assert.Equal(t, filepath.Join(root, "lake"), cfg.Output)
	assert.Equal(t, filepath.Join(root, "state", "ledger.db"), cfg.StatePath)
	assert.Equal(t, 2, cfg.Engine.Threads)
	assert.Equal(t, "dev", cfg.Environment)
	assert.Len(t, cfg.Environments, 2)

	// ${VAR} expansion; unset variables are left as written
	assert.Equal(t, "AKIAEXAMPLE", cfg.Storage.AccessKeyID)
	assert.Equal(t, "${SPARKIFY_TEST_UNSET}", cfg.Storage.SecretAccessKey)
}

func TestLoadConfigWithTarget_Environments(t *testing.T) {
	path := writeConfig(t, envsConfig)
	root := filepath.Dir(path)

	tests := []struct {
		name       string
		target     string
		envVar     string
		wantEnv    string
		wantInput  string
		wantOutput string
		wantState  string
		wantRegion string
		wantSSL    bool
	}{
		{
			name:       "prod target",
			target:     "prod",
			wantEnv:    "prod",
			wantInput:  "s3://udacity-dend",
			wantOutput: "s3://sparkify-lake/prod",
			wantState:  "/var/lib/sparkify/state.db",
			wantRegion: "eu-west-1",
			wantSSL:    true,
		},
		{
			name:       "local target",
			target:     "local",
			wantEnv:    "local",
			wantInput:  filepath.Join(root, "data"),
			wantOutput: filepath.Join(root, "lake"),
			wantState:  filepath.Join(root, "state", "ledger.db"),
			wantRegion: DefaultRegion,
			wantSSL:    false,
		},
		{
			name:       "environment variable selects block",
			envVar:     "prod",
			wantEnv:    "prod",
			wantInput:  "s3://udacity-dend",
			wantOutput: "s3://sparkify-lake/prod",
			wantState:  "/var/lib/sparkify/state.db",
			wantRegion: "eu-west-1",
			wantSSL:    true,
		},
		{
			name:       "target wins over environment variable",
			target:     "local",
			envVar:     "prod",
			wantEnv:    "local",
			wantInput:  filepath.Join(root, "data"),
			wantOutput: filepath.Join(root, "lake"),
			wantState:  filepath.Join(root, "state", "ledger.db"),
			wantRegion: DefaultRegion,
			wantSSL:    false,
		},
		{
			name:       "unknown environment keeps base values",
			target:     "staging",
			wantEnv:    "staging",
			wantInput:  "s3://udacity-dend",
			wantOutput: filepath.Join(root, "lake"),
			wantState:  filepath.Join(root, "state", "ledger.db"),
			wantRegion: DefaultRegion,
			wantSSL:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetConfig()
			t.Setenv("SPARKIFY_ENVIRONMENT", tt.envVar)

			cfg, err := LoadConfigWithTarget(path, tt.target, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantEnv, cfg.Environment)
			assert.Equal(t, tt.wantInput, cfg.Input)
			assert.Equal(t, tt.wantOutput, cfg.Output)
			assert.Equal(t, tt.wantState, cfg.StatePath)
			assert.Equal(t, tt.wantRegion, cfg.Storage.Region)
			assert.Equal(t, tt.wantSSL, cfg.Storage.UseSSL)
		})
	}
}

// TestLoadConfigWithTarget_FlagPrecedence tests that flags override env vars and config file.
func TestLoadConfigWithTarget_FlagPrecedence(t *testing.T) {
	path := writeConfig(t, envsConfig)

	newFlags := func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.Int("threads", 0, "DuckDB threads")
		flags.String("compression", "", "Parquet compression")
		flags.Bool("fail-on-check", false, "fail on check")
		flags.String("env", "", "environment")
		return flags
	}

	t.Run("env var overrides file", func(t *testing.T) {
		ResetConfig()
		t.Setenv("SPARKIFY_ENGINE__THREADS", "4")

		cfg, err := LoadConfigWithTarget(path, "", newFlags())
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Engine.Threads)
	})

	t.Run("flag overrides env var", func(t *testing.T) {
		ResetConfig()
		t.Setenv("SPARKIFY_ENGINE__THREADS", "4")
		flags := newFlags()
		require.NoError(t, flags.Set("threads", "8"))
		require.NoError(t, flags.Set("compression", "zstd"))
		require.NoError(t, flags.Set("fail-on-check", "true"))

		cfg, err := LoadConfigWithTarget(path, "", flags)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Engine.Threads)
		assert.Equal(t, "zstd", cfg.Writer.Compression)
		assert.True(t, cfg.Checks.FailOnError)
	})

	t.Run("unset flags keep file values", func(t *testing.T) {
		ResetConfig()
		cfg, err := LoadConfigWithTarget(path, "", newFlags())
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Engine.Threads)
		assert.Equal(t, "snappy", cfg.Writer.Compression)
	})

	t.Run("env flag selects environment", func(t *testing.T) {
		ResetConfig()
		flags := newFlags()
		require.NoError(t, flags.Set("env", "prod"))

		cfg, err := LoadConfigWithTarget(path, "", flags)
		require.NoError(t, err)
		assert.Equal(t, "prod", cfg.Environment)
		assert.Equal(t, "s3://sparkify-lake/prod", cfg.Output)
	})
}

func TestLoadConfigWithTarget_FlagPathsRelativeToWorkingDir(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, envsConfig)
	cwd := t.TempDir()
	t.Chdir(cwd)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("output", "", "output")
	flags.String("state", "", "state")
	flags.String("database", "", "database")
	require.NoError(t, flags.Set("output", "out"))
	require.NoError(t, flags.Set("state", "ledger.db"))
	require.NoError(t, flags.Set("database", ":memory:"))

	cfg, err := LoadConfigWithTarget(path, "", flags)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "out"), cfg.Output)
	assert.Equal(t, filepath.Join(cwd, "ledger.db"), cfg.StatePath)
	assert.Equal(t, ":memory:", cfg.Engine.Database)
}

func TestLoadConfigWithTarget_InvalidFile(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "input: [unterminated\n")

	_, err := LoadConfigWithTarget(path, "", nil)
	assert.ErrorContains(t, err, "error reading config file")

	_, err = LoadConfigWithTarget(filepath.Join(t.TempDir(), "missing.yaml"), "", nil)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Input:     "s3://udacity-dend",
			Output:    "/tmp/lake",
			Format:    "auto",
			LogFormat: "text",
			Writer:    WriterConfig{Compression: "snappy"},
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		errSubstr string
	}{
		{"valid", func(*Config) {}, ""},
		{"json format and logs", func(c *Config) { c.Format = "json"; c.LogFormat = "json" }, ""},
		{"uppercase codec", func(c *Config) { c.Writer.Compression = "ZSTD" }, ""},
		{"path style", func(c *Config) { c.Storage.URLStyle = "path" }, ""},
		{"bad format", func(c *Config) { c.Format = "yaml" }, "invalid format"},
		{"bad log format", func(c *Config) { c.LogFormat = "logfmt" }, "invalid log_format"},
		{"negative threads", func(c *Config) { c.Engine.Threads = -1 }, "engine.threads"},
		{"negative parallelism", func(c *Config) { c.Engine.Parallelism = -2 }, "engine.parallelism"},
		{"negative tolerance", func(c *Config) { c.Transform.DurationTolerance = -0.5 }, "duration_tolerance"},
		{"bad codec", func(c *Config) { c.Writer.Compression = "lzo" }, "invalid writer.compression"},
		{"bad url style", func(c *Config) { c.Storage.URLStyle = "virtual" }, "invalid storage.url_style"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errSubstr)
		})
	}
}

func TestConfig_ValidatePaths(t *testing.T) {
	assert.NoError(t, (&Config{Input: "in", Output: "out"}).ValidatePaths())
	assert.ErrorContains(t, (&Config{Output: "out"}).ValidatePaths(), "input is required")
	assert.ErrorContains(t, (&Config{Input: "in"}).ValidatePaths(), "output is required")
}

func TestGetLogger(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))

	logger := GetLogger(context.Background())
	ctx := context.WithValue(context.Background(), LoggerKey(), logger)
	assert.Same(t, logger, GetLogger(ctx))
}

func TestResolvePathRelativeTo(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"", ""},
		{":memory:", ":memory:"},
		{"/abs/path", "/abs/path"},
		{"s3://bucket/key", "s3://bucket/key"},
		{"rel/path", "/base/rel/path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolvePathRelativeTo(tt.path, "/base"), tt.path)
	}
}
