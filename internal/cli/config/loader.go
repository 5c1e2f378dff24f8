package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of configuration environment variables.
// A double underscore separates nesting levels: SPARKIFY_ENGINE__THREADS
// sets engine.threads.
const EnvPrefix = "SPARKIFY_"

// ConfigFileNames are searched for, in order, in the working directory.
var ConfigFileNames = []string{"sparkify.yaml", "sparkify.yml"}

// loggerKey is used to store logger in context.
type loggerKey struct{}

// flagKeys maps flags whose config key is not the snake_case flag name.
var flagKeys = map[string]string{
	"state":         "state_path",
	"database":      "engine.database",
	"threads":       "engine.threads",
	"max-memory":    "engine.max_memory",
	"parallelism":   "engine.parallelism",
	"compression":   "writer.compression",
	"tolerance":     "transform.duration_tolerance",
	"fail-on-check": "checks.fail_on_error",
	"pushgateway":   "metrics.pushgateway_url",
}

// selectorFlags are consumed before the layers are merged.
var selectorFlags = map[string]bool{"config": true, "target": true, "env": true}

// pathFlags are resolved against the working directory when set on the
// command line, and against the project root otherwise.
var pathFlags = map[string]string{
	"input":    "input",
	"output":   "output",
	"state":    "state_path",
	"database": "engine.database",
}

// Package-level koanf instance and config file tracking
var (
	k              = koanf.New(".")
	configFileUsed string
	currentConfig  *Config
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// findConfigFile returns the explicit path, or the first config file found
// in dir.
func findConfigFile(explicit, dir string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range ConfigFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// resolvePathRelativeTo resolves a local path relative to baseDir. Empty,
// absolute, in-memory and remote (scheme://) paths are returned unchanged.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ResetConfig resets the koanf instance. Used for testing.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
	currentConfig = nil
}

// LoadConfig loads configuration from file, environment variables, and flags.
// Precedence (highest to lowest): flags > env vars > environment block > config file > defaults
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	return LoadConfigWithTarget(cfgFile, "", flags)
}

// LoadConfigWithTarget loads configuration with an optional environment
// override. targetOverride, when set, selects the entry of the environments
// map to apply and becomes the recorded environment name.
func LoadConfigWithTarget(cfgFile string, targetOverride string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	projectRoot := cwd

	// 1. Load defaults
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Find and load config file; its directory becomes the project root
	configFileUsed = findConfigFile(cfgFile, cwd)
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
		if abs, err := filepath.Abs(configFileUsed); err == nil {
			projectRoot = filepath.Dir(abs)
		}
	}

	// 3. Apply the selected environment block over the file values
	envName := selectEnvironment(targetOverride, flags)
	if envName != "" {
		if err := k.Set("environment", envName); err != nil {
			return nil, fmt.Errorf("failed to set environment: %w", err)
		}
	}
	envName = k.String("environment")
	if block := "environments." + envName; k.Exists(block) {
		if err := k.Load(confmap.Provider(k.Cut(block).Raw(), "."), nil); err != nil {
			return nil, fmt.Errorf("failed to apply environment %s: %w", envName, err)
		}
	}

	// 4. Load environment variables (SPARKIFY_ prefix)
	// Transform: SPARKIFY_ENGINE__THREADS -> engine.threads
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
		if key == "environment" {
			// already applied in step 3
			return ""
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 5. Load flags (highest priority)
	flagPaths := map[string]string{}
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			// Only load flags that were explicitly set
			if !f.Changed || selectorFlags[f.Name] {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if mapped, ok := flagKeys[f.Name]; ok {
				key = mapped
			}
			if pathKey, ok := pathFlags[f.Name]; ok {
				flagPaths[pathKey] = resolvePathRelativeTo(f.Value.String(), cwd)
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 6. Unmarshal into Config struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ProjectRoot = projectRoot

	expandConfigEnvVars(&cfg)

	// 7. Resolve relative local paths. Flag values are relative to the
	// working directory, everything else to the project root.
	resolve := func(key string, p *string) {
		if v, ok := flagPaths[key]; ok {
			*p = v
			return
		}
		*p = resolvePathRelativeTo(*p, projectRoot)
	}
	resolve("input", &cfg.Input)
	resolve("output", &cfg.Output)
	resolve("state_path", &cfg.StatePath)
	resolve("engine.database", &cfg.Engine.Database)

	currentConfig = &cfg
	return &cfg, nil
}

// selectEnvironment returns the environment requested outside the config
// file: --target, then --env, then SPARKIFY_ENVIRONMENT. Empty means use the
// configured one.
func selectEnvironment(targetOverride string, flags *pflag.FlagSet) string {
	if targetOverride != "" {
		return targetOverride
	}
	if flags != nil && flags.Changed("env") {
		if v, err := flags.GetString("env"); err == nil && v != "" {
			return v
		}
	}
	return os.Getenv(EnvPrefix + "ENVIRONMENT")
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// GetCurrentConfig returns the currently loaded configuration.
// This is available after LoadConfig or LoadConfigWithTarget is called.
func GetCurrentConfig() *Config {
	return currentConfig
}

// LoggerKey returns the context key used for storing the logger.
// This allows the commands package to retrieve the logger from context
// without creating an import cycle with the cli package.
func LoggerKey() interface{} {
	return loggerKey{}
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return slog.New(slog.DiscardHandler)
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
// Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})
}

// expandConfigEnvVars expands environment variables in locations and credentials.
func expandConfigEnvVars(c *Config) {
	for _, p := range []*string{
		&c.Input,
		&c.Output,
		&c.Storage.Region,
		&c.Storage.AccessKeyID,
		&c.Storage.SecretAccessKey,
		&c.Storage.SessionToken,
		&c.Storage.Endpoint,
		&c.Metrics.PushgatewayURL,
	} {
		*p = expandEnvVars(*p)
	}
}
