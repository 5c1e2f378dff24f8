package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/sparkify-lake/internal/cli/config"
	"github.com/leapstack-labs/sparkify-lake/internal/cli/output"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file init writes.
const ConfigFileName = "sparkify.yaml"

const configHeader = `# sparkify configuration
#
# Values can be overridden per environment (sparkify run -t prod), through
# SPARKIFY_ environment variables (SPARKIFY_ENGINE__THREADS=8) or flags.
# ${VAR} references in storage settings are expanded from the environment.

`

// sampleConfig returns the configuration init writes.
func sampleConfig() *config.Config {
	return &config.Config{
		Input:       "s3://udacity-dend",
		Output:      "lake",
		StatePath:   config.DefaultStateFile,
		Environment: config.DefaultEnv,
		Engine: config.EngineConfig{
			Parallelism: 4,
		},
		Storage: config.StorageConfig{
			Region:          config.DefaultRegion,
			AccessKeyID:     "${AWS_ACCESS_KEY_ID}",
			SecretAccessKey: "${AWS_SECRET_ACCESS_KEY}",
			UseSSL:          true,
		},
		Transform: config.TransformConfig{
			AllowEmptyEvents: true,
		},
		Writer: config.WriterConfig{
			Compression: config.DefaultCompression,
		},
		Checks: config.ChecksConfig{
			Enabled: true,
		},
		Environments: map[string]config.EnvConfig{
			"prod": {
				Output:    "s3://my-sparkify-lake/analytics",
				StatePath: ".sparkify/prod.db",
			},
		},
	}
}

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Create a sparkify.yaml configuration",
		Long: `Create a sparkify.yaml with the input, output and storage settings of a
typical deployment: the public Udacity bucket as input, a local lake as
output and a prod environment writing to S3.`,
		Example: `  # Initialize in current directory
  sparkify init

  # Initialize in a new directory
  sparkify init my-lake

  # Force overwrite existing config
  sparkify init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			cmdCtx := NewCommandContextWithoutEngine(cmd)
			return runInit(cmdCtx.Renderer, dir, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration")

	return cmd
}

func runInit(r *output.Renderer, dir string, force bool) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.New(ConfigFileName + " already exists. Use --force to overwrite")
	}

	data, err := encodeConfig(sampleConfig())
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", configPath, err)
	}

	r.StatusLine(configPath, "success", "")
	r.Println("")
	r.Success("sparkify configured!")
	r.Println("")
	r.Println("Next steps:")
	r.Println("  1. Export AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY")
	r.Println("  2. Run 'sparkify plan' to review the tables and locations")
	r.Println("  3. Run 'sparkify run' to build the lake")
	r.Println("  4. Run 'sparkify history' to see recorded runs")

	return nil
}

func encodeConfig(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
