package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/sparkify-lake/internal/cli/output"
	"github.com/leapstack-labs/sparkify-lake/internal/writer"
)

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error

	if !output.ValidMode(c.Format) {
		errs = append(errs, fmt.Errorf("invalid format %q (want one of %s)", c.Format, strings.Join(output.Modes, ", ")))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log_format %q (want text or json)", c.LogFormat))
	}
	if c.Engine.Threads < 0 {
		errs = append(errs, errors.New("engine.threads must not be negative"))
	}
	if c.Engine.Parallelism < 0 {
		errs = append(errs, errors.New("engine.parallelism must not be negative"))
	}
	if c.Transform.DurationTolerance < 0 {
		errs = append(errs, errors.New("transform.duration_tolerance must not be negative"))
	}
	if c.Writer.Compression != "" && !slices.Contains(writer.Compressions, strings.ToLower(c.Writer.Compression)) {
		errs = append(errs, fmt.Errorf("invalid writer.compression %q (want one of %s)",
			c.Writer.Compression, strings.Join(writer.Compressions, ", ")))
	}
	switch c.Storage.URLStyle {
	case "", "vhost", "path":
	default:
		errs = append(errs, fmt.Errorf("invalid storage.url_style %q (want vhost or path)", c.Storage.URLStyle))
	}

	return errors.Join(errs...)
}

// ValidatePaths checks the locations a pipeline run needs.
func (c *Config) ValidatePaths() error {
	if c.Input == "" {
		return errors.New("input is required\nHint: set input in sparkify.yaml or pass --input")
	}
	if c.Output == "" {
		return errors.New("output is required\nHint: set output in sparkify.yaml or pass --output")
	}
	return nil
}
