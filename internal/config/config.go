// Package config loads the aggregator settings from measure.yaml in the
// working directory. A missing file or a missing measure namespace means
// defaults; a file that is present but malformed is a fatal configuration
// error.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/measure-app/internal/errs"
)

const (
	// DefaultFile is the configuration file looked up in the working
	// directory when no --config path is given.
	DefaultFile = "measure.yaml"

	// DefaultCleanupGracePeriod bounds the graceful phase of escalation.
	DefaultCleanupGracePeriod = 300
)

// Config holds the settings under the measure namespace.
type Config struct {
	// GracePeriod is the slack added to the largest control-derived
	// duration to form the run timeout. Zero disables the timeout.
	GracePeriod int
	// ForceCancel treats the driver set as cancellable even when not
	// every driver advertises support.
	ForceCancel bool
	// CleanupGracePeriod is how long escalation waits between the
	// graceful stop signal and the forceful kill, in seconds.
	CleanupGracePeriod int
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		GracePeriod:        0,
		ForceCancel:        false,
		CleanupGracePeriod: DefaultCleanupGracePeriod,
	}
}

// CleanupGrace returns the cleanup grace period as a duration.
func (c *Config) CleanupGrace() time.Duration {
	return time.Duration(c.CleanupGracePeriod) * time.Second
}

// fileConfig mirrors the measure namespace with pointer fields so that an
// explicitly configured zero is distinguishable from an absent key.
type fileConfig struct {
	GracePeriod        *int  `yaml:"grace_period"`
	ForceCancel        *bool `yaml:"force_cancel"`
	CleanupGracePeriod *int  `yaml:"cleanup_grace_period"`
}

// Load reads the configuration file at path (DefaultFile when empty) and
// extracts the measure namespace.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Message: fmt.Sprintf("reading %s", path), Cause: err}
	}

	var file struct {
		Measure *fileConfig `yaml:"measure"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &errs.ConfigError{Message: fmt.Sprintf("parsing %s", path), Cause: err}
	}
	if file.Measure == nil {
		return Default(), nil
	}

	cfg := Default()
	if v := file.Measure.GracePeriod; v != nil {
		cfg.GracePeriod = *v
	}
	if v := file.Measure.ForceCancel; v != nil {
		cfg.ForceCancel = *v
	}
	if v := file.Measure.CleanupGracePeriod; v != nil {
		cfg.CleanupGracePeriod = *v
	}
	if err := validate(cfg); err != nil {
		return nil, &errs.ConfigError{Message: fmt.Sprintf("validating %s", path), Cause: err}
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %d", cfg.GracePeriod)
	}
	if cfg.CleanupGracePeriod < 0 {
		return fmt.Errorf("cleanup_grace_period must not be negative, got %d", cfg.CleanupGracePeriod)
	}
	return nil
}
