// Package config loads sem.yaml, the optional defaults file of the sem
// command, and parameter space files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"sem/internal/core"
	"sem/internal/export"
	"sem/internal/runner"
)

// DefaultFile is looked up in the working directory when no --config is
// given.
const DefaultFile = "sem.yaml"

// Config holds the defaults flags fall back to.
type Config struct {
	NS3Path    string `yaml:"ns3_path"`
	Script     string `yaml:"script"`
	ResultsDir string `yaml:"results_dir"`
	Executable string `yaml:"executable"`

	Runner  runner.Kind `yaml:"runner"`
	Workers int         `yaml:"workers"`
	Timeout string      `yaml:"timeout"` // per simulation, e.g. "10m"; empty for none

	RequireCleanRepo bool `yaml:"require_clean_repo"`
	AllowNoGit       bool `yaml:"allow_no_git"`

	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// StorageConfig is where `sem push` uploads to.
type StorageConfig struct {
	export.MinioConfig `yaml:",inline"`
	Bucket             string `yaml:"bucket"`
	Prefix             string `yaml:"prefix"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ResultsDir: "results",
		Runner:     runner.KindSimulation,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			Bucket: "sem",
		},
	}
}

// Load reads path over the defaults and applies SEM_* environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return core.WriteFileAtomic(path, data, 0o644)
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SEM_NS3_PATH":      &c.NS3Path,
		"SEM_SCRIPT":        &c.Script,
		"SEM_RESULTS_DIR":   &c.ResultsDir,
		"SEM_EXECUTABLE":    &c.Executable,
		"SEM_TIMEOUT":       &c.Timeout,
		"SEM_LOG_LEVEL":     &c.Logging.Level,
		"SEM_LOG_FORMAT":    &c.Logging.Format,
		"SEM_S3_ENDPOINT":   &c.Storage.Endpoint,
		"SEM_S3_ACCESS_KEY": &c.Storage.AccessKeyID,
		"SEM_S3_SECRET_KEY": &c.Storage.SecretAccessKey,
		"SEM_S3_REGION":     &c.Storage.Region,
		"SEM_S3_BUCKET":     &c.Storage.Bucket,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("SEM_RUNNER"); v != "" {
		c.Runner = runner.Kind(v)
	}
	if v := os.Getenv("SEM_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SEM_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

// GetTimeout returns the per-simulation timeout, zero when unset or invalid.
func (c *Config) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks values no flag can repair later.
func (c *Config) Validate() error {
	switch c.Runner {
	case runner.KindSimulation, runner.KindParallel:
	default:
		return fmt.Errorf("invalid runner: %s (valid: %s, %s)", c.Runner, runner.KindSimulation, runner.KindParallel)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d", c.Workers)
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// LoadSpace reads a parameter space from a YAML mapping of parameter names
// to a value or a list of values. Key order is kept.
func LoadSpace(path string) (core.Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter space: %w", err)
	}
	var space core.Space
	if err := yaml.Unmarshal(data, &space); err != nil {
		return nil, fmt.Errorf("failed to parse parameter space %s: %w", path, err)
	}
	return space, nil
}
