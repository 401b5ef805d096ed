// Package config loads and validates the immutable service configuration.
// Configuration is read once at startup from a YAML file, then overridden by
// RULECORE_* environment variables. The resulting Config value is passed by
// value and never mutated while the service runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"rulecore/internal/logging"
)

// Environment names accepted by Config.Environment.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// Storage backend selectors.
const (
	BackendFile     = "file"
	BackendDatabase = "database"
	BackendMemory   = "memory"
)

// Config holds all rule service configuration.
type Config struct {
	// Core settings
	Environment string `yaml:"environment"` // dev, staging, prod
	Workspace   string `yaml:"workspace"`   // base dir for logs and relative paths

	// Rule sources
	RulesConfigPath      string `yaml:"rules_config_path"`      // rules-set JSON (file backend)
	ConditionsConfigPath string `yaml:"conditions_config_path"` // conditions JSON (file backend)

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Registry hot-reload behaviour
	Registry RegistryConfig `yaml:"registry"`

	// Batch execution
	Batch BatchConfig `yaml:"batch"`

	// Execution log sink
	ExecutionLog ExecutionLogConfig `yaml:"execution_log"`

	// Logging
	Logging logging.Options `yaml:"logging"`
}

// StorageConfig selects and parameterizes the repository backend.
type StorageConfig struct {
	Backend      string `yaml:"backend"` // file, database, memory
	DatabasePath string `yaml:"database_path"`
}

// RegistryConfig controls the hot-reload monitor.
type RegistryConfig struct {
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	StalenessWindow  time.Duration `yaml:"staleness_window"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	WatchFiles       bool          `yaml:"watch_files"` // fsnotify on the file backend
}

// BatchConfig bounds the batch executor.
type BatchConfig struct {
	MaxWorkers int `yaml:"max_workers"` // hard cap; 0 = NumCPU
}

// ExecutionLogConfig bounds the async execution-log queue.
type ExecutionLogConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Default returns the built-in defaults for a dev environment.
func Default() Config {
	return Config{
		Environment:     EnvDev,
		Workspace:       ".",
		RulesConfigPath: "rules-set.json",
		Storage: StorageConfig{
			Backend:      BackendFile,
			DatabasePath: "rulecore.db",
		},
		Registry: RegistryConfig{
			MonitorInterval:  30 * time.Second,
			StalenessWindow:  5 * time.Minute,
			SubscriberBuffer: 64,
			WatchFiles:       true,
		},
		Batch:        BatchConfig{MaxWorkers: 0},
		ExecutionLog: ExecutionLogConfig{QueueSize: 1024},
		Logging:      logging.Options{Level: "info"},
	}
}

// Load reads the config file at path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			// Missing file falls back to defaults, same as no path.
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides applies RULECORE_* environment variables on top of the
// file values. Unset variables leave the file value untouched.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RULECORE_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("RULECORE_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("RULECORE_RULES_CONFIG_PATH"); v != "" {
		cfg.RulesConfigPath = v
	}
	if v := os.Getenv("RULECORE_CONDITIONS_CONFIG_PATH"); v != "" {
		cfg.ConditionsConfigPath = v
	}
	if v := os.Getenv("RULECORE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("RULECORE_DATABASE_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("RULECORE_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.MonitorInterval = d
		}
	}
	if v := os.Getenv("RULECORE_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxWorkers = n
		}
	}
	if v := os.Getenv("RULECORE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("invalid environment %q (want dev, staging, or prod)", c.Environment)
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.RulesConfigPath == "" {
			return fmt.Errorf("file backend requires rules_config_path")
		}
	case BackendDatabase:
		if c.Storage.DatabasePath == "" {
			return fmt.Errorf("database backend requires database_path")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid storage backend %q (want file, database, or memory)", c.Storage.Backend)
	}

	if c.Registry.MonitorInterval < 0 {
		return fmt.Errorf("monitor_interval must be >= 0")
	}
	if c.Registry.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be > 0")
	}
	if c.Batch.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must be >= 0")
	}
	if c.ExecutionLog.QueueSize <= 0 {
		return fmt.Errorf("execution_log.queue_size must be > 0")
	}
	return nil
}
