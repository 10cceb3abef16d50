// Package config loads engine configuration from a YAML file with
// ARENA_-prefixed environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/symbi-labs/arena/internal/domain"
)

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// LoggingConfig controls the engine's structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is text or json.
	Format string `koanf:"format"`
}

// StorageConfig selects and parameterizes the repository.
type StorageConfig struct {
	// Driver is memory or sqlite.
	Driver string `koanf:"driver"`

	// Path is the sqlite database file; ignored by the memory driver.
	Path string `koanf:"path"`
}

// ProviderConfig holds per-provider credentials, endpoint override, and
// declared rate limits.
type ProviderConfig struct {
	APIKey            string `koanf:"api_key"`
	Endpoint          string `koanf:"endpoint"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
	TokensPerMinute   int    `koanf:"tokens_per_minute"`
}

// OrchestratorConfig tunes run execution.
type OrchestratorConfig struct {
	// Concurrency bounds simultaneous trials.
	Concurrency int `koanf:"concurrency"`

	// CallTimeout bounds each provider call.
	CallTimeout time.Duration `koanf:"call_timeout"`

	// AbortOnFailure stops a run on the first failed trial.
	AbortOnFailure bool `koanf:"abort_on_failure"`
}

// RetryConfig tunes the gateway's backoff policy.
type RetryConfig struct {
	MaxRetries      int           `koanf:"max_retries"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

// PrivacyConfig sets engine-wide privacy defaults.
type PrivacyConfig struct {
	// DefaultRetentionDays applies when an experiment sets none.
	DefaultRetentionDays int `koanf:"default_retention_days"`
}

// Config is the full engine configuration.
type Config struct {
	Logging      LoggingConfig             `koanf:"logging"`
	Storage      StorageConfig             `koanf:"storage"`
	Providers    map[string]ProviderConfig `koanf:"providers"`
	Orchestrator OrchestratorConfig        `koanf:"orchestrator"`
	Retry        RetryConfig               `koanf:"retry"`
	Privacy      PrivacyConfig             `koanf:"privacy"`
}

// applyDefaults fills missing values in place.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageMemory
	}
	if cfg.Orchestrator.Concurrency == 0 {
		cfg.Orchestrator.Concurrency = 4
	}
	if cfg.Orchestrator.CallTimeout == 0 {
		cfg.Orchestrator.CallTimeout = 60 * time.Second
	}
	if cfg.Privacy.DefaultRetentionDays == 0 {
		cfg.Privacy.DefaultRetentionDays = 90
	}
}

// Validate checks ranges and cross-field consistency.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not memory or sqlite", c.Storage.Driver)
	}

	if c.Orchestrator.Concurrency < 1 {
		return fmt.Errorf("orchestrator.concurrency must be at least 1, got %d", c.Orchestrator.Concurrency)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Privacy.DefaultRetentionDays < 0 || c.Privacy.DefaultRetentionDays > domain.MaxRetentionDays {
		return fmt.Errorf("privacy.default_retention_days must be in [0, %d], got %d",
			domain.MaxRetentionDays, c.Privacy.DefaultRetentionDays)
	}

	for name, p := range c.Providers {
		if p.RequestsPerMinute < 0 || p.TokensPerMinute < 0 {
			return fmt.Errorf("providers.%s rate limits must not be negative", name)
		}
	}
	return nil
}
