package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  format: json
storage:
  driver: sqlite
  path: /tmp/arena.db
providers:
  openai:
    api_key: sk-test
    requests_per_minute: 500
    tokens_per_minute: 2000000
  anthropic:
    api_key: ak-test
orchestrator:
  concurrency: 8
  call_timeout: 30s
  abort_on_failure: true
retry:
  max_retries: 5
  initial_interval: 500ms
privacy:
  default_retention_days: 30
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/arena.db", cfg.Storage.Path)
	assert.Equal(t, 8, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.CallTimeout)
	assert.True(t, cfg.Orchestrator.AbortOnFailure)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 30, cfg.Privacy.DefaultRetentionDays)

	require.Contains(t, cfg.Providers, "openai")
	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
	assert.Equal(t, 500, cfg.Providers["openai"].RequestsPerMinute)
	assert.Equal(t, 2_000_000, cfg.Providers["openai"].TokensPerMinute)
	require.Contains(t, cfg.Providers, "anthropic")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.CallTimeout)
	assert.Equal(t, 90, cfg.Privacy.DefaultRetentionDays)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ARENA_LOGGING_LEVEL", "warn")
	t.Setenv("ARENA_ORCHESTRATOR_CONCURRENCY", "2")
	t.Setenv("ARENA_PROVIDERS_OPENAI_API_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Orchestrator.Concurrency)
	assert.Equal(t, "sk-from-env", cfg.Providers["openai"].APIKey)
	// Untouched file values survive the overlay.
	assert.Equal(t, 500, cfg.Providers["openai"].RequestsPerMinute)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"bad driver", "storage:\n  driver: postgres\n"},
		{"sqlite without path", "storage:\n  driver: sqlite\n"},
		{"negative retries", "retry:\n  max_retries: -1\n"},
		{"negative provider limit", "providers:\n  openai:\n    requests_per_minute: -5\n"},
		{"retention too long", "privacy:\n  default_retention_days: 4000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)

	_, err = LoadBytes([]byte("storage:\n  driver: postgres\n"))
	require.Error(t, err)
}

func TestTransformEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ARENA_STORAGE_DRIVER", "storage.driver"},
		{"ARENA_LOGGING_LEVEL", "logging.level"},
		{"ARENA_ORCHESTRATOR_ABORT_ON_FAILURE", "orchestrator.abort_on_failure"},
		{"ARENA_PROVIDERS_OPENAI_API_KEY", "providers.openai.api_key"},
		{"ARENA_PROVIDERS_GOOGLE_TOKENS_PER_MINUTE", "providers.google.tokens_per_minute"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, transformEnvKey(tt.in), tt.in)
	}
}
