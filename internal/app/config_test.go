package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/marcuserr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, `
persistence:
  backend: memory
lease:
  default_ttl_seconds: 120
kanban:
  provider: none
`)
	t.Setenv("MARCUS_CONFIG_PATH", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Persistence.Backend)
	assert.Equal(t, 120, cfg.Lease.DefaultTTLSeconds)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.ContextCache.Capacity)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.PersistEvents())
}

func TestLoadConfigMissingEnvPathFails(t *testing.T) {
	t.Setenv("MARCUS_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.Persistence.Backend = "postgres" }},
		{"zero pool", func(c *Config) { c.Persistence.PoolSize = 0 }},
		{"zero capacity", func(c *Config) { c.ContextCache.Capacity = 0 }},
		{"zero ttl", func(c *Config) { c.Lease.DefaultTTLSeconds = 0 }},
		{"zero history", func(c *Config) { c.EventBus.HistorySize = 0 }},
		{"zero threshold", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"negative delay", func(c *Config) { c.Retry.BaseDelaySeconds = -1 }},
		{"bad kanban", func(c *Config) { c.Kanban.Provider = "trello" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, marcuserr.KindConfiguration, marcuserr.KindOf(err))
		})
	}
}

func TestTriStateFlags(t *testing.T) {
	path := writeConfig(t, `
event_bus:
  persist_events: false
retry:
  jitter: false
`)
	t.Setenv("MARCUS_CONFIG_PATH", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.PersistEvents())
	assert.False(t, cfg.RetryJitter())

	// Absent keys resolve to true.
	assert.True(t, DefaultConfig().PersistEvents())
	assert.True(t, DefaultConfig().RetryJitter())
}

func TestDataDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MARCUS_DATA_DIR", dir)
	got, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestBuildMemoryBackedApp(t *testing.T) {
	t.Setenv("MARCUS_DATA_DIR", t.TempDir())
	cfg := DefaultConfig()
	cfg.Persistence.Backend = BackendMemory
	cfg.Server.HTTPAddr = ""

	a, err := Build(cfg, Options{})
	require.NoError(t, err)
	defer a.Close()

	resp := a.Dispatcher.Call(context.Background(), "c1", "ping", nil)
	assert.Equal(t, true, resp["success"])
}

func TestBuildRejectsCredentialedKanban(t *testing.T) {
	t.Setenv("MARCUS_DATA_DIR", t.TempDir())
	cfg := DefaultConfig()
	cfg.Persistence.Backend = BackendMemory
	cfg.Kanban.Provider = "planka"

	_, err := Build(cfg, Options{})
	require.Error(t, err)
	assert.Equal(t, marcuserr.KindConfiguration, marcuserr.KindOf(err))
}
