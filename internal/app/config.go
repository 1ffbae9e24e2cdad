// Package app loads server configuration and wires the coordination core
// into a runnable server.
package app

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcushq/marcus/internal/marcuserr"
)

// Persistence backends.
const (
	BackendRelational = "relational"
	BackendFile       = "file"
	BackendMemory     = "memory"
)

// ServerConfig selects the tool-call transports.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Stdio    bool   `yaml:"stdio"`
}

// PersistenceConfig selects and tunes the storage backend.
type PersistenceConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// ContextCacheConfig bounds resident project contexts.
type ContextCacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// LeaseSettings tune lease lifetimes.
type LeaseSettings struct {
	DefaultTTLSeconds      int `yaml:"default_ttl_seconds"`
	ReclaimIntervalSeconds int `yaml:"reclaim_interval_seconds"`
}

// EventBusSettings tune per-project event buses.
type EventBusSettings struct {
	HistorySize   int   `yaml:"history_size"`
	PersistEvents *bool `yaml:"persist_events"`
}

// BreakerSettings tune the classifier and kanban circuit breakers.
type BreakerSettings struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

// RetrySettings tune retry backoff for outbound collaborator calls.
type RetrySettings struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	BaseDelaySeconds float64 `yaml:"base_delay_seconds"`
	MaxDelaySeconds  float64 `yaml:"max_delay_seconds"`
	Jitter           *bool   `yaml:"jitter"`
}

// ClassifierSettings toggle AI task rescoring.
type ClassifierSettings struct {
	Enabled bool `yaml:"enabled"`
}

// KanbanSettings select the board sync provider.
type KanbanSettings struct {
	Provider string `yaml:"provider"`
}

// Config represents configuration loaded from config.yaml. Field names
// match snake_case YAML keys.
type Config struct {
	Server         ServerConfig       `yaml:"server"`
	Persistence    PersistenceConfig  `yaml:"persistence"`
	ContextCache   ContextCacheConfig `yaml:"context_cache"`
	Lease          LeaseSettings      `yaml:"lease"`
	EventBus       EventBusSettings   `yaml:"event_bus"`
	CircuitBreaker BreakerSettings    `yaml:"circuit_breaker"`
	Retry          RetrySettings      `yaml:"retry"`
	Classifier     ClassifierSettings `yaml:"classifier"`
	Kanban         KanbanSettings     `yaml:"kanban"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	yes := true
	return Config{
		Server:         ServerConfig{HTTPAddr: "127.0.0.1:8765"},
		Persistence:    PersistenceConfig{Backend: BackendRelational, PoolSize: 4},
		ContextCache:   ContextCacheConfig{Capacity: 10},
		Lease:          LeaseSettings{DefaultTTLSeconds: 3600, ReclaimIntervalSeconds: 30},
		EventBus:       EventBusSettings{HistorySize: 1000, PersistEvents: &yes},
		CircuitBreaker: BreakerSettings{FailureThreshold: 5, RecoveryTimeoutSeconds: 60},
		Retry:          RetrySettings{MaxAttempts: 3, BaseDelaySeconds: 1.0, MaxDelaySeconds: 60.0, Jitter: &yes},
		Kanban:         KanbanSettings{Provider: "none"},
	}
}

// ConfigDir returns ~/.config/marcus/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "marcus"), nil
}

// DataDir returns the base directory for persistence files:
// $MARCUS_DATA_DIR when set, otherwise the config directory.
func DataDir() (string, error) {
	if dir := os.Getenv("MARCUS_DATA_DIR"); dir != "" {
		return dir, nil
	}
	return ConfigDir()
}

// EnsureConfigDir creates the config directory and a commented default
// config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfigFile), 0o600)
	}
	return nil
}

const defaultConfigFile = `# marcus configuration
# Run: marcus --help

# persistence:
#   backend: relational   # relational | file | memory
#   path: ""              # overrides $MARCUS_DATA_DIR
#   pool_size: 4
# context_cache:
#   capacity: 10
# lease:
#   default_ttl_seconds: 3600
#   reclaim_interval_seconds: 30
# event_bus:
#   history_size: 1000
#   persist_events: true
# circuit_breaker:
#   failure_threshold: 5
#   recovery_timeout_seconds: 60
# retry:
#   max_attempts: 3
#   base_delay_seconds: 1.0
#   max_delay_seconds: 60.0
#   jitter: true
# classifier:
#   enabled: false
# kanban:
#   provider: none        # none | planka | github | linear
`

// LoadConfig loads configuration using the documented lookup order.
// Lookup order (first found wins):
// 1) $MARCUS_CONFIG_PATH
// 2) ~/.config/marcus/config.yaml
// 3) /etc/marcus/config.yaml
// 4) ./config.yaml (lowest priority; allows repo-local overrides)
// A missing file at every location yields the defaults.
func LoadConfig() (Config, error) {
	if path := os.Getenv("MARCUS_CONFIG_PATH"); path != "" {
		return loadConfigFile(path)
	}

	var candidates []string
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "config.yaml"))
	}
	candidates = append(candidates,
		filepath.Join(string(os.PathSeparator), "etc", "marcus", "config.yaml"),
		"config.yaml",
	)

	for _, path := range candidates {
		cfg, err := loadConfigFile(path)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	return DefaultConfig(), nil
}

func loadConfigFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, err
		}
		return Config{}, marcuserr.Wrap(marcuserr.KindConfiguration, err, "cannot read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, marcuserr.Wrap(marcuserr.KindConfiguration, err, "config file is not valid YAML")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects option values outside their documented domains.
func (c Config) Validate() error {
	switch c.Persistence.Backend {
	case BackendRelational, BackendFile, BackendMemory:
	default:
		return marcuserr.Configuration("persistence.backend must be relational, file, or memory")
	}
	if c.Persistence.PoolSize < 1 {
		return marcuserr.Configuration("persistence.pool_size must be at least 1")
	}
	if c.ContextCache.Capacity < 1 {
		return marcuserr.Configuration("context_cache.capacity must be at least 1")
	}
	if c.Lease.DefaultTTLSeconds < 1 {
		return marcuserr.Configuration("lease.default_ttl_seconds must be at least 1")
	}
	if c.Lease.ReclaimIntervalSeconds < 1 {
		return marcuserr.Configuration("lease.reclaim_interval_seconds must be at least 1")
	}
	if c.EventBus.HistorySize < 1 {
		return marcuserr.Configuration("event_bus.history_size must be at least 1")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return marcuserr.Configuration("circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return marcuserr.Configuration("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelaySeconds < 0 || c.Retry.MaxDelaySeconds < 0 {
		return marcuserr.Configuration("retry delays must not be negative")
	}
	switch c.Kanban.Provider {
	case "", "none", "planka", "github", "linear":
	default:
		return marcuserr.Configuration("kanban.provider must be none, planka, github, or linear")
	}
	return nil
}

// LeaseTTL returns the configured lease TTL as a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.DefaultTTLSeconds) * time.Second
}

// ReclaimInterval returns the configured reclaim scan interval.
func (c Config) ReclaimInterval() time.Duration {
	return time.Duration(c.Lease.ReclaimIntervalSeconds) * time.Second
}

// PersistEvents resolves the tri-state yaml flag.
func (c Config) PersistEvents() bool {
	return c.EventBus.PersistEvents == nil || *c.EventBus.PersistEvents
}

// RetryJitter resolves the tri-state yaml flag.
func (c Config) RetryJitter() bool {
	return c.Retry.Jitter == nil || *c.Retry.Jitter
}
