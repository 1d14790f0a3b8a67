// Package config provides configuration management for the Kleis proxy.
// It handles loading and parsing the YAML configuration file, defaulting,
// validation, and an atomically swappable snapshot used for hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the API server binds to.
	Host string `yaml:"host"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// DatabasePath is the SQLite file backing the repository.
	DatabasePath string `yaml:"database-path"`

	// AdminToken guards the /admin API. Either the raw token or a bcrypt
	// hash of it ($2 prefix). Falls back to the KLEIS_ADMIN_TOKEN
	// environment variable when empty.
	AdminToken string `yaml:"admin-token"`

	// PublicBaseURL overrides the origin used when rewriting provider API
	// endpoints in the model registry. Empty means derive from the request.
	PublicBaseURL string `yaml:"public-base-url"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log-level"`

	// LogDir switches logging to rotating files under the directory when
	// non-empty; empty logs to stdout.
	LogDir string `yaml:"log-dir"`

	// Metrics exposes Prometheus metrics at /metrics when true.
	Metrics bool `yaml:"metrics"`

	// AllowOrigins lists CORS origins; empty allows any origin.
	AllowOrigins []string `yaml:"allow-origins"`

	// Registry configures the models.dev-backed model discovery document.
	Registry RegistryConfig `yaml:"registry"`
}

// RegistryConfig configures the model discovery registry.
type RegistryConfig struct {
	// ModelsURL is the upstream models document, normally models.dev.
	ModelsURL string `yaml:"models-url"`

	// CachePath is the bbolt file caching the fetched document.
	CachePath string `yaml:"cache-path"`

	// CacheTTLMinutes is how long a cached document stays fresh.
	CacheTTLMinutes int `yaml:"cache-ttl-minutes"`
}

// CacheTTL returns the registry cache TTL as a duration.
func (r RegistryConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLMinutes) * time.Minute
}

// LoadConfig reads the YAML file at path, applies defaults and the
// environment fallback for the admin token, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}

	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "kleis.db"
	}
	if c.AdminToken == "" {
		c.AdminToken = os.Getenv("KLEIS_ADMIN_TOKEN")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Registry.ModelsURL == "" {
		c.Registry.ModelsURL = "https://models.dev/api.json"
	}
	if c.Registry.CachePath == "" {
		c.Registry.CachePath = "registry-cache.db"
	}
	if c.Registry.CacheTTLMinutes <= 0 {
		c.Registry.CacheTTLMinutes = 60
	}
}

// Validate rejects configurations the server cannot safely run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if strings.TrimSpace(c.AdminToken) == "" {
		return fmt.Errorf("config: admin-token is required (or set KLEIS_ADMIN_TOKEN)")
	}
	return nil
}

// Holder is an atomically swappable configuration snapshot. Components that
// consult configuration per request read through a Holder so the fsnotify
// watcher can apply changes without a restart.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder seeds a holder with the initial configuration.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Load returns the current snapshot. Callers must not mutate it.
func (h *Holder) Load() *Config { return h.current.Load() }

// Store swaps in a new snapshot.
func (h *Holder) Store(cfg *Config) { h.current.Store(cfg) }
