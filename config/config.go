// Package config loads and validates the service configuration from a
// JSON file with environment variable overrides for deployment-specific
// settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/meadowlark-bradsher/tee/errors"
)

// Config represents the complete application configuration
type Config struct {
	Platform PlatformConfig `json:"platform"`
	NATS     NATSConfig     `json:"nats"`
	Store    StoreConfig    `json:"store"`
	Service  ServiceConfig  `json:"service"`
}

// PlatformConfig defines deployment identity
type PlatformConfig struct {
	Org         string `json:"org"`                   // Organization namespace
	InstanceID  string `json:"instance_id,omitempty"` // e.g. "tee-west-1"
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// Store backend modes
const (
	StoreModePostgres = "postgres"
	StoreModeMemory   = "memory" // tests and local development only
)

// StoreConfig defines the graph store backend
type StoreConfig struct {
	Mode string `json:"mode"`          // "postgres" or "memory"
	DSN  string `json:"dsn,omitempty"` // Postgres connection string
}

// ServiceConfig defines RPC surface settings
type ServiceConfig struct {
	SubjectPrefix  string        `json:"subject_prefix,omitempty"` // default "tee"
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
	HealthPort     int           `json:"health_port,omitempty"` // 0 disables the HTTP listener
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Store: StoreConfig{Mode: StoreModePostgres},
		Service: ServiceConfig{
			SubjectPrefix:  "tee",
			RequestTimeout: 5 * time.Second,
			HealthPort:     8080,
		},
	}
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.urls is required")
	}

	switch c.Store.Mode {
	case StoreModePostgres:
		if c.Store.DSN == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"store.dsn is required for the postgres store")
		}
	case StoreModeMemory:
		// nothing to check
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown store mode: %q", c.Store.Mode))
	}

	if c.Service.SubjectPrefix == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"service.subject_prefix must not be empty")
	}
	if c.Service.RequestTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"service.request_timeout must be positive")
	}
	if c.Service.HealthPort < 0 || c.Service.HealthPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid health port: %d", c.Service.HealthPort))
	}

	return nil
}

// Loader loads configuration files
type Loader struct{}

// NewLoader creates a config loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile reads a JSON config file, merges it over the defaults, and
// applies environment variable overrides.
func (l *Loader) LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "read config file")
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "parse config file")
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployments override connection settings without
// editing the config file
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("TEE_NATS_URL"); url != "" {
		cfg.NATS.URLs = []string{url}
	}
	if dsn := os.Getenv("TEE_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if mode := os.Getenv("TEE_STORE_MODE"); mode != "" {
		cfg.Store.Mode = mode
	}
}
