// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dispatch gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Quota      QuotaConfig      `yaml:"quota"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Health     HealthConfig     `yaml:"health"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // memory, postgres
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// QuotaConfig selects the daily-quota counter backend.
type QuotaConfig struct {
	Backend string      `yaml:"backend"` // memory, redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatchConfig contains fallback execution defaults. Per-chain and
// per-request values override these.
type DispatchConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelayBase   time.Duration `yaml:"retry_delay_base"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	RegistryRefresh  time.Duration `yaml:"registry_refresh"`
	QuotaWarnPercent float64       `yaml:"quota_warn_percent"`
}

// HealthConfig controls the provider health monitor.
type HealthConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	DegradedLatency   time.Duration `yaml:"degraded_latency"`
	UnhealthyFailures int           `yaml:"unhealthy_failures"`
}

// GuardrailsConfig controls the prompt/response safety filter.
type GuardrailsConfig struct {
	Enabled         bool     `yaml:"enabled"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				Database:     "aidispatch",
				SSLMode:      "disable",
				MaxOpenConns: 25,
				MaxIdleConns: 5,
				ConnLifetime: 5 * time.Minute,
			},
		},
		Quota: QuotaConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Dispatch: DispatchConfig{
			MaxRetries:       3,
			RetryDelayBase:   time.Second,
			AttemptTimeout:   30 * time.Second,
			RegistryRefresh:  time.Minute,
			QuotaWarnPercent: 0.8,
		},
		Health: HealthConfig{
			Enabled:           true,
			Interval:          30 * time.Second,
			ProbeTimeout:      10 * time.Second,
			DegradedLatency:   2 * time.Second,
			UnhealthyFailures: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "aidispatch",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.host is required")
		}
		if c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.database is required")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	switch c.Quota.Backend {
	case "memory":
	case "redis":
		if c.Quota.Redis.Addr == "" {
			return fmt.Errorf("quota.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown quota backend: %q", c.Quota.Backend)
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries cannot be negative")
	}
	if c.Dispatch.RetryDelayBase < 0 {
		return fmt.Errorf("dispatch.retry_delay_base cannot be negative")
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout must be positive")
	}
	if c.Dispatch.QuotaWarnPercent < 0 || c.Dispatch.QuotaWarnPercent > 1 {
		return fmt.Errorf("dispatch.quota_warn_percent must be in [0,1]")
	}

	if c.Health.UnhealthyFailures < 1 {
		return fmt.Errorf("health.unhealthy_failures must be at least 1")
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0,1]")
		}
	}

	return nil
}
