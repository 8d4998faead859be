package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  backend: memory
dispatch:
  max_retries: 2
  retry_delay_base: 500ms
  attempt_timeout: 10s
logging:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 2, cfg.Dispatch.MaxRetries)
	require.Equal(t, 500*time.Millisecond, cfg.Dispatch.RetryDelayBase)
	require.Equal(t, 10*time.Second, cfg.Dispatch.AttemptTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	// Defaults survive partial files.
	require.Equal(t, "memory", cfg.Quota.Backend)
	require.Equal(t, 0.8, cfg.Dispatch.QuotaWarnPercent)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_PG_PASSWORD", "hunter2")
	path := writeConfig(t, `
store:
  backend: postgres
  postgres:
    host: db.internal
    database: aidispatch
    password: ${TEST_PG_PASSWORD}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "hunter2", cfg.Store.Postgres.Password)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"unknown store", func(c *Config) { c.Store.Backend = "dynamo" }},
		{"postgres without host", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Store.Postgres.Host = ""
		}},
		{"unknown quota backend", func(c *Config) { c.Quota.Backend = "memcached" }},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }},
		{"zero attempt timeout", func(c *Config) { c.Dispatch.AttemptTimeout = 0 }},
		{"warn percent out of range", func(c *Config) { c.Dispatch.QuotaWarnPercent = 1.5 }},
		{"tracing without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	m, err := NewManager(path, testLogger())
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, 8080, m.Get().Server.Port)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8081\n"), 0o600))
	m.reload()
	require.Equal(t, 8081, m.Get().Server.Port)
}

func TestManagerReloadNotifiesSubscribers(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	m, err := NewManager(path, testLogger())
	require.NoError(t, err)
	defer m.Close()

	var seen []int
	m.Subscribe(func(c *Config) { seen = append(seen, c.Server.Port) })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8082\n"), 0o600))
	m.reload()
	require.Equal(t, []int{8082}, seen)
}

func TestManagerReloadKeepsCurrentOnBadFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	m, err := NewManager(path, testLogger())
	require.NoError(t, err)
	defer m.Close()

	notified := false
	m.Subscribe(func(*Config) { notified = true })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -5\n"), 0o600))
	m.reload()
	require.Equal(t, 8080, m.Get().Server.Port)
	require.False(t, notified)
}
