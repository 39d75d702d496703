package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Engine.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.DrainTimeout)
	assert.Equal(t, 1000, cfg.Engine.MultiprocessThreshold)
	assert.Equal(t, 500, cfg.Engine.MinUsersPerProcess)
	assert.Equal(t, 180*time.Second, cfg.Client.TotalTimeout)
	assert.Equal(t, ":5002", cfg.HealthAddr)
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_DB_HOST", "db.internal")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  host: ${TEST_DB_HOST}
  port: 5433
engine:
  poll_interval: 2s
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 5433, cfg.DB.Port)
	assert.Equal(t, 2*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched values keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Engine.DrainTimeout)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	t.Setenv("DB_HOST", "env-wins")
	t.Setenv("MULTIPROCESS_THRESHOLD", "2000")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  host: yaml-host\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-wins", cfg.DB.Host)
	assert.Equal(t, 2000, cfg.Engine.MultiprocessThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db host", func(c *Config) { c.DB.Host = "" }},
		{"bad db port", func(c *Config) { c.DB.Port = 0 }},
		{"zero poll interval", func(c *Config) { c.Engine.PollInterval = 0 }},
		{"zero threshold", func(c *Config) { c.Engine.MultiprocessThreshold = 0 }},
		{"floor above one", func(c *Config) { c.Engine.SuccessRateFloor = 1.5 }},
		{"zero connect timeout", func(c *Config) { c.Client.ConnectTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
