package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverPostgres, cfg.Ledger.StorageDriver)
	assert.Equal(t, 1, cfg.Ledger.MaxConflictRetries)
	assert.Equal(t, time.Hour, cfg.Ledger.ExpirySweepInterval)
	assert.Equal(t, 3, cfg.Ledger.DefaultExpiringDays)
	assert.Equal(t, 100, cfg.Ledger.MaxRequirements)
}

func TestLoadFile_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  port: 9090
ledger:
  storage_driver: memory
  expiry_sweep_interval: 15m
  max_conflict_retries: 3
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, DriverMemory, cfg.Ledger.StorageDriver)
	assert.Equal(t, 15*time.Minute, cfg.Ledger.ExpirySweepInterval)
	assert.Equal(t, 3, cfg.Ledger.MaxConflictRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// 未指定の項目は既定値のまま
	assert.Equal(t, 30*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, "JPY", cfg.Ledger.DefaultCurrency)
}

func TestLoadFile_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))
		_, err := LoadFile(path)
		assert.Error(t, err)
	})
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  port: 9090\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_PORT", "7070")
	t.Setenv("LEDGER_STORAGE_DRIVER", "memory")
	t.Setenv("LEDGER_EXPIRY_SWEEP_INTERVAL", "0s")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, DriverMemory, cfg.Ledger.StorageDriver)
	assert.Equal(t, time.Duration(0), cfg.Ledger.ExpirySweepInterval)
	assert.Equal(t, "collector:4318", cfg.Telemetry.OTLPEndpoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Ledger.StorageDriver = "sqlite" }},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }},
		{"bad db port", func(c *Config) { c.Database.Port = 0 }},
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"negative retries", func(c *Config) { c.Ledger.MaxConflictRetries = -1 }},
		{"negative sweep interval", func(c *Config) { c.Ledger.ExpirySweepInterval = -time.Second }},
		{"zero max requirements", func(c *Config) { c.Ledger.MaxRequirements = 0 }},
		{"bad currency", func(c *Config) { c.Ledger.DefaultCurrency = "YEN!" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("memory driver ignores database settings", func(t *testing.T) {
		cfg := Default()
		cfg.Ledger.StorageDriver = DriverMemory
		cfg.Database.Host = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestDSN(t *testing.T) {
	cfg := Default()
	assert.Equal(t,
		"host=localhost port=5432 user=ledger password=password dbname=batch_ledger sslmode=disable",
		cfg.DSN(),
	)
}
