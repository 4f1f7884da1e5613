package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "nexus.yaml")
	cfg := `database:
  driver: sqlite
  dsn: /var/lib/nexus/sync.db
vendor:
  base_url: https://eu.app.clio.com/api/v4
  page_size: 50
  request_timeout: 15s
sync:
  resources: [contacts, matters]
  concurrency: 2
schedule:
  incremental: "@every 5m"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	t.Setenv("NEXUS_CONFIG_FILE", cfgPath)
	t.Setenv("NEXUS_ENV_FILE", filepath.Join(tmpDir, "missing.env"))
	t.Setenv("NEXUS_VENDOR_CLIENT_ID", "client-123")
	t.Setenv("NEXUS_SCHEDULE_DAILY_FULL", "30 3 * * *")
	t.Setenv("PORT", "9090")

	loaded, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/nexus/sync.db", loaded.Database.DSN)
	assert.Equal(t, "https://eu.app.clio.com/api/v4", loaded.Vendor.BaseURL)
	assert.Equal(t, 50, loaded.Vendor.PageSize)
	assert.Equal(t, 15*time.Second, loaded.Vendor.Timeout)
	assert.Equal(t, []string{"contacts", "matters"}, loaded.Sync.Resources)
	assert.Equal(t, 2, loaded.Sync.Concurrency)
	assert.Equal(t, "@every 5m", loaded.Schedule.Incremental)
	assert.Equal(t, "30 3 * * *", loaded.Schedule.DailyFull)
	assert.Equal(t, "client-123", loaded.Vendor.ClientID)
	assert.Equal(t, "9090", loaded.Server.Port)
	// untouched defaults survive a partial file
	assert.Equal(t, "https://app.clio.com/oauth/token", loaded.Vendor.TokenURL)
	assert.Equal(t, 24*time.Hour, loaded.Sync.IncrementalLookback)
}

func TestLoadDotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("NEXUS_VENDOR_CLIENT_SECRET=from-dotenv\n"), 0o600))

	t.Setenv("NEXUS_ENV_FILE", envPath)
	t.Setenv("NEXUS_CONFIG_FILE", "")
	// registers cleanup so the value loaded from .env does not leak into other tests
	t.Setenv("NEXUS_VENDOR_CLIENT_SECRET", "")
	os.Unsetenv("NEXUS_VENDOR_CLIENT_SECRET")

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", loaded.Vendor.ClientSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "oracle" }},
		{name: "empty resources", mutate: func(c *Config) { c.Sync.Resources = nil }},
		{name: "unknown resource", mutate: func(c *Config) { c.Sync.Resources = []string{"contacts", "contact"} }},
		{name: "unknown endpoint override", mutate: func(c *Config) { c.Vendor.Endpoints = map[string]string{"widgets": "widgets"} }},
		{name: "empty endpoint override", mutate: func(c *Config) { c.Vendor.Endpoints = map[string]string{"invoices": ""} }},
		{name: "zero page size", mutate: func(c *Config) { c.Vendor.PageSize = 0 }},
		{name: "bad timezone", mutate: func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{name: "bad base url", mutate: func(c *Config) { c.Vendor.BaseURL = "not a url" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadRejectsUnknownResourceFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "nexus.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: \"8080\"\n"), 0o644))
	t.Setenv("NEXUS_CONFIG_FILE", cfgPath)
	t.Setenv("NEXUS_ENV_FILE", filepath.Join(tmpDir, "missing.env"))
	t.Setenv("NEXUS_SYNC_RESOURCES", "contacts,contact")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'resource' tag")
}

func TestRedirectURL(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://127.0.0.1:8080/auth/vendor/callback", cfg.RedirectURL())

	cfg.Server.PublicURL = "https://exchanges.example.com/"
	assert.Equal(t, "https://exchanges.example.com/auth/vendor/callback", cfg.RedirectURL())

	cfg.Vendor.RedirectURL = "https://override.example.com/cb"
	assert.Equal(t, "https://override.example.com/cb", cfg.RedirectURL())
}
