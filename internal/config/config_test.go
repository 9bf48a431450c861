package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarathsp06/orderhook/internal/signature"
)

const sampleYAML = `
debug: true
storage:
  driver: postgres
  database_url: postgres://orderhook:secret@db:5432/orderhook?sslmode=disable
server:
  port: 9000
processing:
  max_retries: 5
  retry_base: 500ms
  timeout: 10s
retention:
  interval: 30m
  age_hours: 24
platforms:
  - platform: swiggy
    secret_key: swiggy-secret
    header_name: X-Swiggy-Signature
  - platform: zomato
    secret_key: zomato-secret
    header_name: X-Zomato-Webhook-Signature
    algorithm: hmac-sha512
    encoding: base64
  - platform: uber-eats
    secret_key: placeholder
    prefix: "sha256="
`

func writeConfig(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dir
}

func TestLoad(t *testing.T) {
	path, dir := writeConfig(t, sampleYAML)
	t.Setenv("ORDERHOOK_PLATFORM_UBER_EATS_SECRET_KEY", "uber-secret-from-env")

	cfg, err := Load(path, dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Debug)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout, "defaults fill unset keys")
	assert.Equal(t, 5, cfg.Processing.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Processing.RetryBase)
	assert.Equal(t, 10*time.Second, cfg.Processing.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Retention.Interval)
	assert.Equal(t, 24, cfg.Retention.AgeHours)
	assert.Equal(t, "webhook_events", cfg.Queue.Name)

	require.Len(t, cfg.Platforms, 3)
	assert.Equal(t, "uber-secret-from-env", cfg.Platforms[2].SecretKey)

	registry, err := cfg.Registry()
	require.NoError(t, err)
	zomato, ok := registry.Lookup("zomato")
	require.True(t, ok)
	assert.Equal(t, signature.AlgorithmHMACSHA512, zomato.Algorithm)
	assert.Equal(t, signature.EncodingBase64, zomato.Encoding)
	assert.Equal(t, "X-Zomato-Webhook-Signature", zomato.HeaderName)
}

func TestLoadEnvOverrides(t *testing.T) {
	path, dir := writeConfig(t, sampleYAML)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ORDERHOOK_SERVER_PORT=7000\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("ORDERHOOK_PROCESSING_TIMEOUT=3s\n"), 0o600))
	t.Setenv("ORDERHOOK_SERVER_PORT", "")
	t.Setenv("ORDERHOOK_PROCESSING_TIMEOUT", "")
	t.Setenv("ORDERHOOK_STORAGE_DRIVER", "memory")

	cfg, err := Load(path, dir)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port, ".env overrides the file")
	assert.Equal(t, 3*time.Second, cfg.Processing.Timeout, ".env.local overrides .env")
	assert.Equal(t, StorageMemory, cfg.Storage.Driver, "process env overrides the file")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Processing.MaxRetries)
	assert.Equal(t, time.Second, cfg.Processing.RetryBase)
	assert.Error(t, cfg.Validate(), "no platforms configured")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage:    StorageConfig{Driver: StorageMemory},
			Server:     ServerConfig{Port: 8080},
			Processing: ProcessingConfig{MaxRetries: 3, RetryBase: time.Second, Timeout: time.Second},
			Retention:  RetentionConfig{Enabled: true, Interval: time.Hour, AgeHours: 72},
			Platforms:  []signature.PlatformConfig{{Platform: "swiggy", SecretKey: "s"}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }},
		{"postgres without url", func(c *Config) { c.Storage.Driver = StoragePostgres }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"negative retries", func(c *Config) { c.Processing.MaxRetries = -1 }},
		{"zero retry base", func(c *Config) { c.Processing.RetryBase = 0 }},
		{"zero timeout", func(c *Config) { c.Processing.Timeout = 0 }},
		{"zero retention interval", func(c *Config) { c.Retention.Interval = 0 }},
		{"no platforms", func(c *Config) { c.Platforms = nil }},
		{"platform without secret", func(c *Config) { c.Platforms[0].SecretKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
