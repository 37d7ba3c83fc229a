package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultEndpointHost, cfg.Endpoint.Host)
	assert.Equal(t, DefaultEndpointPort, cfg.Endpoint.Port)
	assert.Equal(t, DefaultBackoffBase, cfg.Reconnect.BackoffBase)
	assert.Equal(t, DefaultBackoffCap, cfg.Reconnect.BackoffCap)
	assert.Equal(t, DefaultMaxAttempts, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, DefaultMaxNameLength, cfg.Sessions.MaxNameLength)
	assert.Equal(t, DefaultResetCeiling, cfg.Reset.Ceiling)
	assert.Equal(t, DefaultBind, cfg.Daemon.Bind)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpointPort, cfg.Endpoint.Port)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabmux.yaml")
	data := `
browser:
  path: /usr/bin/chromium
  headless: true
endpoint:
  host: 10.0.0.5
  port: 9333
reconnect:
  backoff_base: 250ms
  backoff_cap: 4s
  max_attempts: 7
sessions:
  max_name_length: 32
reset:
  ceiling: 90s
daemon:
  bind: 0.0.0.0:8080
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/chromium", cfg.Browser.Path)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "10.0.0.5", cfg.Endpoint.Host)
	assert.Equal(t, 9333, cfg.Endpoint.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.BackoffBase)
	assert.Equal(t, 4*time.Second, cfg.Reconnect.BackoffCap)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 32, cfg.Sessions.MaxNameLength)
	assert.Equal(t, 90*time.Second, cfg.Reset.Ceiling)
	assert.Equal(t, "0.0.0.0:8080", cfg.Daemon.Bind)

	// Unset fields still get defaults.
	assert.Equal(t, DefaultConnectTimeout, cfg.Reconnect.ConnectTimeout)
	assert.Equal(t, DefaultOutputMaxLines, cfg.Sessions.OutputMaxLines)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoint: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABMUX_BROWSER_PATH", "/opt/chrome")
	t.Setenv("TABMUX_ENDPOINT_HOST", "192.168.1.2")
	t.Setenv("TABMUX_ENDPOINT_PORT", "9444")
	t.Setenv("TABMUX_BIND", "127.0.0.1:9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/opt/chrome", cfg.Browser.Path)
	assert.Equal(t, "192.168.1.2", cfg.Endpoint.Host)
	assert.Equal(t, 9444, cfg.Endpoint.Port)
	assert.Equal(t, "127.0.0.1:9999", cfg.Daemon.Bind)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Endpoint.Port = -1 }},
		{"port too large", func(c *Config) { c.Endpoint.Port = 70000 }},
		{"backoff base nonpositive", func(c *Config) { c.Reconnect.BackoffBase = -time.Second }},
		{"cap below base", func(c *Config) { c.Reconnect.BackoffCap = c.Reconnect.BackoffBase / 2 }},
		{"attempts zero", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"name length zero", func(c *Config) { c.Sessions.MaxNameLength = -5 }},
		{"ceiling nonpositive", func(c *Config) { c.Reset.Ceiling = -time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
