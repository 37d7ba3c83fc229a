// Package config loads and validates the tabmux configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultEndpointHost     = "127.0.0.1"
	DefaultEndpointPort     = 9222
	DefaultConnectTimeout   = 5 * time.Second
	DefaultOperationTimeout = 30 * time.Second
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffCap       = 10 * time.Second
	DefaultMaxAttempts      = 5
	DefaultSettleDelay      = 500 * time.Millisecond
	DefaultResetCeiling     = 60 * time.Second
	DefaultMaxNameLength    = 64
	DefaultOutputMaxLines   = 256
	DefaultOutputMaxBytes   = 64 * 1024
	DefaultBind             = "127.0.0.1:7777"
)

// Config is the complete tabmux configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Reset     ResetConfig     `yaml:"reset"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// BrowserConfig controls how the browser process is launched when the
// recovery path has to start one.
type BrowserConfig struct {
	Path        string   `yaml:"path"`
	Headless    bool     `yaml:"headless"`
	UserDataDir string   `yaml:"user_data_dir"`
	ExtraArgs   []string `yaml:"extra_args"`
}

// EndpointConfig locates the DevTools control endpoint.
type EndpointConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ReconnectConfig tunes the supervisor's recovery state machine.
type ReconnectConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	MaxAttempts      int           `yaml:"max_attempts"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
}

// SessionsConfig bounds logical session bookkeeping.
type SessionsConfig struct {
	MaxNameLength  int `yaml:"max_name_length"`
	OutputMaxLines int `yaml:"output_max_lines"`
	OutputMaxBytes int `yaml:"output_max_bytes"`
}

// ResetConfig tunes the exclusive reset workflow.
type ResetConfig struct {
	Ceiling time.Duration `yaml:"ceiling"`
}

// DaemonConfig configures the tabmuxd HTTP surface.
type DaemonConfig struct {
	Bind string `yaml:"bind"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Host: DefaultEndpointHost,
			Port: DefaultEndpointPort,
		},
		Reconnect: ReconnectConfig{
			ConnectTimeout:   DefaultConnectTimeout,
			OperationTimeout: DefaultOperationTimeout,
			BackoffBase:      DefaultBackoffBase,
			BackoffCap:       DefaultBackoffCap,
			MaxAttempts:      DefaultMaxAttempts,
			SettleDelay:      DefaultSettleDelay,
		},
		Sessions: SessionsConfig{
			MaxNameLength:  DefaultMaxNameLength,
			OutputMaxLines: DefaultOutputMaxLines,
			OutputMaxBytes: DefaultOutputMaxBytes,
		},
		Reset: ResetConfig{
			Ceiling: DefaultResetCeiling,
		},
		Daemon: DaemonConfig{
			Bind: DefaultBind,
		},
	}
}

// Load reads the config file at path (a missing file means defaults), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(cfg)
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TABMUX_BROWSER_PATH"); v != "" {
		cfg.Browser.Path = v
	}
	if v := os.Getenv("TABMUX_ENDPOINT_HOST"); v != "" {
		cfg.Endpoint.Host = v
	}
	if v := os.Getenv("TABMUX_ENDPOINT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Endpoint.Port = port
		}
	}
	if v := os.Getenv("TABMUX_BIND"); v != "" {
		cfg.Daemon.Bind = v
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Endpoint.Host == "" {
		c.Endpoint.Host = d.Endpoint.Host
	}
	if c.Endpoint.Port == 0 {
		c.Endpoint.Port = d.Endpoint.Port
	}
	if c.Reconnect.ConnectTimeout == 0 {
		c.Reconnect.ConnectTimeout = d.Reconnect.ConnectTimeout
	}
	if c.Reconnect.OperationTimeout == 0 {
		c.Reconnect.OperationTimeout = d.Reconnect.OperationTimeout
	}
	if c.Reconnect.BackoffBase == 0 {
		c.Reconnect.BackoffBase = d.Reconnect.BackoffBase
	}
	if c.Reconnect.BackoffCap == 0 {
		c.Reconnect.BackoffCap = d.Reconnect.BackoffCap
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.Reconnect.SettleDelay == 0 {
		c.Reconnect.SettleDelay = d.Reconnect.SettleDelay
	}
	if c.Sessions.MaxNameLength == 0 {
		c.Sessions.MaxNameLength = d.Sessions.MaxNameLength
	}
	if c.Sessions.OutputMaxLines == 0 {
		c.Sessions.OutputMaxLines = d.Sessions.OutputMaxLines
	}
	if c.Sessions.OutputMaxBytes == 0 {
		c.Sessions.OutputMaxBytes = d.Sessions.OutputMaxBytes
	}
	if c.Reset.Ceiling == 0 {
		c.Reset.Ceiling = d.Reset.Ceiling
	}
	if c.Daemon.Bind == "" {
		c.Daemon.Bind = d.Daemon.Bind
	}
}

// Validate checks whether the config is usable.
func (c *Config) Validate() error {
	if c.Endpoint.Port <= 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("endpoint.port must be in 1..65535, got %d", c.Endpoint.Port)
	}
	if c.Reconnect.BackoffBase <= 0 {
		return fmt.Errorf("reconnect.backoff_base must be positive")
	}
	if c.Reconnect.BackoffCap < c.Reconnect.BackoffBase {
		return fmt.Errorf("reconnect.backoff_cap must be >= backoff_base")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.Sessions.MaxNameLength < 1 {
		return fmt.Errorf("sessions.max_name_length must be at least 1")
	}
	if c.Reset.Ceiling <= 0 {
		return fmt.Errorf("reset.ceiling must be positive")
	}
	return nil
}
