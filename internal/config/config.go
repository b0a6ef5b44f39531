// Package config loads the process-level engine configuration: YAML settings
// that control intervals, debug output, and the location of the domain
// chain_config document. It does not know anything about chains, clients,
// or steps; that document is loaded separately by internal/chainconfig.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide engine settings, loaded once at startup.
type Config struct {
	AppName         string `yaml:"app_name"`
	Debug           bool   `yaml:"debug"`
	ChainConfigPath string `yaml:"chain_config_path"`

	ReconnectIntervalSeconds  int `yaml:"reconnect_interval_seconds"`
	RetryLimit                int `yaml:"retry_limit"`
	VerifyIntervalSeconds     int `yaml:"verify_interval_seconds"`
	CacheCheckIntervalSeconds int `yaml:"cache_check_interval_seconds"`
	InitializeTimeoutSeconds  int `yaml:"initialize_timeout_seconds"`
}

// ReconnectInterval is the duration form of ReconnectIntervalSeconds.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}

// VerifyInterval is the duration form of VerifyIntervalSeconds.
func (c *Config) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalSeconds) * time.Second
}

// CacheCheckInterval is the duration form of CacheCheckIntervalSeconds.
func (c *Config) CacheCheckInterval() time.Duration {
	return time.Duration(c.CacheCheckIntervalSeconds) * time.Second
}

// InitializeTimeout bounds a script module's initialize call.
func (c *Config) InitializeTimeout() time.Duration {
	return time.Duration(c.InitializeTimeoutSeconds) * time.Second
}

// Load reads and parses filename, filling in documented defaults for any
// interval left unset.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "streamd"
	}
	if cfg.ChainConfigPath == "" {
		cfg.ChainConfigPath = "config/chain_config.json"
	}
	if cfg.ReconnectIntervalSeconds == 0 {
		cfg.ReconnectIntervalSeconds = 10
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = -1
	}
	if cfg.VerifyIntervalSeconds == 0 {
		cfg.VerifyIntervalSeconds = 30
	}
	if cfg.CacheCheckIntervalSeconds == 0 {
		cfg.CacheCheckIntervalSeconds = 10
	}
	if cfg.InitializeTimeoutSeconds == 0 {
		cfg.InitializeTimeoutSeconds = 10
	}
}

func validate(cfg *Config) error {
	if cfg.ReconnectIntervalSeconds < 0 {
		return fmt.Errorf("reconnect_interval_seconds cannot be negative: %d", cfg.ReconnectIntervalSeconds)
	}
	if cfg.VerifyIntervalSeconds < 0 {
		return fmt.Errorf("verify_interval_seconds cannot be negative: %d", cfg.VerifyIntervalSeconds)
	}
	if cfg.CacheCheckIntervalSeconds < 0 {
		return fmt.Errorf("cache_check_interval_seconds cannot be negative: %d", cfg.CacheCheckIntervalSeconds)
	}
	if cfg.RetryLimit < -1 {
		return fmt.Errorf("retry_limit must be -1 (infinite) or a non-negative count: %d", cfg.RetryLimit)
	}
	return nil
}
