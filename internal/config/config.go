// Package config loads client configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds hubctl configuration.
type Config struct {
	// Remote
	Server        string
	Token         string
	Timeout       time.Duration
	RetryAttempts int

	// Downloads
	PollInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics endpoint, disabled when empty
	MetricsAddr string
}

// file mirrors Config in the YAML layout. Durations are strings such as
// "30s".
type file struct {
	Server        string `yaml:"server"`
	Token         string `yaml:"token"`
	Timeout       string `yaml:"timeout"`
	RetryAttempts int    `yaml:"retry_attempts"`
	PollInterval  string `yaml:"poll_interval"`
	Log           struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 1,
		PollInterval:  time.Second,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load reads the file named by HUBB_CONFIG, if any, then applies the
// environment.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("HUBB_CONFIG"); path != "" {
		if err := cfg.merge(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile reads path and then applies the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.merge(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if f.Server != "" {
		c.Server = f.Server
	}
	if f.Token != "" {
		c.Token = f.Token
	}
	if f.RetryAttempts > 0 {
		c.RetryAttempts = f.RetryAttempts
	}
	if f.Log.Level != "" {
		c.LogLevel = f.Log.Level
	}
	if f.Log.Format != "" {
		c.LogFormat = f.Log.Format
	}
	if f.MetricsAddr != "" {
		c.MetricsAddr = f.MetricsAddr
	}
	if f.Timeout != "" {
		if c.Timeout, err = time.ParseDuration(f.Timeout); err != nil {
			return fmt.Errorf("parse config %s: timeout: %w", path, err)
		}
	}
	if f.PollInterval != "" {
		if c.PollInterval, err = time.ParseDuration(f.PollInterval); err != nil {
			return fmt.Errorf("parse config %s: poll_interval: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server = envOr("HUBB_SERVER", c.Server)
	c.Token = envOr("HUBB_TOKEN", c.Token)
	c.Timeout = envDuration("HUBB_TIMEOUT", c.Timeout)
	c.PollInterval = envDuration("HUBB_POLL_INTERVAL", c.PollInterval)
	c.RetryAttempts = envInt("HUBB_RETRY_ATTEMPTS", c.RetryAttempts)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("HUBB_METRICS_ADDR", c.MetricsAddr)
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("HUBB_SERVER is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
