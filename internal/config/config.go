package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server-level configuration for a FastCGI responder process:
// what it listens on, how long it waits on idle peers, and the default
// response headers every request starts with.
type Config struct {
	Listen struct {
		Network string `yaml:"network"` // "tcp" or "unix"
		Address string `yaml:"address"`
	} `yaml:"listen"`

	Timeouts struct {
		ReadSeconds  int `yaml:"read_seconds"`
		WriteSeconds int `yaml:"write_seconds"`
		IdleSeconds  int `yaml:"idle_seconds"`
	} `yaml:"timeouts"`

	MaxConns int `yaml:"max_conns"`

	DefaultHeaders map[string]string `yaml:"default_headers"`

	Log struct {
		File  string `yaml:"file"`
		Quiet bool   `yaml:"quiet"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	WatchConfig bool `yaml:"watch_config"`
}

// setDefaults sets default values for the configuration
func setDefaults(c *Config) {
	c.Listen.Network = "tcp"
	c.Listen.Address = "127.0.0.1:9000"
	c.Timeouts.ReadSeconds = 30
	c.Timeouts.WriteSeconds = 30
	c.Timeouts.IdleSeconds = 120
	c.MaxConns = 1024
	c.DefaultHeaders = make(map[string]string)
	c.Log.File = "logs/fcgiserver_{date}.log"
	c.Metrics.Enabled = true
	c.Metrics.Address = "127.0.0.1:9100"
	c.WatchConfig = false
}

// Load reads configuration from a YAML file, falling back to defaults for
// any field the file leaves unset. A missing file is not an error: the
// returned Config simply holds the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	setDefaults(c)

	if _, err := os.Stat(path); err != nil {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return c, nil
}

// Reload re-reads path and replaces c's fields in place, so callers that
// already hold a *Config see the update without re-plumbing a pointer.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	*c = *fresh
	return nil
}

// ReadTimeout returns the read timeout as a time.Duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.ReadSeconds) * time.Second
}

// WriteTimeout returns the write timeout as a time.Duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.WriteSeconds) * time.Second
}

// IdleTimeout returns the idle timeout as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.IdleSeconds) * time.Second
}
