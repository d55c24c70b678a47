// Package config handles storysync configuration from YAML files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level storysync configuration.
type Config struct {
	// Origin is the application's own origin (scheme://host[:port]).
	Origin string      `yaml:"origin"`
	API    APIConfig   `yaml:"api"`
	Tiles  TilesConfig `yaml:"tiles"`
	Cache  CacheConfig `yaml:"cache"`
	Probe  ProbeConfig `yaml:"probe"`
	Retry  RetryConfig `yaml:"retry"`
	// DB is the SQLite database path.
	DB string `yaml:"db"`
}

// APIConfig locates the remote story service.
type APIConfig struct {
	// Base is the service URL prefix, e.g. "https://story-api.example.dev/v1".
	Base string `yaml:"base"`
	// Host is the substring matched against request hosts to classify
	// API traffic. Derived from Base when empty.
	Host string `yaml:"host"`
}

// TilesConfig locates the external map tile provider.
type TilesConfig struct {
	Host string `yaml:"host"`
}

// CacheConfig names the cache generations and the install-time assets.
type CacheConfig struct {
	// Version suffixes the generation names; bumping it supersedes all
	// three generations on the next activation.
	Version string `yaml:"version"`
	// Manifest lists the same-origin asset paths pre-populated on install.
	// A missing entry is skipped, never fatal.
	Manifest []string `yaml:"manifest"`
	// Shell is the path served to navigations when the network is down.
	Shell string `yaml:"shell"`
	// Placeholders is the ordered fallback chain for images that cannot
	// be fetched or found.
	Placeholders []string `yaml:"placeholders"`
}

// ProbeConfig controls the connectivity monitor.
type ProbeConfig struct {
	URL      string   `yaml:"url"`
	Interval Duration `yaml:"interval"`
}

// RetryConfig is the replay backoff policy.
type RetryConfig struct {
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
	Jitter      float64  `yaml:"jitter"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("30s", "15m") as well as integer nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("config: invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a configuration with every default applied and no
// origin or API set. Useful as a test fixture.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DB == "" {
		c.DB = "data/storysync.db"
	}
	if c.Cache.Version == "" {
		c.Cache.Version = "v1"
	}
	if c.Cache.Shell == "" {
		c.Cache.Shell = "/index.html"
	}
	if len(c.Cache.Placeholders) == 0 {
		c.Cache.Placeholders = []string{"/images/placeholder.png", "/images/favicon.png"}
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = Duration(15 * time.Second)
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = Duration(30 * time.Second)
	}
	if c.Retry.Cap <= 0 {
		c.Retry.Cap = Duration(15 * time.Minute)
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = 0.2
	}
	if c.API.Host == "" && c.API.Base != "" {
		if u, err := url.Parse(c.API.Base); err == nil {
			c.API.Host = u.Host
		}
	}
	if c.Probe.URL == "" {
		c.Probe.URL = c.API.Base
	}
}

func (c *Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("config: origin is required")
	}
	if c.API.Base == "" {
		return fmt.Errorf("config: api.base is required")
	}
	return nil
}
