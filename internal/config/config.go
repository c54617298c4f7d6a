// Package config loads the YAML configuration for the volley CLI and the
// queue bootstrap.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything required to assemble a request queue.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Network    NetworkConfig    `yaml:"network"`
	Retry      RetryConfig      `yaml:"retry"`
	Politeness PolitenessConfig `yaml:"politeness"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CacheConfig selects and sizes the response cache.
type CacheConfig struct {
	// Dir is the disk cache directory. Ignored when SQL is configured.
	Dir string `yaml:"dir"`

	// MaxBytes caps the cache; <= 0 selects the default 5 MB.
	MaxBytes int64 `yaml:"max_bytes"`

	SQL SQLCacheConfig `yaml:"sql"`
}

// SQLCacheConfig configures the optional relational cache backend.
type SQLCacheConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether a SQL cache backend is configured.
func (c SQLCacheConfig) Enabled() bool {
	return c.Driver != "" && c.DSN != ""
}

// NetworkConfig controls the network stage.
type NetworkConfig struct {
	Workers   int               `yaml:"workers"`
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers"`
	ProxyURL  string            `yaml:"proxy_url"`
}

// RetryConfig sets the default retry policy for CLI requests.
type RetryConfig struct {
	Timeout           Duration `yaml:"timeout"`
	MaxRetries        int      `yaml:"max_retries"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

// PolitenessConfig throttles requests per origin host.
type PolitenessConfig struct {
	PerHostDelay Duration        `yaml:"per_host_delay"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Dir:      "volley-cache",
			MaxBytes: 5 * 1024 * 1024,
		},
		Network: NetworkConfig{
			Workers:   4,
			UserAgent: "volley/0",
			Headers:   map[string]string{},
		},
		Retry: RetryConfig{
			Timeout:           DurationFrom(2500 * time.Millisecond),
			MaxRetries:        0,
			BackoffMultiplier: 1.0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the queue configuration.
func (c Config) Validate() error {
	if !c.Cache.SQL.Enabled() && strings.TrimSpace(c.Cache.Dir) == "" {
		return errors.New("cache.dir must be set when no sql cache is configured")
	}
	if c.Network.Workers <= 0 {
		return fmt.Errorf("network.workers must be > 0 (got %d)", c.Network.Workers)
	}
	if strings.TrimSpace(c.Network.UserAgent) == "" {
		return errors.New("network.user_agent must be set")
	}
	if c.Retry.Timeout.Duration <= 0 {
		return fmt.Errorf("retry.timeout must be > 0 (got %v)", c.Retry.Timeout.Duration)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0 (got %d)", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffMultiplier < 0 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 0 (got %v)", c.Retry.BackoffMultiplier)
	}
	if rl := c.Politeness.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("politeness.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	return nil
}

func (c *Config) normalise() {
	c.Cache.Dir = strings.TrimSpace(c.Cache.Dir)
	c.Network.UserAgent = strings.TrimSpace(c.Network.UserAgent)
	c.Network.ProxyURL = strings.TrimSpace(c.Network.ProxyURL)
	if c.Network.Headers == nil {
		c.Network.Headers = map[string]string{}
	}
	c.Cache.SQL.Driver = strings.TrimSpace(c.Cache.SQL.Driver)
	c.Cache.SQL.DSN = strings.TrimSpace(c.Cache.SQL.DSN)
}
