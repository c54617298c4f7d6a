package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromReaderMergesOverDefaults(t *testing.T) {
	yaml := `
cache:
  dir: /tmp/cache
  max_bytes: 1048576
network:
  workers: 2
  user_agent: test-agent/1
retry:
  timeout: 5s
  max_retries: 3
  backoff_multiplier: 2.0
politeness:
  per_host_delay: 250ms
  rate_limit:
    requests: 10
    window: 1s
logging:
  level: debug
  structured: false
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Dir != "/tmp/cache" || cfg.Cache.MaxBytes != 1<<20 {
		t.Fatalf("cache: %+v", cfg.Cache)
	}
	if cfg.Network.Workers != 2 || cfg.Network.UserAgent != "test-agent/1" {
		t.Fatalf("network: %+v", cfg.Network)
	}
	if cfg.Retry.Timeout.Duration != 5*time.Second || cfg.Retry.MaxRetries != 3 {
		t.Fatalf("retry: %+v", cfg.Retry)
	}
	if cfg.Politeness.PerHostDelay.Duration != 250*time.Millisecond {
		t.Fatalf("politeness: %+v", cfg.Politeness)
	}
	if !cfg.Politeness.RateLimit.Enabled() {
		t.Fatal("rate limit should be enabled")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Structured {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("cache:\n  bogus: 1\n")); err == nil {
		t.Fatal("unknown fields should be rejected")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no cache dir", func(c *Config) { c.Cache.Dir = "" }},
		{"zero workers", func(c *Config) { c.Network.Workers = 0 }},
		{"empty user agent", func(c *Config) { c.Network.UserAgent = " " }},
		{"zero timeout", func(c *Config) { c.Retry.Timeout = Duration{} }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"negative multiplier", func(c *Config) { c.Retry.BackoffMultiplier = -1 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		cfg.normalise()
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestSQLCacheAllowsMissingDir(t *testing.T) {
	cfg := Default()
	cfg.Cache.Dir = ""
	cfg.Cache.SQL.Driver = "postgres"
	cfg.Cache.SQL.DSN = "postgres://localhost/cache"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sql cache without dir should validate: %v", err)
	}
}

func TestDurationAcceptsNumericSeconds(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("retry:\n  timeout: 3\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.Timeout.Duration != 3*time.Second {
		t.Fatalf("numeric duration: %v", cfg.Retry.Timeout.Duration)
	}
}
