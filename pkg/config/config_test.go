package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoad verifies configuration files are parsed, defaulted, and validated.
func TestLoad(t *testing.T) {
	t.Run("empty path returns error", func(t *testing.T) {
		_, err := Load("")
		if err == nil || !strings.Contains(err.Error(), "path to a configuration file is required") {
			t.Fatalf("expected path required error, got %v", err)
		}
	})

	t.Run("non-existent file returns error", func(t *testing.T) {
		_, err := Load("/nonexistent/path/to/config.yaml")
		if err == nil || !strings.Contains(err.Error(), "could not read the configuration file") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("invalid YAML returns error", func(t *testing.T) {
		tmpFile := createTempFile(t, "invalid:\n  - yaml: [unclosed")

		_, err := Load(tmpFile)
		if err == nil || !strings.Contains(err.Error(), "could not parse the configuration file") {
			t.Fatalf("expected parse error, got %v", err)
		}
	})

	t.Run("minimal valid configuration with defaults", func(t *testing.T) {
		yaml := `
backend:
  baseURL: http://bans.local:8000
`
		tmpFile := createTempFile(t, yaml)

		cfg, err := Load(tmpFile)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Backend.APIPrefix != DefaultAPIPrefix {
			t.Errorf("expected default api prefix, got %q", cfg.Backend.APIPrefix)
		}
		if cfg.Backend.Retry.Attempts != 3 {
			t.Errorf("expected 3 retry attempts, got %d", cfg.Backend.Retry.Attempts)
		}
		if cfg.API.Address != ":8080" {
			t.Errorf("expected default api address ':8080', got %q", cfg.API.Address)
		}
		if cfg.Metrics.HealthPath != "/healthz" {
			t.Errorf("expected default health path '/healthz', got %q", cfg.Metrics.HealthPath)
		}
		if cfg.Audit.Type != "memory" {
			t.Errorf("expected default audit type 'memory', got %q", cfg.Audit.Type)
		}
		if cfg.Notify.Type != "log" {
			t.Errorf("expected default notify type 'log', got %q", cfg.Notify.Type)
		}
		if cfg.Shutdown.Timeout != "20s" {
			t.Errorf("expected default shutdown timeout '20s', got %q", cfg.Shutdown.Timeout)
		}
	})

	t.Run("full configuration with all fields", func(t *testing.T) {
		yaml := `
logging:
  level: debug
  format: json
backend:
  baseURL: https://bans.local
  apiPrefix: /v2/bans
  tokenEnv: BANS_TOKEN
  timeout: 5s
  retry:
    attempts: 5
    delay: 50ms
  breaker:
    consecutiveFailures: 2
    openTimeout: 1m
api:
  address: ":8081"
metrics:
  address: ":8090"
  healthPath: /health
  readinessPath: /ready
audit:
  type: redis
  settings:
    host: localhost
    port: 6379
notify:
  type: redis
  settings:
    channel: bans
shutdown:
  timeout: 30s
`
		tmpFile := createTempFile(t, yaml)

		cfg, err := Load(tmpFile)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
			t.Errorf("unexpected logging config %+v", cfg.Logging)
		}
		if cfg.Backend.APIPrefix != "/v2/bans" {
			t.Errorf("expected api prefix '/v2/bans', got %q", cfg.Backend.APIPrefix)
		}
		if cfg.Backend.RequestTimeout() != 5*time.Second {
			t.Errorf("expected 5s timeout, got %v", cfg.Backend.RequestTimeout())
		}
		if cfg.Backend.RetryDelay() != 50*time.Millisecond {
			t.Errorf("expected 50ms retry delay, got %v", cfg.Backend.RetryDelay())
		}
		if cfg.Backend.BreakerOpenTimeout() != time.Minute {
			t.Errorf("expected 1m open timeout, got %v", cfg.Backend.BreakerOpenTimeout())
		}
		if cfg.Backend.Breaker.ConsecutiveFailures != 2 {
			t.Errorf("expected 2 consecutive failures, got %d", cfg.Backend.Breaker.ConsecutiveFailures)
		}
		if cfg.Audit.Type != "redis" || cfg.Audit.Settings["host"] != "localhost" {
			t.Errorf("unexpected audit config %+v", cfg.Audit)
		}
		if cfg.Notify.Settings["channel"] != "bans" {
			t.Errorf("unexpected notify settings %+v", cfg.Notify.Settings)
		}
	})
}

// TestConfigValidate covers the validation behavior for different config shapes.
func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Backend: BackendConfig{BaseURL: "http://bans.local"}}
		cfg.applyDefaults()
		return cfg
	}

	t.Run("nil config returns error", func(t *testing.T) {
		var cfg *Config
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "config is nil") {
			t.Fatalf("expected nil config error, got %v", err)
		}
	})

	t.Run("valid minimal config passes validation", func(t *testing.T) {
		if err := valid().Validate(); err != nil {
			t.Fatalf("unexpected validation error: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing base url", func(c *Config) { c.Backend.BaseURL = "" }, "backend.baseURL"},
		{"relative base url", func(c *Config) { c.Backend.BaseURL = "bans.local" }, "absolute http(s) URL"},
		{"unsupported scheme", func(c *Config) { c.Backend.BaseURL = "ftp://bans.local" }, "absolute http(s) URL"},
		{"api prefix without slash", func(c *Config) { c.Backend.APIPrefix = "api" }, "backend.apiPrefix"},
		{"invalid timeout", func(c *Config) { c.Backend.Timeout = "soon" }, "backend.timeout"},
		{"invalid retry delay", func(c *Config) { c.Backend.Retry.Delay = "x" }, "backend.retry.delay"},
		{"missing ca file", func(c *Config) { c.Backend.CAFile = "/nonexistent/ca.pem" }, "no such file"},
		{"missing api address", func(c *Config) { c.API.Address = "" }, "api.address"},
		{"missing metrics address", func(c *Config) { c.Metrics.Address = "" }, "metrics.address"},
		{"missing audit type", func(c *Config) { c.Audit.Type = "" }, "audit.type"},
		{"missing notify type", func(c *Config) { c.Notify.Type = "" }, "notify.type"},
		{"missing enrich database", func(c *Config) { c.Enrich.ASNDatabasePath = "/nonexistent/asn.mmdb" }, "enrich database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

// TestTLSConfigValidation exercises TLS-specific validation logic.
func TestTLSConfigValidation(t *testing.T) {
	base := func(tls *TLSConfig) *Config {
		cfg := &Config{Backend: BackendConfig{BaseURL: "http://bans.local"}, API: APIConfig{TLS: tls}}
		cfg.applyDefaults()
		return cfg
	}

	t.Run("TLS with missing cert file returns error", func(t *testing.T) {
		err := base(&TLSConfig{KeyFile: "/path/to/key.pem"}).Validate()
		if err == nil || !strings.Contains(err.Error(), "certFile") {
			t.Fatalf("expected cert file error, got %v", err)
		}
	})

	t.Run("TLS with requireClientCert but no CA file returns error", func(t *testing.T) {
		certFile := createTempFile(t, "cert content")
		keyFile := createTempFile(t, "key content")

		err := base(&TLSConfig{CertFile: certFile, KeyFile: keyFile, RequireClientCert: true}).Validate()
		if err == nil || !strings.Contains(err.Error(), "caFile") {
			t.Fatalf("expected CA file error, got %v", err)
		}
	})

	t.Run("TLS with non-existent cert file returns error", func(t *testing.T) {
		err := base(&TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}).Validate()
		if err == nil {
			t.Fatal("expected file existence error")
		}
	})

	t.Run("TLS with valid file paths passes validation", func(t *testing.T) {
		certFile := createTempFile(t, "cert content")
		keyFile := createTempFile(t, "key content")

		if err := base(&TLSConfig{CertFile: certFile, KeyFile: keyFile}).Validate(); err != nil {
			t.Fatalf("unexpected validation error: %v", err)
		}
	})
}

// TestDurations ensures the string duration parsing and defaults function correctly.
func TestDurations(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"empty shutdown timeout", ShutdownConfig{}.ShutdownTimeout(), 20 * time.Second},
		{"valid shutdown timeout", ShutdownConfig{Timeout: "30s"}.ShutdownTimeout(), 30 * time.Second},
		{"complex shutdown timeout", ShutdownConfig{Timeout: "1m30s"}.ShutdownTimeout(), 90 * time.Second},
		{"invalid shutdown timeout", ShutdownConfig{Timeout: "invalid"}.ShutdownTimeout(), 20 * time.Second},
		{"empty request timeout", BackendConfig{}.RequestTimeout(), 15 * time.Second},
		{"empty retry delay", BackendConfig{}.RetryDelay(), 200 * time.Millisecond},
		{"empty breaker timeout", BackendConfig{}.BreakerOpenTimeout(), 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestToken(t *testing.T) {
	t.Setenv("BANCTL_TEST_TOKEN", "s3cret")

	if got := (BackendConfig{TokenEnv: "BANCTL_TEST_TOKEN"}).Token(); got != "s3cret" {
		t.Fatalf("expected token from env, got %q", got)
	}
	if got := (BackendConfig{}).Token(); got != "" {
		t.Fatalf("expected empty token without tokenEnv, got %q", got)
	}
}

// TestApplyDefaults ensures missing configuration values are populated without overriding set ones.
func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		API:      APIConfig{Address: ":7000"},
		Metrics:  MetricsConfig{HealthPath: "/custom-health"},
		Audit:    ComponentConfig{Type: "postgres"},
		Shutdown: ShutdownConfig{Timeout: "30s"},
	}
	cfg.applyDefaults()

	if cfg.API.Address != ":7000" {
		t.Errorf("expected api address ':7000', got %q", cfg.API.Address)
	}
	if cfg.Metrics.Address != ":9090" {
		t.Errorf("expected default metrics address, got %q", cfg.Metrics.Address)
	}
	if cfg.Metrics.HealthPath != "/custom-health" {
		t.Errorf("expected custom health path, got %q", cfg.Metrics.HealthPath)
	}
	if cfg.Metrics.ReadinessPath != "/readyz" {
		t.Errorf("expected default readiness path, got %q", cfg.Metrics.ReadinessPath)
	}
	if len(cfg.Metrics.DropPrefixes) != 3 {
		t.Errorf("expected default drop prefixes, got %v", cfg.Metrics.DropPrefixes)
	}
	if cfg.Audit.Type != "postgres" {
		t.Errorf("expected audit type 'postgres', got %q", cfg.Audit.Type)
	}
	if cfg.Shutdown.Timeout != "30s" {
		t.Errorf("expected shutdown timeout '30s', got %q", cfg.Shutdown.Timeout)
	}
}

// TestResolvePaths ensures file paths become absolute relative to the cwd.
func TestResolvePaths(t *testing.T) {
	t.Run("absolute paths remain unchanged", func(t *testing.T) {
		cfg := &Config{
			API:    APIConfig{TLS: &TLSConfig{CertFile: "/abs/cert.pem", KeyFile: "/abs/key.pem"}},
			Enrich: EnrichConfig{ASNDatabasePath: "/abs/asn.mmdb"},
		}
		cfg.resolvePaths()

		if cfg.API.TLS.CertFile != "/abs/cert.pem" || cfg.Enrich.ASNDatabasePath != "/abs/asn.mmdb" {
			t.Errorf("absolute paths changed: %+v %+v", cfg.API.TLS, cfg.Enrich)
		}
	})

	t.Run("relative paths are resolved", func(t *testing.T) {
		cfg := &Config{
			Backend: BackendConfig{CAFile: "certs/ca.pem"},
			API:     APIConfig{TLS: &TLSConfig{CertFile: "certs/cert.pem", KeyFile: "certs/key.pem"}},
			Enrich:  EnrichConfig{CountryDatabasePath: "db/country.mmdb"},
		}
		cfg.resolvePaths()

		for _, p := range []string{cfg.Backend.CAFile, cfg.API.TLS.CertFile, cfg.API.TLS.KeyFile, cfg.Enrich.CountryDatabasePath} {
			if !filepath.IsAbs(p) {
				t.Errorf("path %q should be absolute after resolution", p)
			}
		}
		if cfg.API.TLS.CAFile != "" {
			t.Errorf("empty path should stay empty, got %q", cfg.API.TLS.CAFile)
		}
	})
}

func TestEnrichEnabled(t *testing.T) {
	if (EnrichConfig{}).Enabled() {
		t.Fatal("expected enrichment disabled without databases")
	}
	if !(EnrichConfig{CountryDatabasePath: "/db"}).Enabled() {
		t.Fatal("expected enrichment enabled with a country database")
	}
}

// createTempFile creates a temporary file with the given content for testing.
func createTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}
