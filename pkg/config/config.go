// Package config provides configuration loading, validation, and defaulting for banctl.
// A single YAML file describes the backend connection, the operator API, metrics,
// audit storage, refresh notifications, and optional conflict enrichment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/logging"
	"gopkg.in/yaml.v3"
)

const (
	defaultShutdownTimeout    = 20 * time.Second
	defaultRequestTimeout     = 15 * time.Second
	defaultRetryDelay         = 200 * time.Millisecond
	defaultBreakerOpenTimeout = 30 * time.Second

	DefaultAPIPrefix = "/api/ip-management"
)

// Config models the complete application configuration.
type Config struct {
	// Backend configures the ban management service the workflows drive.
	Backend BackendConfig `yaml:"backend"`
	// API configures the operator HTTP API served by "banctl serve".
	API APIConfig `yaml:"api"`
	// Metrics configures the HTTP server for Prometheus metrics and health endpoints.
	Metrics MetricsConfig `yaml:"metrics"`
	// Logging configures structured logging output and levels.
	Logging logging.Config `yaml:"logging"`
	// Audit selects the store recording workflow runs.
	Audit ComponentConfig `yaml:"audit"`
	// Notify selects the publisher announcing ban list changes.
	Notify ComponentConfig `yaml:"notify"`
	// Enrich configures optional MaxMind lookups for conflicting entries.
	Enrich EnrichConfig `yaml:"enrich"`
	// Shutdown controls graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// BackendConfig describes how to reach the ban management service.
type BackendConfig struct {
	// BaseURL is the scheme and host of the service (e.g., "https://bans.internal:8443").
	BaseURL string `yaml:"baseURL"`
	// APIPrefix is prepended to every operation path.
	APIPrefix string `yaml:"apiPrefix"`
	// TokenEnv names the environment variable holding the bearer token, if any.
	TokenEnv string `yaml:"tokenEnv"`
	// Timeout bounds a single request attempt (e.g., "15s").
	Timeout string `yaml:"timeout"`
	// CAFile optionally pins the CA used to verify the service certificate.
	CAFile string `yaml:"caFile"`
	// InsecureSkipVerify disables certificate verification (testing only).
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
	// Retry controls retries of transport failures and 503 responses.
	Retry RetryConfig `yaml:"retry"`
	// Breaker controls the circuit breaker guarding the service.
	Breaker BreakerConfig `yaml:"breaker"`
}

// RetryConfig holds retry parameters.
type RetryConfig struct {
	// Attempts is the total number of attempts, including the first one.
	Attempts uint `yaml:"attempts"`
	// Delay is the base backoff delay between attempts (e.g., "200ms").
	Delay string `yaml:"delay"`
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32 `yaml:"consecutiveFailures"`
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout string `yaml:"openTimeout"`
}

// APIConfig controls the operator API listener.
type APIConfig struct {
	// Address is the bind address for the API server (e.g., ":8080").
	Address string `yaml:"address"`
	// TLS configures optional TLS for the API server.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig wraps TLS material locations for server certificates and client verification.
type TLSConfig struct {
	// CertFile is the path to the server certificate PEM file.
	CertFile string `yaml:"certFile"`
	// KeyFile is the path to the server private key PEM file.
	KeyFile string `yaml:"keyFile"`
	// CAFile is the optional path to a CA certificate for client cert verification.
	CAFile string `yaml:"caFile"`
	// RequireClientCert enables mutual TLS by requiring and verifying client certificates.
	RequireClientCert bool `yaml:"requireClientCert"`
}

// MetricsConfig controls the metrics/health HTTP server.
type MetricsConfig struct {
	// Address is the bind address for the metrics HTTP server (e.g., ":9090").
	Address string `yaml:"address"`
	// HealthPath is the liveness probe endpoint path.
	HealthPath string `yaml:"healthPath"`
	// ReadinessPath is the readiness probe endpoint path.
	ReadinessPath string `yaml:"readinessPath"`
	// DropPrefixes specifies metric name prefixes to filter out from the default Go runtime registry.
	DropPrefixes []string `yaml:"dropPrefixes"`
}

// ComponentConfig selects a pluggable implementation by type and passes it its settings.
type ComponentConfig struct {
	// Type names the implementation (e.g., "memory", "redis", "postgres").
	Type string `yaml:"type"`
	// Settings contains implementation-specific configuration as a map.
	Settings map[string]any `yaml:"settings"`
}

// EnrichConfig points at optional MaxMind databases.
type EnrichConfig struct {
	ASNDatabasePath     string `yaml:"asnDatabasePath"`
	CountryDatabasePath string `yaml:"countryDatabasePath"`
}

// Enabled reports whether at least one database is configured.
func (e EnrichConfig) Enabled() bool {
	return e.ASNDatabasePath != "" || e.CountryDatabasePath != ""
}

// ShutdownConfig holds graceful shutdown parameters.
type ShutdownConfig struct {
	// Timeout is the maximum duration to wait for graceful shutdown (e.g., "25s").
	Timeout string `yaml:"timeout"`
}

// Load reads, normalizes, and validates a configuration file from the specified path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("a path to a configuration file is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read the configuration file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse the configuration file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures the configuration is ready for use.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if err := c.Backend.validate(); err != nil {
		return err
	}
	if err := c.API.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	if c.Audit.Type == "" {
		return errors.New("configuration 'audit.type' is required")
	}
	if c.Notify.Type == "" {
		return errors.New("configuration 'notify.type' is required")
	}
	for _, path := range []string{c.Enrich.ASNDatabasePath, c.Enrich.CountryDatabasePath} {
		if path == "" {
			continue
		}
		if err := fileExists(path); err != nil {
			return fmt.Errorf("enrich database: %w", err)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Backend.APIPrefix == "" {
		c.Backend.APIPrefix = DefaultAPIPrefix
	}
	if c.Backend.Timeout == "" {
		c.Backend.Timeout = "15s"
	}
	if c.Backend.Retry.Attempts == 0 {
		c.Backend.Retry.Attempts = 3
	}
	if c.Backend.Retry.Delay == "" {
		c.Backend.Retry.Delay = "200ms"
	}
	if c.Backend.Breaker.ConsecutiveFailures == 0 {
		c.Backend.Breaker.ConsecutiveFailures = 5
	}
	if c.Backend.Breaker.OpenTimeout == "" {
		c.Backend.Breaker.OpenTimeout = "30s"
	}

	if c.API.Address == "" {
		c.API.Address = ":8080"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/healthz"
	}
	if c.Metrics.ReadinessPath == "" {
		c.Metrics.ReadinessPath = "/readyz"
	}
	if c.Metrics.DropPrefixes == nil {
		c.Metrics.DropPrefixes = []string{"go_", "process_", "promhttp_"}
	}

	if c.Audit.Type == "" {
		c.Audit.Type = "memory"
	}
	if c.Notify.Type == "" {
		c.Notify.Type = "log"
	}

	if c.Shutdown.Timeout == "" {
		c.Shutdown.Timeout = "20s"
	}

	c.resolvePaths()
}

func (b BackendConfig) validate() error {
	if b.BaseURL == "" {
		return errors.New("configuration 'backend.baseURL' is required")
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("configuration 'backend.baseURL' must be an absolute http(s) URL, got %q", b.BaseURL)
	}
	if !strings.HasPrefix(b.APIPrefix, "/") {
		return errors.New("configuration 'backend.apiPrefix' must start with '/'")
	}
	for key, value := range map[string]string{
		"backend.timeout":             b.Timeout,
		"backend.retry.delay":         b.Retry.Delay,
		"backend.breaker.openTimeout": b.Breaker.OpenTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("configuration '%s' is not a valid duration: %w", key, err)
		}
	}
	if b.CAFile != "" {
		if err := fileExists(b.CAFile); err != nil {
			return err
		}
	}
	return nil
}

// validate ensures the API address is configured and TLS configuration is complete when TLS is enabled.
func (a APIConfig) validate() error {
	if a.Address == "" {
		return errors.New("configuration 'api.address' is required")
	}

	if a.TLS == nil {
		return nil
	}

	return a.TLS.validate()
}

// validate ensures TLS certificate and key files exist and are accessible.
func (t TLSConfig) validate() error {
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("configuration 'api.tls.certFile' and 'api.tls.keyFile' are required when TLS is enabled")
	}

	if t.RequireClientCert && t.CAFile == "" {
		return errors.New("configuration 'api.tls.caFile' is required when 'api.tls.requireClientCert' is true")
	}

	for _, filePath := range []string{t.CertFile, t.KeyFile, t.CAFile} {
		if filePath == "" {
			continue
		}
		if err := fileExists(filePath); err != nil {
			return err
		}
	}
	return nil
}

func (m MetricsConfig) validate() error {
	if m.Address == "" {
		return errors.New("configuration 'metrics.address' is required")
	}
	return nil
}

// RequestTimeout returns the per-attempt request timeout.
func (b BackendConfig) RequestTimeout() time.Duration {
	return parseDuration(b.Timeout, defaultRequestTimeout)
}

// RetryDelay returns the base delay between retry attempts.
func (b BackendConfig) RetryDelay() time.Duration {
	return parseDuration(b.Retry.Delay, defaultRetryDelay)
}

// BreakerOpenTimeout returns how long the circuit breaker stays open.
func (b BackendConfig) BreakerOpenTimeout() time.Duration {
	return parseDuration(b.Breaker.OpenTimeout, defaultBreakerOpenTimeout)
}

// Token resolves the bearer token from the environment variable named by TokenEnv.
func (b BackendConfig) Token() string {
	if b.TokenEnv == "" {
		return ""
	}
	return os.Getenv(b.TokenEnv)
}

// ShutdownTimeout returns the parsed graceful shutdown deadline. It defaults to 20 seconds
// if the timeout string is empty or cannot be parsed.
func (c ShutdownConfig) ShutdownTimeout() time.Duration {
	return parseDuration(c.Timeout, defaultShutdownTimeout)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// fileExists verifies that a file exists at the specified path.
func fileExists(path string) error {
	if path == "" {
		return errors.New("path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

// resolvePaths converts relative file paths to absolute paths based on the current
// working directory, so resolution does not depend on where the binary is invoked from.
func (c *Config) resolvePaths() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(cwd, *p)
		}
	}

	abs(&c.Backend.CAFile)
	abs(&c.Enrich.ASNDatabasePath)
	abs(&c.Enrich.CountryDatabasePath)
	if c.API.TLS != nil {
		abs(&c.API.TLS.CertFile)
		abs(&c.API.TLS.KeyFile)
		abs(&c.API.TLS.CAFile)
	}
}
