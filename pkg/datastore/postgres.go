package datastore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresPort = 5432

var sslModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// PostgresConfig describes how to reach a PostgreSQL database.
type PostgresConfig struct {
	Host         string              `yaml:"host"`
	Port         int                 `yaml:"port"`
	DatabaseName string              `yaml:"databaseName"`
	UsernameEnv  string              `yaml:"usernameEnv"`
	PasswordEnv  string              `yaml:"passwordEnv"`
	Pool         *PostgresPoolConfig `yaml:"pool"`
	TLS          *PostgresTLSConfig  `yaml:"tls"`
}

// PostgresPoolConfig represents connection pool configuration
type PostgresPoolConfig struct {
	MaxConnections    int    `yaml:"maxConnections"`
	MinConnections    int    `yaml:"minConnections"`
	MaxIdleTime       string `yaml:"maxIdleTime"`
	ConnectionTimeout string `yaml:"connectionTimeout"`
}

// PostgresTLSConfig represents TLS configuration for PostgreSQL
type PostgresTLSConfig struct {
	Mode       string `yaml:"mode"`
	CACert     string `yaml:"caCert"`
	ClientCert string `yaml:"clientCert"`
	ClientKey  string `yaml:"clientKey"`
}

// ApplyDefaults sets default values for the postgres configuration
func (c *PostgresConfig) ApplyDefaults() {
	if c != nil && c.Port == 0 {
		c.Port = defaultPostgresPort
	}
}

// Validate checks the connection settings.
func (c *PostgresConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("postgres configuration is required")
	}

	if c.Host == "" {
		return fmt.Errorf("postgres.host is required")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("postgres.port must be between 1 and 65535")
	}

	if c.DatabaseName == "" {
		return fmt.Errorf("postgres.databaseName is required")
	}

	if c.UsernameEnv == "" {
		return fmt.Errorf("postgres.usernameEnv is required")
	}

	if c.PasswordEnv == "" {
		return fmt.Errorf("postgres.passwordEnv is required")
	}

	for _, name := range []string{c.UsernameEnv, c.PasswordEnv} {
		if _, exists := os.LookupEnv(name); !exists {
			return fmt.Errorf("environment variable '%s' not found", name)
		}
	}

	if c.Pool != nil {
		if err := c.Pool.validate(); err != nil {
			return fmt.Errorf("invalid pool configuration: %w", err)
		}
	}

	if c.TLS != nil {
		if c.TLS.Mode != "" && !slices.Contains(sslModes, c.TLS.Mode) {
			return fmt.Errorf("invalid postgres TLS configuration: invalid ssl mode '%s', must be one of: %s", c.TLS.Mode, strings.Join(sslModes, ", "))
		}
		if err := validateTLSFiles(c.TLS.CACert, c.TLS.ClientCert, c.TLS.ClientKey); err != nil {
			return fmt.Errorf("invalid postgres TLS configuration: %w", err)
		}
	}

	return nil
}

func (p *PostgresPoolConfig) validate() error {
	if p.MaxConnections <= 0 {
		return fmt.Errorf("pool.maxConnections must be greater than 0")
	}

	if p.MinConnections < 0 {
		return fmt.Errorf("pool.minConnections must be non-negative")
	}

	if p.MinConnections > p.MaxConnections {
		return fmt.Errorf("pool.minConnections (%d) must not exceed pool.maxConnections (%d)", p.MinConnections, p.MaxConnections)
	}

	if p.MaxIdleTime != "" {
		d, err := time.ParseDuration(p.MaxIdleTime)
		if err != nil {
			return fmt.Errorf("invalid pool.maxIdleTime: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("pool.maxIdleTime must be non-negative")
		}
	}

	if p.ConnectionTimeout != "" {
		d, err := time.ParseDuration(p.ConnectionTimeout)
		if err != nil {
			return fmt.Errorf("invalid pool.connectionTimeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("pool.connectionTimeout must be positive")
		}
	}

	return nil
}

// PoolConfig builds a pgxpool configuration, reading credentials from the environment.
func (c *PostgresConfig) PoolConfig() (*pgxpool.Config, error) {
	username := os.Getenv(c.UsernameEnv)
	if username == "" {
		return nil, fmt.Errorf("username is empty in environment variable '%s'", c.UsernameEnv)
	}

	password := os.Getenv(c.PasswordEnv)
	if password == "" {
		return nil, fmt.Errorf("password is empty in environment variable '%s'", c.PasswordEnv)
	}

	connURL := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(username, password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.DatabaseName,
	}
	if c.TLS != nil {
		connURL.RawQuery = c.TLS.params().Encode()
	}
	connString := connURL.String()

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second

	if c.Pool != nil {
		if c.Pool.MaxConnections > 0 {
			poolConfig.MaxConns = int32(c.Pool.MaxConnections)
		}
		if c.Pool.MinConnections >= 0 {
			poolConfig.MinConns = int32(c.Pool.MinConnections)
		}
		if d, err := time.ParseDuration(c.Pool.MaxIdleTime); err == nil && d > 0 {
			poolConfig.MaxConnIdleTime = d
		}
		if d, err := time.ParseDuration(c.Pool.ConnectionTimeout); err == nil && d > 0 {
			poolConfig.ConnConfig.ConnectTimeout = d
		}
	}

	return poolConfig, nil
}

// params maps the TLS settings onto libpq connection parameters.
func (t *PostgresTLSConfig) params() url.Values {
	values := url.Values{}
	mode := t.Mode
	if mode == "" {
		mode = "prefer"
	}
	values.Set("sslmode", mode)
	if mode == "disable" {
		return values
	}
	if t.CACert != "" {
		values.Set("sslrootcert", t.CACert)
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		values.Set("sslcert", t.ClientCert)
		values.Set("sslkey", t.ClientKey)
	}
	return values
}

// NewPostgresPool opens a connection pool and verifies it with a ping.
func NewPostgresPool(ctx context.Context, cfg *PostgresConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres configuration is required")
	}

	poolConfig, err := cfg.PoolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return pool, nil
}
