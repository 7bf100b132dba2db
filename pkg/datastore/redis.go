package datastore

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPort = 6379

// RedisConfig describes how to reach a Redis server.
type RedisConfig struct {
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	UsernameEnv string          `yaml:"usernameEnv"`
	PasswordEnv string          `yaml:"passwordEnv"`
	DB          int             `yaml:"db"`
	TLS         *RedisTLSConfig `yaml:"tls"`
}

// RedisTLSConfig represents TLS configuration for Redis
type RedisTLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	CACert             string `yaml:"caCert"`
	ClientCert         string `yaml:"clientCert"`
	ClientKey          string `yaml:"clientKey"`
}

// ApplyDefaults sets default values for the redis configuration
func (c *RedisConfig) ApplyDefaults() {
	if c != nil && c.Port == 0 {
		c.Port = defaultRedisPort
	}
}

// Validate checks the connection settings. Credentials are referenced by
// environment variable name and those variables must exist.
func (c *RedisConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("redis configuration is required")
	}

	if c.Host == "" {
		return fmt.Errorf("redis.host is required")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis.port must be between 1 and 65535")
	}

	if c.DB < 0 {
		return fmt.Errorf("redis.db must be non-negative")
	}

	for _, name := range []string{c.UsernameEnv, c.PasswordEnv} {
		if name == "" {
			continue
		}
		if _, exists := os.LookupEnv(name); !exists {
			return fmt.Errorf("environment variable '%s' not found", name)
		}
	}

	if c.TLS != nil {
		if err := validateTLSFiles(c.TLS.CACert, c.TLS.ClientCert, c.TLS.ClientKey); err != nil {
			return fmt.Errorf("invalid redis TLS configuration: %w", err)
		}
	}

	return nil
}

// Options converts the configuration into go-redis client options.
func (c *RedisConfig) Options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr: fmt.Sprintf("%s:%d", c.Host, c.Port),
		DB:   c.DB,
	}

	if c.UsernameEnv != "" {
		opts.Username = os.Getenv(c.UsernameEnv)
	}
	if c.PasswordEnv != "" {
		opts.Password = os.Getenv(c.PasswordEnv)
	}

	if c.TLS != nil {
		tlsConfig := &tls.Config{InsecureSkipVerify: c.TLS.InsecureSkipVerify}
		if err := loadTLSFiles(tlsConfig, c.TLS.CACert, c.TLS.ClientCert, c.TLS.ClientKey); err != nil {
			return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
		}
		opts.TLSConfig = tlsConfig
	}

	return opts, nil
}

// NewRedisClient connects to Redis and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis configuration is required")
	}

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
