package datastore

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisConfigValidate(t *testing.T) {
	fixtures := createTLSFixtures(t)
	setEnv(t, "BANCTL_TEST_REDIS_USER", "default")

	tests := []struct {
		name    string
		config  *RedisConfig
		wantErr string
	}{
		{name: "nil config", config: nil, wantErr: "redis configuration is required"},
		{name: "valid", config: &RedisConfig{Host: "localhost", Port: 6379}},
		{name: "missing host", config: &RedisConfig{Port: 6379}, wantErr: "redis.host is required"},
		{name: "port out of range", config: &RedisConfig{Host: "localhost", Port: 70000}, wantErr: "redis.port"},
		{name: "negative db", config: &RedisConfig{Host: "localhost", Port: 6379, DB: -1}, wantErr: "redis.db"},
		{name: "existing username env", config: &RedisConfig{Host: "localhost", Port: 6379, UsernameEnv: "BANCTL_TEST_REDIS_USER"}},
		{name: "missing password env", config: &RedisConfig{Host: "localhost", Port: 6379, PasswordEnv: "BANCTL_TEST_MISSING_ENV"}, wantErr: "BANCTL_TEST_MISSING_ENV"},
		{
			name:   "valid tls",
			config: &RedisConfig{Host: "localhost", Port: 6379, TLS: &RedisTLSConfig{CACert: fixtures.caCertPath, ClientCert: fixtures.clientCertPath, ClientKey: fixtures.clientKeyPath}},
		},
		{
			name:    "client cert without key",
			config:  &RedisConfig{Host: "localhost", Port: 6379, TLS: &RedisTLSConfig{ClientCert: fixtures.clientCertPath}},
			wantErr: "both clientCert and clientKey",
		},
		{
			name:    "invalid ca",
			config:  &RedisConfig{Host: "localhost", Port: 6379, TLS: &RedisTLSConfig{CACert: fixtures.invalidPEMPath}},
			wantErr: "CA certificate",
		},
		{
			name:    "empty key",
			config:  &RedisConfig{Host: "localhost", Port: 6379, TLS: &RedisTLSConfig{ClientCert: fixtures.clientCertPath, ClientKey: fixtures.emptyFilePath}},
			wantErr: "client key file is empty",
		},
		{
			name:    "certificate used as key",
			config:  &RedisConfig{Host: "localhost", Port: 6379, TLS: &RedisTLSConfig{ClientCert: fixtures.clientCertPath, ClientKey: fixtures.caCertPath}},
			wantErr: "valid private key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			assertErr(t, err, tt.wantErr)
		})
	}
}

func TestRedisConfigApplyDefaults(t *testing.T) {
	cfg := &RedisConfig{Host: "localhost"}
	cfg.ApplyDefaults()
	if cfg.Port != defaultRedisPort {
		t.Fatalf("expected default port %d, got %d", defaultRedisPort, cfg.Port)
	}

	var missing *RedisConfig
	missing.ApplyDefaults()
}

func TestRedisConfigOptions(t *testing.T) {
	fixtures := createTLSFixtures(t)
	setEnv(t, "BANCTL_TEST_REDIS_PASS", "s3cret")

	cfg := &RedisConfig{
		Host:        "cache.internal",
		Port:        6380,
		DB:          2,
		PasswordEnv: "BANCTL_TEST_REDIS_PASS",
		TLS:         &RedisTLSConfig{CACert: fixtures.caCertPath, InsecureSkipVerify: true},
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache.internal:6380" || opts.DB != 2 || opts.Password != "s3cret" {
		t.Fatalf("unexpected options: addr=%s db=%d password=%q", opts.Addr, opts.DB, opts.Password)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.RootCAs == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected TLS config with root CAs, got %+v", opts.TLSConfig)
	}
}

func TestNewRedisClient(t *testing.T) {
	server := miniredis.RunT(t)
	port, err := strconv.Atoi(server.Port())
	if err != nil {
		t.Fatalf("invalid miniredis port: %v", err)
	}

	client, err := NewRedisClient(context.Background(), &RedisConfig{Host: server.Host(), Port: port})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, _ := server.Get("k"); got != "v" {
		t.Fatalf("expected value to reach the server, got %q", got)
	}
}

func TestNewRedisClientUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	port, _ := strconv.Atoi(server.Port())
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := NewRedisClient(ctx, &RedisConfig{Host: "127.0.0.1", Port: port}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestPostgresConfigValidate(t *testing.T) {
	fixtures := createTLSFixtures(t)
	setEnv(t, "BANCTL_TEST_PG_USER", "postgres")
	setEnv(t, "BANCTL_TEST_PG_PASS", "postgres")

	valid := func() *PostgresConfig {
		return &PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			DatabaseName: "bans",
			UsernameEnv:  "BANCTL_TEST_PG_USER",
			PasswordEnv:  "BANCTL_TEST_PG_PASS",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *PostgresConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*PostgresConfig) {}},
		{name: "missing host", mutate: func(c *PostgresConfig) { c.Host = "" }, wantErr: "postgres.host"},
		{name: "bad port", mutate: func(c *PostgresConfig) { c.Port = 0 }, wantErr: "postgres.port"},
		{name: "missing database", mutate: func(c *PostgresConfig) { c.DatabaseName = "" }, wantErr: "databaseName"},
		{name: "missing username env name", mutate: func(c *PostgresConfig) { c.UsernameEnv = "" }, wantErr: "usernameEnv"},
		{name: "unset password env", mutate: func(c *PostgresConfig) { c.PasswordEnv = "BANCTL_TEST_MISSING_ENV" }, wantErr: "BANCTL_TEST_MISSING_ENV"},
		{name: "valid pool", mutate: func(c *PostgresConfig) {
			c.Pool = &PostgresPoolConfig{MaxConnections: 4, MinConnections: 1, MaxIdleTime: "1m", ConnectionTimeout: "2s"}
		}},
		{name: "pool min above max", mutate: func(c *PostgresConfig) {
			c.Pool = &PostgresPoolConfig{MaxConnections: 1, MinConnections: 2}
		}, wantErr: "must not exceed"},
		{name: "pool zero timeout", mutate: func(c *PostgresConfig) {
			c.Pool = &PostgresPoolConfig{MaxConnections: 1, ConnectionTimeout: "0s"}
		}, wantErr: "connectionTimeout must be positive"},
		{name: "unknown ssl mode", mutate: func(c *PostgresConfig) { c.TLS = &PostgresTLSConfig{Mode: "sometimes"} }, wantErr: "invalid ssl mode"},
		{name: "verify-full with ca", mutate: func(c *PostgresConfig) {
			c.TLS = &PostgresTLSConfig{Mode: "verify-full", CACert: fixtures.caCertPath}
		}},
		{name: "key without cert", mutate: func(c *PostgresConfig) {
			c.TLS = &PostgresTLSConfig{Mode: "require", ClientKey: fixtures.clientKeyPath}
		}, wantErr: "both clientCert and clientKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assertErr(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestPostgresPoolConfig(t *testing.T) {
	setEnv(t, "BANCTL_TEST_PG_USER", "banctl")
	setEnv(t, "BANCTL_TEST_PG_PASS", "secret")

	cfg := &PostgresConfig{
		Host:         "db.internal",
		DatabaseName: "bans",
		UsernameEnv:  "BANCTL_TEST_PG_USER",
		PasswordEnv:  "BANCTL_TEST_PG_PASS",
		Pool:         &PostgresPoolConfig{MaxConnections: 4, MinConnections: 1, ConnectionTimeout: "3s"},
		TLS:          &PostgresTLSConfig{Mode: "disable"},
	}
	cfg.ApplyDefaults()

	poolConfig, err := cfg.PoolConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if poolConfig.ConnConfig.Host != "db.internal" || poolConfig.ConnConfig.Port != defaultPostgresPort {
		t.Fatalf("unexpected target %s:%d", poolConfig.ConnConfig.Host, poolConfig.ConnConfig.Port)
	}
	if poolConfig.ConnConfig.User != "banctl" || poolConfig.ConnConfig.Database != "bans" {
		t.Fatalf("unexpected credentials or database: %s/%s", poolConfig.ConnConfig.User, poolConfig.ConnConfig.Database)
	}
	if poolConfig.MaxConns != 4 || poolConfig.MinConns != 1 {
		t.Fatalf("unexpected pool sizes: max=%d min=%d", poolConfig.MaxConns, poolConfig.MinConns)
	}
	if poolConfig.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("expected default idle time, got %s", poolConfig.MaxConnIdleTime)
	}
	if poolConfig.ConnConfig.ConnectTimeout != 3*time.Second {
		t.Fatalf("expected 3s connect timeout, got %s", poolConfig.ConnConfig.ConnectTimeout)
	}
	if poolConfig.ConnConfig.TLSConfig != nil {
		t.Fatal("expected TLS to be disabled")
	}
}

func TestPostgresTLSParams(t *testing.T) {
	tests := []struct {
		name string
		tls  PostgresTLSConfig
		want string
	}{
		{name: "default mode", tls: PostgresTLSConfig{}, want: "sslmode=prefer"},
		{name: "disable ignores files", tls: PostgresTLSConfig{Mode: "disable", CACert: "/ca.pem"}, want: "sslmode=disable"},
		{name: "ca only", tls: PostgresTLSConfig{Mode: "verify-full", CACert: "/ca.pem"}, want: "sslmode=verify-full&sslrootcert=%2Fca.pem"},
		{name: "client pair", tls: PostgresTLSConfig{Mode: "require", ClientCert: "/c.pem", ClientKey: "/k.pem"}, want: "sslcert=%2Fc.pem&sslkey=%2Fk.pem&sslmode=require"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tls.params().Encode(); got != tt.want {
				t.Fatalf("params() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostgresPoolConfigRequiresCredentials(t *testing.T) {
	setEnv(t, "BANCTL_TEST_PG_USER", "")

	cfg := &PostgresConfig{Host: "localhost", Port: 5432, DatabaseName: "bans", UsernameEnv: "BANCTL_TEST_PG_USER", PasswordEnv: "BANCTL_TEST_PG_PASS"}
	if _, err := cfg.PoolConfig(); err == nil || !strings.Contains(err.Error(), "username is empty") {
		t.Fatalf("expected empty username error, got %v", err)
	}
}

func assertErr(t *testing.T, err error, want string) {
	t.Helper()
	if want == "" {
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		return
	}
	if err == nil || !strings.Contains(err.Error(), want) {
		t.Fatalf("expected error containing %q, got %v", want, err)
	}
}
