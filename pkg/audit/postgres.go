package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/component"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/datastore"
)

const (
	PostgresStoreType    = "postgres"
	defaultPostgresTable = "ban_workflow_runs"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresSettings configures the PostgreSQL store. Connection fields are inlined.
type PostgresSettings struct {
	Table                    string `yaml:"table"`
	datastore.PostgresConfig `yaml:",inline"`
}

// ApplyDefaults fills the table name and connection defaults.
func (s *PostgresSettings) ApplyDefaults() {
	if s.Table == "" {
		s.Table = defaultPostgresTable
	}
	s.PostgresConfig.ApplyDefaults()
}

// Validate checks the table name and the connection settings.
func (s *PostgresSettings) Validate() error {
	if !tableNamePattern.MatchString(s.Table) {
		return fmt.Errorf("table must be a plain or schema-qualified identifier, got '%s'", s.Table)
	}
	return s.PostgresConfig.Validate()
}

func init() {
	RegisterStoreFactory(PostgresStoreType, func(ctx context.Context, logger *zap.Logger, settings map[string]any) (Store, error) {
		var s PostgresSettings
		if err := component.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("invalid postgres store settings: %w", err)
		}
		s.ApplyDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}

		pool, err := datastore.NewPostgresPool(ctx, &s.PostgresConfig)
		if err != nil {
			return nil, err
		}

		store, err := NewPostgresStore(ctx, pool, s.Table)
		if err != nil {
			pool.Close()
			return nil, err
		}

		logger.Info("audit store connected", zap.String("table", s.Table))
		return store, nil
	})
}

// PostgresStore keeps one row per run with the full record in a jsonb column.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore creates the runs table if needed. The store owns pool from now on.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if table == "" {
		table = defaultPostgresTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name '%s'", table)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	network TEXT NOT NULL,
	status TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("could not create table %s: %w", table, err)
	}

	return &PostgresStore{pool: pool, table: table}, nil
}

func (p *PostgresStore) Type() string { return PostgresStoreType }

func (p *PostgresStore) Save(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("could not encode run: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, network, status, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	network = EXCLUDED.network,
	status = EXCLUDED.status,
	payload = EXCLUDED.payload,
	updated_at = EXCLUDED.updated_at`, p.table)

	if _, err := p.pool.Exec(ctx, query, run.ID, run.Network, run.Status, payload, run.CreatedAt, run.UpdatedAt); err != nil {
		return fmt.Errorf("postgres write failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (*Run, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, p.table), id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var run Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("could not decode run %s: %w", id, err)
	}
	return &run, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]Run, error) {
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT payload FROM %s ORDER BY created_at DESC, id DESC LIMIT $1`, p.table),
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var run Run
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("could not decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
