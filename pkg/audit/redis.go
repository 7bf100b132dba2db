package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/component"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/datastore"
)

const (
	RedisStoreType        = "redis"
	defaultRedisKeyPrefix = "banctl:runs:"
	redisIndexKeySuffix   = "index"
	defaultRedisRunTTL    = 30 * 24 * time.Hour
)

// RedisSettings configures the Redis store. Connection fields are inlined.
type RedisSettings struct {
	KeyPrefix             string `yaml:"keyPrefix"`
	TTL                   string `yaml:"ttl"`
	datastore.RedisConfig `yaml:",inline"`
}

// Validate checks the store settings, including the connection.
func (s *RedisSettings) Validate() error {
	if s.TTL != "" {
		ttl, err := time.ParseDuration(s.TTL)
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive")
		}
	}
	return s.RedisConfig.Validate()
}

func (s *RedisSettings) ttl() time.Duration {
	ttl, err := time.ParseDuration(s.TTL)
	if err != nil || ttl <= 0 {
		return defaultRedisRunTTL
	}
	return ttl
}

func init() {
	RegisterStoreFactory(RedisStoreType, func(ctx context.Context, logger *zap.Logger, settings map[string]any) (Store, error) {
		var s RedisSettings
		if err := component.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("invalid redis store settings: %w", err)
		}
		s.ApplyDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}

		client, err := datastore.NewRedisClient(ctx, &s.RedisConfig)
		if err != nil {
			return nil, err
		}

		logger.Info("audit store connected", zap.String("address", client.Options().Addr))
		return NewRedisStore(client, s.KeyPrefix, s.ttl()), nil
	})
}

// RedisStore keeps each run as a JSON value with a TTL and indexes run ids in a
// sorted set scored by creation time.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps an existing client. The store owns the client from now on.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultRedisRunTTL
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) Type() string { return RedisStoreType }

func (r *RedisStore) runKey(id string) string { return r.keyPrefix + id }

func (r *RedisStore) indexKey() string { return r.keyPrefix + redisIndexKeySuffix }

func (r *RedisStore) Save(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("could not encode run: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.runKey(run.ID), payload, r.ttl)
		pipe.ZAddNX(ctx, r.indexKey(), redis.Z{
			Score:  float64(run.CreatedAt.UnixMilli()),
			Member: run.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (*Run, error) {
	payload, err := r.client.Get(ctx, r.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis query failed: %w", err)
	}

	var run Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("could not decode run %s: %w", id, err)
	}
	return &run, nil
}

// List reads the newest ids from the index. Ids whose record has expired are
// pruned from the index on the way.
func (r *RedisStore) List(ctx context.Context, limit int) ([]Run, error) {
	limit = normalizeLimit(limit)

	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query failed: %w", err)
	}
	if len(ids) == 0 {
		return []Run{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.runKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query failed: %w", err)
	}

	runs := make([]Run, 0, len(values))
	var expired []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var run Run
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, fmt.Errorf("could not decode run %s: %w", ids[i], err)
		}
		runs = append(runs, run)
	}

	if len(expired) > 0 {
		_ = r.client.ZRem(ctx, r.indexKey(), expired...).Err()
	}

	return runs, nil
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
