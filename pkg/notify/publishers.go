package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/component"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/datastore"
)

const (
	LogPublisherType   = "log"
	RedisPublisherType = "redis"

	// ReloadMessage is the payload published on every change.
	ReloadMessage = "reload"

	defaultChannel = "banctl:bans"
)

func init() {
	RegisterPublisherFactory(LogPublisherType, func(_ context.Context, logger *zap.Logger, _ map[string]any) (Publisher, error) {
		return NewLogPublisher(logger), nil
	})

	RegisterPublisherFactory(RedisPublisherType, func(ctx context.Context, logger *zap.Logger, settings map[string]any) (Publisher, error) {
		var s RedisSettings
		if err := component.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("invalid redis publisher settings: %w", err)
		}
		s.ApplyDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}

		client, err := datastore.NewRedisClient(ctx, &s.RedisConfig)
		if err != nil {
			return nil, err
		}

		logger.Info("publisher connected", zap.String("channel", s.Channel))
		return NewRedisPublisher(client, s.Channel), nil
	})
}

// LogPublisher only writes a log line.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Type() string { return LogPublisherType }

func (l *LogPublisher) PublishBansChanged(context.Context) error {
	l.logger.Info("ban list changed")
	return nil
}

func (l *LogPublisher) Close() error { return nil }

// RedisSettings configures the Redis publisher. Connection fields are inlined.
type RedisSettings struct {
	Channel               string `yaml:"channel"`
	datastore.RedisConfig `yaml:",inline"`
}

// ApplyDefaults fills the channel and connection defaults.
func (s *RedisSettings) ApplyDefaults() {
	if s.Channel == "" {
		s.Channel = defaultChannel
	}
	s.RedisConfig.ApplyDefaults()
}

// RedisPublisher publishes ReloadMessage on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher wraps an existing client. The publisher owns the client from now on.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (r *RedisPublisher) Type() string { return RedisPublisherType }

func (r *RedisPublisher) PublishBansChanged(ctx context.Context) error {
	return r.client.Publish(ctx, r.channel, ReloadMessage).Err()
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
