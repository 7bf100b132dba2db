// Package notify tells interested parties that the set of bans changed, so
// that views over the ban list can refresh.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/component"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
)

const publishTimeout = 5 * time.Second

// Publisher announces ban list changes.
type Publisher interface {
	Type() string
	PublishBansChanged(ctx context.Context) error
	Close() error
}

// PublisherFactory builds a publisher from its settings map.
type PublisherFactory func(ctx context.Context, logger *zap.Logger, settings map[string]any) (Publisher, error)

var publishers = component.NewRegistry[PublisherFactory]("publisher")

// RegisterPublisherFactory associates a publisher type with a factory.
func RegisterPublisherFactory(kind string, factory PublisherFactory) {
	publishers.MustRegister(kind, factory)
}

// Build creates the publisher selected by cfg.
func Build(ctx context.Context, logger *zap.Logger, cfg config.ComponentConfig, inst *metrics.Instrumentation) (*Notifier, error) {
	factory, err := publishers.Lookup(cfg.Type)
	if err != nil {
		return nil, err
	}

	publisherLogger := logger.With(zap.String("publisher", cfg.Type))
	publisher, err := factory(ctx, publisherLogger, cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("could not build publisher of type '%s': %w", cfg.Type, err)
	}

	return NewNotifier(publisher, publisherLogger, inst), nil
}

// Notifier adapts a Publisher to the fire-and-forget hook fired after a ban.
type Notifier struct {
	publisher Publisher
	logger    *zap.Logger
	inst      *metrics.Instrumentation
}

// NewNotifier wraps publisher.
func NewNotifier(publisher Publisher, logger *zap.Logger, inst *metrics.Instrumentation) *Notifier {
	return &Notifier{publisher: publisher, logger: logger, inst: inst}
}

// Notify publishes a change. Failures are logged and counted, never returned.
func (n *Notifier) Notify(ctx context.Context) {
	if n == nil || n.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := n.publisher.PublishBansChanged(ctx)
	n.inst.ObserveNotification(n.publisher.Type(), err)
	if err != nil {
		n.logger.Warn("could not publish ban list change", zap.Error(err))
	}
}

// Hook returns a callback suitable for a workflow's ban success hook.
func (n *Notifier) Hook() func() {
	return func() { n.Notify(context.Background()) }
}

// Close releases the publisher.
func (n *Notifier) Close() error {
	if n == nil || n.publisher == nil {
		return nil
	}
	return n.publisher.Close()
}
