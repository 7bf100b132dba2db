// Package audit records every step of a CIDR ban workflow as a Run so that
// operators can review past operations and resume interrupted ones.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/component"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
)

// ErrRunNotFound is returned by Load when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

const (
	defaultListLimit = 50
	recordTimeout    = 5 * time.Second
)

// Run is the persisted snapshot of one workflow run.
type Run struct {
	ID             string              `json:"id"`
	Network        string              `json:"network"`
	Reason         string              `json:"reason"`
	Status         string              `json:"status"`
	Conflicts      []gateway.CIDREntry `json:"conflicts,omitempty"`
	Selected       []int64             `json:"selected,omitempty"`
	Reversed       []gateway.UnbanItem `json:"reversed,omitempty"`
	Failed         []gateway.UnbanItem `json:"failed,omitempty"`
	ErrorKind      string              `json:"errorKind,omitempty"`
	ErrorMessage   string              `json:"errorMessage,omitempty"`
	CheckError     string              `json:"checkError,omitempty"`
	CheckErrorKind string              `json:"checkErrorKind,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Store persists runs.
type Store interface {
	Type() string
	// Save inserts or replaces the run with the same id.
	Save(ctx context.Context, run Run) error
	Load(ctx context.Context, id string) (*Run, error)
	// List returns up to limit runs, most recently created first.
	List(ctx context.Context, limit int) ([]Run, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// StoreFactory builds a store from its decoded settings map.
type StoreFactory func(ctx context.Context, logger *zap.Logger, settings map[string]any) (Store, error)

var stores = component.NewRegistry[StoreFactory]("audit store")

// RegisterStoreFactory associates a store type with a factory.
func RegisterStoreFactory(kind string, factory StoreFactory) {
	stores.MustRegister(kind, factory)
}

// Build creates the store selected by cfg and instruments it.
func Build(ctx context.Context, logger *zap.Logger, cfg config.ComponentConfig, inst *metrics.Instrumentation) (*InstrumentedStore, error) {
	factory, err := stores.Lookup(cfg.Type)
	if err != nil {
		return nil, err
	}

	store, err := factory(ctx, logger.With(zap.String("store_type", cfg.Type)), cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("could not build audit store of type '%s': %w", cfg.Type, err)
	}

	return Instrument(store, inst), nil
}

// InstrumentedStore decorates a Store with write metrics and exposes it as a
// readiness dependency.
type InstrumentedStore struct {
	Store
	inst *metrics.Instrumentation
}

// Instrument wraps store so that every Save is observed by inst.
func Instrument(store Store, inst *metrics.Instrumentation) *InstrumentedStore {
	return &InstrumentedStore{Store: store, inst: inst}
}

// Name identifies the store in readiness reports.
func (s *InstrumentedStore) Name() string {
	return "audit"
}

func (s *InstrumentedStore) Save(ctx context.Context, run Run) error {
	start := time.Now()
	err := s.Store.Save(ctx, run)
	s.inst.ObserveAuditWrite(strings.ToUpper(s.Store.Type()), err, time.Since(start))
	return err
}

// Recorder saves runs on behalf of workflows. A failed write is logged and
// never reported back to the caller.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

// NewRecorder returns a Recorder writing to store. A nil store disables recording.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record saves run, bounded by a short timeout.
func (r *Recorder) Record(ctx context.Context, run Run) {
	if r == nil || r.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := r.store.Save(ctx, run); err != nil {
		r.logger.Warn("could not record workflow run",
			zap.String("run_id", run.ID),
			zap.String("status", run.Status),
			zap.Error(err),
		)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
