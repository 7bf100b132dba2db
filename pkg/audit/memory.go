package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/component"
)

const (
	MemoryStoreType       = "memory"
	defaultMemoryCapacity = 1000
)

// MemorySettings configures the in-process store.
type MemorySettings struct {
	// MaxRuns bounds the number of retained runs; the oldest are evicted first.
	MaxRuns int `yaml:"maxRuns"`
}

func init() {
	RegisterStoreFactory(MemoryStoreType, func(_ context.Context, _ *zap.Logger, settings map[string]any) (Store, error) {
		var s MemorySettings
		if err := component.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("invalid memory store settings: %w", err)
		}
		if s.MaxRuns < 0 {
			return nil, fmt.Errorf("maxRuns must be non-negative")
		}
		return NewMemoryStore(s.MaxRuns), nil
	})
}

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	runs     map[string]Run
	order    []string
}

// NewMemoryStore returns an empty store retaining up to maxRuns runs (0 means the default).
func NewMemoryStore(maxRuns int) *MemoryStore {
	if maxRuns <= 0 {
		maxRuns = defaultMemoryCapacity
	}
	return &MemoryStore{capacity: maxRuns, runs: make(map[string]Run)}
}

func (m *MemoryStore) Type() string { return MemoryStoreType }

func (m *MemoryStore) Save(_ context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; !exists {
		m.order = append(m.order, run.ID)
	}
	m.runs[run.ID] = cloneRun(run)

	for len(m.order) > m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.runs, oldest)
	}

	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := cloneRun(run)
	return &out, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Run, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]Run, 0, min(limit, len(m.order)))
	for i := len(m.order) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, cloneRun(m.runs[m.order[i]]))
	}
	return runs, nil
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// cloneRun detaches the slices of run from the caller.
func cloneRun(run Run) Run {
	run.Conflicts = slices.Clone(run.Conflicts)
	run.Selected = slices.Clone(run.Selected)
	run.Reversed = slices.Clone(run.Reversed)
	run.Failed = slices.Clone(run.Failed)
	return run
}
