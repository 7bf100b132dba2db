package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/audit"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/enrich"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/workflow"
)

var (
	// ErrWorkflowNotFound is returned for ids with no live workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrNetworkInFlight is returned when another workflow is banning the same network.
	ErrNetworkInFlight = errors.New("a ban for this network is already in progress")
)

// RunStore reads recorded runs.
type RunStore interface {
	Load(ctx context.Context, id string) (*audit.Run, error)
	List(ctx context.Context, limit int) ([]audit.Run, error)
}

// ManagerOptions wires the collaborators shared by every workflow.
type ManagerOptions struct {
	Gateway         workflow.Gateway
	Recorder        workflow.Recorder
	Runs            RunStore
	Enricher        *enrich.Enricher
	Instrumentation *metrics.Instrumentation
	Logger          *zap.Logger
	OnBanSuccess    func()
	OnReloadRequest func()
}

// Manager owns the live workflows of the operator API, one per run id.
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger

	mu        sync.Mutex
	workflows map[string]*workflow.Workflow
	// inFlight maps a network to the run currently submitting it.
	inFlight map[string]string
}

// NewManager instantiates a workflow manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		workflows: make(map[string]*workflow.Workflow),
		inFlight:  make(map[string]string),
	}
}

// Create starts a new workflow in the input state.
func (m *Manager) Create() (*workflow.Workflow, error) {
	wf, err := workflow.New(m.workflowOptions())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.workflows[wf.ID()] = wf
	m.mu.Unlock()

	return wf, nil
}

// Get returns the live workflow with id.
func (m *Manager) Get(id string) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// Submit submits network on wf unless another workflow is still banning or
// checking the same network.
func (m *Manager) Submit(ctx context.Context, wf *workflow.Workflow, network, reason string) (workflow.State, error) {
	key := strings.TrimSpace(network)
	if canonical, ok := cidrlist.Canonical(key); ok {
		key = canonical
	}

	m.mu.Lock()
	owner, busy := m.inFlight[key]
	if busy && owner == wf.ID() {
		m.mu.Unlock()
		return nil, workflow.ErrBusy
	}
	if busy {
		m.mu.Unlock()
		m.logger.Info("rejecting concurrent ban of the same network",
			zap.String("network", key),
			zap.String("run_id", wf.ID()),
			zap.String("owner_run_id", owner),
		)
		return nil, ErrNetworkInFlight
	}
	m.inFlight[key] = wf.ID()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.inFlight[key] == wf.ID() {
			delete(m.inFlight, key)
		}
		m.mu.Unlock()
	}()

	return wf.Submit(ctx, network, reason)
}

// Remove abandons the workflow with id. A request it still has in flight
// completes on its own and its result is dropped.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	wf, ok := m.workflows[id]
	delete(m.workflows, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	wf.Close()
	return nil
}

// Resume brings a recorded run back as a live workflow. A run that is already
// live is returned as is.
func (m *Manager) Resume(ctx context.Context, id string) (*workflow.Workflow, error) {
	if wf, err := m.Get(id); err == nil {
		return wf, nil
	}
	if m.opts.Runs == nil {
		return nil, fmt.Errorf("%w: %s", audit.ErrRunNotFound, id)
	}

	run, err := m.opts.Runs.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	wf, err := workflow.Resume(*run, m.workflowOptions())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workflows[id]; ok {
		wf.Close()
		return existing, nil
	}
	m.workflows[id] = wf

	m.logger.Info("workflow resumed", zap.String("run_id", id), zap.String("status", run.Status))
	return wf, nil
}

// Runs lists recorded runs, most recent first.
func (m *Manager) Runs(ctx context.Context, limit int) ([]audit.Run, error) {
	if m.opts.Runs == nil {
		return []audit.Run{}, nil
	}
	return m.opts.Runs.List(ctx, limit)
}

// Annotate enriches conflicting entries when enrichment is configured.
func (m *Manager) Annotate(entries []gateway.CIDREntry) []enrich.Annotation {
	if m.opts.Enricher == nil {
		return nil
	}
	return m.opts.Enricher.AnnotateEntries(entries)
}

// Close abandons every live workflow.
func (m *Manager) Close() {
	m.mu.Lock()
	workflows := m.workflows
	m.workflows = make(map[string]*workflow.Workflow)
	m.mu.Unlock()

	for _, wf := range workflows {
		wf.Close()
	}
}

func (m *Manager) workflowOptions() workflow.Options {
	return workflow.Options{
		Gateway:         m.opts.Gateway,
		Recorder:        m.opts.Recorder,
		Instrumentation: m.opts.Instrumentation,
		Logger:          m.opts.Logger,
		OnBanSuccess:    m.opts.OnBanSuccess,
		OnReloadRequest: m.opts.OnReloadRequest,
	}
}
