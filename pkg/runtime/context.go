// Package runtime provides run-scoped context for ban workflow operations.
// It carries the run identity and accumulates structured logging fields while
// a workflow moves through its steps.
package runtime

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// OperationContext captures metadata shared by every step of one workflow run.
// Logging fields can be accumulated concurrently by the components taking part in the run.
type OperationContext struct {
	// RunID identifies the workflow run.
	RunID string
	// StartedAt records when the run was created.
	StartedAt time.Time

	mu        sync.RWMutex
	network   string
	logFields []zap.Field
}

// NewOperationContext constructs an OperationContext for the provided run.
func NewOperationContext(runID string) *OperationContext {
	return &OperationContext{
		RunID:     runID,
		StartedAt: time.Now(),
		logFields: []zap.Field{zap.String("run_id", runID)},
	}
}

// SetNetwork records the network the run operates on. An empty value clears it.
func (o *OperationContext) SetNetwork(network string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.network = network
	o.mu.Unlock()
}

// Network returns the network currently associated with the run.
func (o *OperationContext) Network() string {
	if o == nil {
		return ""
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.network
}

// AddLogFields attaches structured fields that should accompany run logging.
// The run_id and network keys are reserved and silently skipped.
func (o *OperationContext) AddLogFields(fields ...zap.Field) {
	if o == nil {
		return
	}

	sanitized := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "run_id" || f.Key == "network" {
			continue
		}
		sanitized = append(sanitized, f)
	}

	o.mu.Lock()
	o.logFields = append(o.logFields, sanitized...)
	o.mu.Unlock()
}

// LogFields returns a snapshot of the accumulated log fields, including the
// current network when one is set.
func (o *OperationContext) LogFields() []zap.Field {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]zap.Field, len(o.logFields), len(o.logFields)+1)
	copy(out, o.logFields)
	if o.network != "" {
		out = append(out, zap.String("network", o.network))
	}
	return out
}
