// Package workflow drives the ban-then-reconcile process for one network: ban
// it, look up the single-address bans it now covers, and let the operator
// reverse the redundant ones.
//
// A Workflow allows at most one backend call at a time. Actions issued while a
// call is outstanding fail with ErrBusy and change nothing.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/audit"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/runtime"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/selection"
)

var (
	// ErrBusy is returned while a backend call of the same workflow is outstanding.
	ErrBusy = errors.New("a request for this workflow is already in progress")
	// ErrInvalidTransition is returned for actions the current state does not accept.
	ErrInvalidTransition = errors.New("action not allowed in the current state")
	// ErrEmptySelection is returned by Reverse when nothing is selected.
	ErrEmptySelection = errors.New("no entries selected")
	// ErrUnknownEntry is returned by Toggle for ids that are not among the conflicts.
	ErrUnknownEntry = errors.New("entry is not among the conflicting bans")
	// ErrClosed is returned once the workflow has been abandoned.
	ErrClosed = errors.New("workflow closed")
)

// Operation labels used for metrics and logs.
const (
	opSubmit  = "submit"
	opBan     = "ban"
	opCheck   = "check"
	opReverse = "reverse"
)

// Gateway is the subset of the backend client a workflow calls.
type Gateway interface {
	BanCIDR(ctx context.Context, network, reason string) (*gateway.BanResult, error)
	FindIPsInCIDR(ctx context.Context, network string) (*gateway.CheckResult, error)
	UnbanIPsInCIDR(ctx context.Context, network string, ids []int64) (*gateway.UnbanResult, error)
}

// Recorder persists run snapshots.
type Recorder interface {
	Record(ctx context.Context, run audit.Run)
}

// Options wires a workflow to its collaborators. Only Gateway is required.
type Options struct {
	Gateway         Gateway
	Recorder        Recorder
	Instrumentation *metrics.Instrumentation
	Logger          *zap.Logger
	// OnBanSuccess is called once per run, when it reaches the complete state
	// after a successful ban.
	OnBanSuccess func()
	// OnReloadRequest is called by RequestReload only.
	OnReloadRequest func()
}

// Workflow is one run of the ban-then-reconcile process. It is safe for
// concurrent use.
type Workflow struct {
	opts      Options
	logger    *zap.Logger
	op        *runtime.OperationContext
	createdAt time.Time

	mu     sync.Mutex
	state  State
	busy   bool
	closed bool
}

// New creates a workflow in the input state.
func New(opts Options) (*Workflow, error) {
	return newWorkflow(uuid.NewString(), time.Now().UTC(), Input{}, opts)
}

func newWorkflow(id string, createdAt time.Time, initial State, opts Options) (*Workflow, error) {
	if opts.Gateway == nil {
		return nil, errors.New("workflow gateway is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	w := &Workflow{
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "workflow")),
		op:        runtime.NewOperationContext(id),
		createdAt: createdAt,
		state:     initial,
	}
	w.op.SetNetwork(networkOf(initial))
	return w, nil
}

// ID identifies the run.
func (w *Workflow) ID() string {
	return w.op.RunID
}

// State returns a snapshot of the current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return snapshot(w.state)
}

// Busy reports whether a backend call is outstanding.
func (w *Workflow) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// Draft returns the network and reason the input fields currently hold.
func (w *Workflow) Draft() (network, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch s := w.state.(type) {
	case Input:
		return s.Network, s.Reason
	case Banning:
		return s.Network, s.Reason
	case Checking:
		return s.Network, s.Reason
	case Results:
		return s.Network, s.Reason
	case Complete:
		if s.keepDraft {
			return s.Network, s.Reason
		}
	}
	return "", ""
}

// Run returns the persisted form of the current state.
func (w *Workflow) Run() audit.Run {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runLocked()
}

// Submit validates network and reason, bans the network and looks up the bans
// it now covers. It returns once the run has settled in input, results or
// complete. Backend failures are returned as *classify.Error.
func (w *Workflow) Submit(ctx context.Context, network, reason string) (State, error) {
	network = strings.TrimSpace(network)

	w.mu.Lock()
	if err := w.guardLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if _, ok := w.state.(Input); !ok {
		status := w.state.Status()
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot submit while %s", ErrInvalidTransition, status)
	}

	if err := cidrlist.ValidateRequest(network, reason); err != nil {
		classified := classify.New(classify.KindValidation, err.Error())
		w.state = Input{Network: network, Reason: reason, Err: classified}
		w.mu.Unlock()
		w.opts.Instrumentation.ObserveError(opSubmit, string(classified.Kind))
		return Input{Network: network, Reason: reason, Err: classified}, classified
	}
	network, _ = cidrlist.Canonical(network)

	w.op.SetNetwork(network)
	w.busy = true
	run := w.transitionLocked(Banning{Network: network, Reason: reason})
	w.mu.Unlock()
	w.record(ctx, run)

	w.logger.Info("banning network", w.logFields(zap.Int("reason_length", len(reason)))...)

	callCtx, cancel := detach(ctx)
	defer cancel()

	if err := w.call(opBan, func() error {
		_, err := w.opts.Gateway.BanCIDR(callCtx, network, reason)
		return err
	}); err != nil {
		return w.settle(ctx, opBan, err, func() State {
			return Input{Network: network, Reason: reason, Err: classify.Classify(err)}
		})
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, w.discard(opBan)
	}
	run = w.transitionLocked(Checking{Network: network, Reason: reason})
	w.mu.Unlock()
	w.record(ctx, run)

	var check *gateway.CheckResult
	checkErr := w.call(opCheck, func() error {
		var err error
		check, err = w.opts.Gateway.FindIPsInCIDR(callCtx, network)
		return err
	})

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, w.discard(opCheck)
	}
	w.busy = false

	var next State
	switch {
	case checkErr != nil:
		classified := classify.Classify(checkErr)
		w.opts.Instrumentation.ObserveError(opCheck, string(classified.Kind))
		w.logger.Warn("network banned but conflicting bans could not be listed", w.logFields(zap.Error(checkErr))...)
		next = Complete{Network: network, Reason: reason, CheckErr: classified, keepDraft: true}
	case len(check.Entries) == 0:
		w.opts.Instrumentation.ObserveConflictsFound(0)
		w.logger.Info("network banned, no conflicting bans", w.logFields()...)
		next = Complete{Network: network, Reason: reason}
	default:
		w.opts.Instrumentation.ObserveConflictsFound(len(check.Entries))
		w.logger.Info("network banned, conflicting bans found", w.logFields(zap.Int("conflicts", len(check.Entries)))...)
		next = Results{
			Network:   network,
			Reason:    reason,
			Conflicts: check.Entries,
			selection: selection.NewAll(check.IDs()),
		}
	}
	run = w.transitionLocked(next)
	out := snapshot(w.state)
	w.mu.Unlock()

	w.record(ctx, run)
	if out.Status() == StatusComplete {
		w.banSucceeded()
	}
	return out, nil
}

// Toggle flips the selection of one conflicting entry.
func (w *Workflow) Toggle(ctx context.Context, id int64) (State, error) {
	return w.changeSelection(ctx, func(s *selection.Set, _ Results) error {
		if !s.Toggle(id) {
			return fmt.Errorf("%w: %d", ErrUnknownEntry, id)
		}
		return nil
	})
}

// SelectAll selects every conflicting entry.
func (w *Workflow) SelectAll(ctx context.Context) (State, error) {
	return w.changeSelection(ctx, func(s *selection.Set, r Results) error {
		ids := make([]int64, len(r.Conflicts))
		for i, entry := range r.Conflicts {
			ids[i] = entry.ID
		}
		s.SelectAll(ids)
		return nil
	})
}

// DeselectAll clears the selection.
func (w *Workflow) DeselectAll(ctx context.Context) (State, error) {
	return w.changeSelection(ctx, func(s *selection.Set, _ Results) error {
		s.DeselectAll()
		return nil
	})
}

func (w *Workflow) changeSelection(ctx context.Context, change func(*selection.Set, Results) error) (State, error) {
	w.mu.Lock()
	if err := w.guardLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	results, ok := w.state.(Results)
	if !ok {
		status := w.state.Status()
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: no conflicts to select while %s", ErrInvalidTransition, status)
	}
	if err := change(results.selection, results); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	run := w.runLocked()
	out := snapshot(w.state)
	w.mu.Unlock()

	w.record(ctx, run)
	return out, nil
}

// Reverse unbans the selected entries. An empty selection returns
// ErrEmptySelection without calling the backend. On failure the workflow stays
// in results with the selection untouched.
func (w *Workflow) Reverse(ctx context.Context) (State, error) {
	w.mu.Lock()
	if err := w.guardLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	results, ok := w.state.(Results)
	if !ok {
		status := w.state.Status()
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing to reverse while %s", ErrInvalidTransition, status)
	}
	ids := results.Selected()
	if len(ids) == 0 {
		w.mu.Unlock()
		return nil, ErrEmptySelection
	}
	w.busy = true
	w.mu.Unlock()

	w.logger.Info("reversing conflicting bans", w.logFields(zap.Int64s("entry_ids", ids))...)

	callCtx, cancel := detach(ctx)
	defer cancel()

	var outcome *gateway.UnbanResult
	if err := w.call(opReverse, func() error {
		var err error
		outcome, err = w.opts.Gateway.UnbanIPsInCIDR(callCtx, results.Network, ids)
		return err
	}); err != nil {
		return w.settle(ctx, opReverse, err, func() State {
			results.Err = classify.Classify(err)
			return results
		})
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, w.discard(opReverse)
	}
	w.busy = false
	run := w.transitionLocked(Complete{
		Network:   results.Network,
		Reason:    results.Reason,
		Conflicts: results.Conflicts,
		Reversed:  outcome.Reversed,
		Failed:    outcome.Failed,
	})
	out := snapshot(w.state)
	w.mu.Unlock()

	w.opts.Instrumentation.ObserveReversal(len(outcome.Reversed), len(outcome.Failed))
	if len(outcome.Failed) > 0 {
		w.logger.Warn("some conflicting bans could not be reversed",
			w.logFields(zap.Int("reversed", len(outcome.Reversed)), zap.Int("failed", len(outcome.Failed)))...)
	} else {
		w.logger.Info("conflicting bans reversed", w.logFields(zap.Int("reversed", len(outcome.Reversed)))...)
	}

	w.record(ctx, run)
	w.banSucceeded()
	return out, nil
}

// BanAnother starts over from a completed run. The input fields are empty
// unless the conflict lookup of the completed run failed.
func (w *Workflow) BanAnother(ctx context.Context) (State, error) {
	w.mu.Lock()
	if err := w.guardLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	complete, ok := w.state.(Complete)
	if !ok {
		status := w.state.Status()
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: run is still %s", ErrInvalidTransition, status)
	}

	next := Input{}
	if complete.keepDraft {
		next = Input{Network: complete.Network, Reason: complete.Reason}
	}
	run := w.transitionLocked(next)
	w.mu.Unlock()

	w.record(ctx, run)
	return next, nil
}

// Reset returns to an empty input state from any settled state.
func (w *Workflow) Reset(ctx context.Context) (State, error) {
	w.mu.Lock()
	if err := w.guardLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	run := w.transitionLocked(Input{})
	w.mu.Unlock()

	w.op.SetNetwork("")
	w.record(ctx, run)
	return Input{}, nil
}

// RequestReload asks collaborators to re-synchronize their view of the bans.
func (w *Workflow) RequestReload() {
	if w.opts.OnReloadRequest != nil {
		w.opts.OnReloadRequest()
	}
}

// Close abandons the workflow. A backend call still in flight completes on its
// own and its result is discarded.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.logger.Debug("workflow closed", w.logFields(zap.Bool("in_flight", w.busy))...)
}

func (w *Workflow) guardLocked() error {
	if w.closed {
		return ErrClosed
	}
	if w.busy {
		return ErrBusy
	}
	return nil
}

// call runs one backend request with in-flight accounting.
func (w *Workflow) call(op string, fn func() error) error {
	w.opts.Instrumentation.InFlight(op, 1)
	defer w.opts.Instrumentation.InFlight(op, -1)
	return fn()
}

// settle applies the state built by fallback after a failed backend call.
func (w *Workflow) settle(ctx context.Context, op string, err error, fallback func() State) (State, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, w.discard(op)
	}
	w.busy = false
	next := fallback()
	run := w.transitionLocked(next)
	out := snapshot(w.state)
	w.mu.Unlock()

	classified := classify.Classify(err)
	w.opts.Instrumentation.ObserveError(op, string(classified.Kind))
	w.logger.Warn("backend call failed", w.logFields(
		zap.String("operation", op),
		zap.String("error_kind", string(classified.Kind)),
		zap.Error(err),
	)...)

	w.record(ctx, run)
	return out, classified
}

func (w *Workflow) discard(op string) error {
	w.logger.Debug("discarding result of abandoned workflow", w.logFields(zap.String("operation", op))...)
	return ErrClosed
}

func (w *Workflow) transitionLocked(next State) audit.Run {
	from := w.state.Status()
	w.state = next
	if from != next.Status() {
		w.opts.Instrumentation.ObserveTransition(string(from), string(next.Status()))
	}
	return w.runLocked()
}

func (w *Workflow) runLocked() audit.Run {
	run := audit.Run{
		ID:        w.op.RunID,
		Status:    string(w.state.Status()),
		CreatedAt: w.createdAt,
		UpdatedAt: time.Now().UTC(),
	}

	switch s := w.state.(type) {
	case Input:
		run.Network, run.Reason = s.Network, s.Reason
		if s.Err != nil {
			run.ErrorKind, run.ErrorMessage = string(s.Err.Kind), s.Err.Message
		}
	case Banning:
		run.Network, run.Reason = s.Network, s.Reason
	case Checking:
		run.Network, run.Reason = s.Network, s.Reason
	case Results:
		run.Network, run.Reason = s.Network, s.Reason
		run.Conflicts = s.Conflicts
		run.Selected = s.Selected()
		if s.Err != nil {
			run.ErrorKind, run.ErrorMessage = string(s.Err.Kind), s.Err.Message
		}
	case Complete:
		run.Network, run.Reason = s.Network, s.Reason
		run.Conflicts = s.Conflicts
		run.Reversed = s.Reversed
		run.Failed = s.Failed
		if s.CheckErr != nil {
			run.CheckError, run.CheckErrorKind = s.CheckErr.Message, string(s.CheckErr.Kind)
		}
	}
	return run
}

func (w *Workflow) record(ctx context.Context, run audit.Run) {
	if w.opts.Recorder == nil {
		return
	}
	w.opts.Recorder.Record(context.WithoutCancel(ctx), run)
}

func (w *Workflow) banSucceeded() {
	if w.opts.OnBanSuccess != nil {
		w.opts.OnBanSuccess()
	}
}

func (w *Workflow) logFields(fields ...zap.Field) []zap.Field {
	return append(w.op.LogFields(), fields...)
}

// detach drops the caller's cancellation but keeps its deadline: once issued,
// a backend request runs to completion.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return detached, func() {}
}

func networkOf(s State) string {
	switch v := s.(type) {
	case Input:
		return v.Network
	case Banning:
		return v.Network
	case Checking:
		return v.Network
	case Results:
		return v.Network
	case Complete:
		return v.Network
	}
	return ""
}
