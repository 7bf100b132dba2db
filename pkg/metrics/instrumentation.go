package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OK           = "OK"
	ERROR        = "ERROR"
	NotAvailable = "-"
	POSTGRES     = "POSTGRES"
	REDIS        = "REDIS"
	MEMORY       = "MEMORY"
)

const namespace = "banctl"

// Instrumentation publishes Prometheus metrics for the ban workflow and its collaborators.
type Instrumentation struct {
	transitions      *prometheus.CounterVec
	classifiedErrors *prometheus.CounterVec
	gatewayRequests  *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
	gatewayRetries   *prometheus.CounterVec
	inFlight         *prometheus.GaugeVec
	conflictsFound   prometheus.Histogram
	entriesReversed  *prometheus.CounterVec
	auditWrites      *prometheus.CounterVec
	auditDuration    *prometheus.HistogramVec
	notifications    *prometheus.CounterVec
}

// NewInstrumentation registers all metric vectors.
func NewInstrumentation(reg prometheus.Registerer) *Instrumentation {
	inst := &Instrumentation{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow state transitions",
		}, []string{"from", "to"}),
		classifiedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors surfaced to operators by operation and kind",
		}, []string{"operation", "kind"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Backend requests by operation and result",
		}, []string{"operation", "result"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Backend request latency including retries",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation", "result"}),
		gatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Backend request retries by operation",
		}, []string{"operation"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "inflight_calls",
			Help:      "Backend calls currently outstanding per workflow step",
		}, []string{"step"}),
		conflictsFound: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "conflicts_found",
			Help:      "Conflicting ban entries found inside freshly banned networks",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		entriesReversed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "entries_reversed_total",
			Help:      "Conflicting entries processed by reversal, by result",
		}, []string{"result"}),
		auditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Workflow run records written to the audit store",
		}, []string{"store_type", "result"}),
		auditDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_duration_seconds",
			Help:      "Audit store write latency",
			Buckets:   []float64{.001, .002, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"store_type", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Ban list change notifications published",
		}, []string{"publisher", "result"}),
	}

	reg.MustRegister(
		inst.transitions,
		inst.classifiedErrors,
		inst.gatewayRequests,
		inst.gatewayDuration,
		inst.gatewayRetries,
		inst.inFlight,
		inst.conflictsFound,
		inst.entriesReversed,
		inst.auditWrites,
		inst.auditDuration,
		inst.notifications,
	)
	return inst
}

// InFlight increments or decrements the in-flight gauge of a workflow step.
func (i *Instrumentation) InFlight(step string, delta float64) {
	if i == nil {
		return
	}

	if delta == 0 {
		return
	}
	if delta > 0 {
		i.inFlight.WithLabelValues(step).Add(delta)
		return
	}
	i.inFlight.WithLabelValues(step).Sub(-delta)
}

// ObserveTransition counts a workflow state change.
func (i *Instrumentation) ObserveTransition(from, to string) {
	if i == nil {
		return
	}
	i.transitions.WithLabelValues(from, to).Inc()
}

// ObserveError counts a classified error surfaced by an operation.
func (i *Instrumentation) ObserveError(operation, kind string) {
	if i == nil {
		return
	}
	if kind == "" {
		kind = NotAvailable
	}
	i.classifiedErrors.WithLabelValues(operation, kind).Inc()
}

// ObserveGatewayRequest records a backend request outcome and latency.
func (i *Instrumentation) ObserveGatewayRequest(operation string, err error, duration time.Duration) {
	if i == nil {
		return
	}
	result := OK
	if err != nil {
		result = ERROR
	}
	i.gatewayRequests.WithLabelValues(operation, result).Inc()
	i.gatewayDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// ObserveGatewayRetry counts a retried backend request.
func (i *Instrumentation) ObserveGatewayRetry(operation string) {
	if i == nil {
		return
	}
	i.gatewayRetries.WithLabelValues(operation).Inc()
}

// ObserveConflictsFound records how many conflicting entries a check returned.
func (i *Instrumentation) ObserveConflictsFound(count int) {
	if i == nil {
		return
	}
	i.conflictsFound.Observe(float64(count))
}

// ObserveReversal counts reversed and failed entries of an unban call.
func (i *Instrumentation) ObserveReversal(reversed, failed int) {
	if i == nil {
		return
	}
	if reversed > 0 {
		i.entriesReversed.WithLabelValues(OK).Add(float64(reversed))
	}
	if failed > 0 {
		i.entriesReversed.WithLabelValues(ERROR).Add(float64(failed))
	}
}

// ObserveAuditWrite records an audit store write and its latency.
func (i *Instrumentation) ObserveAuditWrite(storeType string, err error, duration time.Duration) {
	if i == nil {
		return
	}
	result := OK
	if err != nil {
		result = ERROR
	}
	i.auditWrites.WithLabelValues(storeType, result).Inc()
	i.auditDuration.WithLabelValues(storeType, result).Observe(duration.Seconds())
}

// ObserveNotification counts a published ban list change notification.
func (i *Instrumentation) ObserveNotification(publisher string, err error) {
	if i == nil {
		return
	}
	result := OK
	if err != nil {
		result = ERROR
	}
	i.notifications.WithLabelValues(publisher, result).Inc()
}
