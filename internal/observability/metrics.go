// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging and OpenTelemetry tracing for reqshield.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reqshield/reqshield/internal/detect"
)

const namespace = "reqshield"

// Outcome label values for decisions_total. Blocked decisions use the block
// reason as outcome.
const outcomeAllowed = "allowed"

// Metrics holds the Prometheus collectors plus atomic counters that tests
// and the status endpoint can read without scraping.
type Metrics struct {
	allowed          atomic.Int64
	blocked          atomic.Int64
	detectorFaults   atomic.Int64
	backstopRejected atomic.Int64
	eventsDropped    atomic.Int64
	handlerFailures  atomic.Int64

	promDecisions        *prometheus.CounterVec
	promDecisionDuration prometheus.Histogram
	promDetectorFaults   *prometheus.CounterVec
	promBackstopRejected prometheus.Counter
	promBreakerState     prometheus.Gauge
	promBreakerChanges   *prometheus.CounterVec
	promEventsDropped    prometheus.Counter
	promHandlerFailures  prometheus.Counter
	promConfigReloads    *prometheus.CounterVec

	// PromRequestDuration is observed by the guard middleware for every
	// request it lets through to the backend.
	PromRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on reg (the default
// registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		promDecisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent deciding whether to admit a request.",
			Buckets:   []float64{.000005, .00001, .000025, .00005, .0001, .00025, .0005, .001, .005},
		}),
		promDetectorFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_faults_total",
			Help:      "Recovered detector failures.",
		}, []string{"detector"}),
		promBackstopRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backstop_rejected_total",
			Help:      "Requests rejected by the backstop while a detector was faulting.",
		}),
		promBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		}),
		promBreakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"to"}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the emitter buffer was full.",
		}),
		promHandlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Admitted requests whose handler failed (5xx or panic).",
		}),
		promConfigReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Protection config changes by source and result.",
		}, []string{"source", "result"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of admitted requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
	}
}

// ObserveDecision records one pipeline decision. An empty reason means the
// request was allowed.
func (m *Metrics) ObserveDecision(reason string, elapsed time.Duration) {
	outcome := reason
	if outcome == "" {
		outcome = outcomeAllowed
		m.allowed.Add(1)
	} else {
		m.blocked.Add(1)
	}
	m.promDecisions.WithLabelValues(outcome).Inc()
	m.promDecisionDuration.Observe(elapsed.Seconds())
}

// IncDetectorFault counts a recovered detector failure.
func (m *Metrics) IncDetectorFault(detector string) {
	m.detectorFaults.Add(1)
	m.promDetectorFaults.WithLabelValues(detector).Inc()
}

// IncBackstopRejected counts a request rejected by the fail-open backstop.
func (m *Metrics) IncBackstopRejected() {
	m.backstopRejected.Add(1)
	m.promBackstopRejected.Inc()
}

// RecordBreakerTransition updates the breaker state gauge.
func (m *Metrics) RecordBreakerTransition(to detect.BreakerState) {
	m.promBreakerState.Set(float64(to))
	m.promBreakerChanges.WithLabelValues(to.String()).Inc()
}

// IncEventsDropped counts an event lost to buffer overflow.
func (m *Metrics) IncEventsDropped() {
	m.eventsDropped.Add(1)
	m.promEventsDropped.Inc()
}

// IncHandlerFailures counts an admitted request that failed downstream.
func (m *Metrics) IncHandlerFailures() {
	m.handlerFailures.Add(1)
	m.promHandlerFailures.Inc()
}

// IncConfigReload counts a protection config change attempt.
func (m *Metrics) IncConfigReload(source string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.promConfigReloads.WithLabelValues(source, result).Inc()
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Allowed          int64
	Blocked          int64
	DetectorFaults   int64
	BackstopRejected int64
	EventsDropped    int64
	HandlerFailures  int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:          m.allowed.Load(),
		Blocked:          m.blocked.Load(),
		DetectorFaults:   m.detectorFaults.Load(),
		BackstopRejected: m.backstopRejected.Load(),
		EventsDropped:    m.eventsDropped.Load(),
		HandlerFailures:  m.handlerFailures.Load(),
	}
}
