package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the prometheus instrumentation bundle for the dispatch runtime.
// All components accept a nil bundle and skip recording.
type Metrics struct {
	DispatchesTotal     *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	RateLimitRejections *prometheus.CounterVec
	DeadLetterDepth     prometheus.Gauge
	AuditEventsDropped  prometheus.Counter
}

// NewMetrics creates and registers the metrics bundle on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "messages_total",
			Help:      "Dispatched messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "duration_seconds",
			Help:      "Dispatch duration by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "rate_limit_rejections_total",
			Help:      "Rate-limited dispatches by limiter algorithm.",
		}, []string{"algorithm"}),
		DeadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "dead_letter_depth",
			Help:      "Dead-letter entries not yet replayed.",
		}),
		AuditEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped due to queue overflow.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DispatchesTotal,
			m.DispatchDuration,
			m.RateLimitRejections,
			m.DeadLetterDepth,
			m.AuditEventsDropped,
		)
	}
	return m
}

// ObserveDispatch records one completed dispatch.
func (m *Metrics) ObserveDispatch(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(kind, outcome).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordRateLimited records one rate-limited dispatch.
func (m *Metrics) RecordRateLimited(algorithm string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(algorithm).Inc()
}

// SetDeadLetterDepth records the pending dead-letter count.
func (m *Metrics) SetDeadLetterDepth(n int) {
	if m == nil {
		return
	}
	m.DeadLetterDepth.Set(float64(n))
}

// RecordAuditDrop records one dropped audit event.
func (m *Metrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Inc()
}
