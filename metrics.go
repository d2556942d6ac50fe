package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	eventsApplied       *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	commitFailures      prometheus.Counter
	rollbacks           *prometheus.CounterVec
	throttled           *prometheus.CounterVec
	capabilitiesMissing prometheus.Counter
	batchDuration       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_applied_total",
			Help: "Events applied to the local state, by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_dropped_total",
			Help: "Events skipped during reconciliation, by reason.",
		}, []string{"reason"}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_commit_failures_total",
			Help: "Batches whose repository write failed.",
		}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_optimistic_rollbacks_total",
			Help: "Optimistic mutations rolled back after a network failure.",
		}, []string{"op"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_throttled_total",
			Help: "Mutations rejected by a throttle.",
		}, []string{"op"}),
		capabilitiesMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_capabilities_missing_total",
			Help: "Channels committed without any known capability list.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_batch_duration_seconds",
			Help:    "Time to reconcile and commit one event batch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsApplied,
			m.eventsDropped,
			m.commitFailures,
			m.rollbacks,
			m.throttled,
			m.capabilitiesMissing,
			m.batchDuration,
		)
	}
	return m
}

func (m *Metrics) eventApplied(typ string) {
	if m != nil {
		m.eventsApplied.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) eventDropped(reason string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) commitFailed() {
	if m != nil {
		m.commitFailures.Inc()
	}
}

func (m *Metrics) rolledBack(op string) {
	if m != nil {
		m.rollbacks.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) throttledCall(op string) {
	if m != nil {
		m.throttled.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) capabilityMissing() {
	if m != nil {
		m.capabilitiesMissing.Inc()
	}
}

func (m *Metrics) observeBatch(start time.Time) {
	if m != nil {
		m.batchDuration.Observe(time.Since(start).Seconds())
	}
}
