// Package metrics holds the Prometheus collectors of the reservation
// service.  A nil *Metrics is valid and records nothing, which keeps the
// core packages usable in tests without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	Operations           *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	LockAcquisitions     *prometheus.CounterVec
	SlotAdjustments      *prometheus.CounterVec
	CompensationFailures prometheus.Counter
	EventsPublished      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.  reg may be nil,
// in which case nothing is registered (useful for tests that want counters
// but no global state).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "operations_total",
			Help:      "Reservation lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reservation",
			Name:      "operation_duration_seconds",
			Help:      "Latency of reservation lifecycle operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "lock_acquisitions_total",
			Help:      "Distributed lock acquisition attempts by result (acquired, busy, error).",
		}, []string{"result"}),
		SlotAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "slot_adjustments_total",
			Help:      "Slot capacity adjustments by direction and result.",
		}, []string{"direction", "result"}),
		CompensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "compensation_failures_total",
			Help:      "Compensating adjustments that could not be applied.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "events_published_total",
			Help:      "Reservation events handed to the broker by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Operations,
			m.OperationDuration,
			m.LockAcquisitions,
			m.SlotAdjustments,
			m.CompensationFailures,
			m.EventsPublished,
		)
	}
	return m
}

// ObserveOperation records one finished lifecycle operation.
func (m *Metrics) ObserveOperation(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) LockResult(result string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) SlotAdjusted(delta int, result string) {
	if m == nil {
		return
	}
	dir := "consume"
	if delta < 0 {
		dir = "release"
	}
	m.SlotAdjustments.WithLabelValues(dir, result).Inc()
}

func (m *Metrics) CompensationFailed() {
	if m == nil {
		return
	}
	m.CompensationFailures.Inc()
}

func (m *Metrics) EventPublished(result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}
