// Package metrics defines the Prometheus collectors exported by the
// coordinator.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "userfleet"

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the coordinator's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	dispatched     *prometheus.CounterVec
	events         *prometheus.CounterVec
	snapshotPushes *prometheus.CounterVec
	aggregateSize  prometheus.Gauge
	workerHealthy  *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "requests_total",
				Help:      "Counter of requests proxied to workers.",
			}, []string{"worker", "outcome"}),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "mutation_events_total",
				Help:      "Counter of mutation events folded into the aggregate state.",
			}, []string{"operation"}),
		snapshotPushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "snapshot_pushes_total",
				Help:      "Counter of snapshots pushed to workers.",
			}, []string{"worker", "outcome"}),
		aggregateSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "aggregate_records",
				Help:      "Number of records in the coordinator's aggregate state.",
			}),
		workerHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fleet",
				Name:      "worker_healthy",
				Help:      "1 if the last health probe of the worker succeeded, 0 otherwise.",
			}, []string{"worker"}),
	}
	reg.MustRegister(m.dispatched, m.events, m.snapshotPushes, m.aggregateSize, m.workerHealthy)
	return m
}

func workerLabel(index int) string {
	return strconv.Itoa(index)
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// Dispatched counts one proxied request.
func (m *Metrics) Dispatched(worker int, err error) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(workerLabel(worker), outcome(err)).Inc()
}

// EventFolded counts one folded mutation event and records the new size.
func (m *Metrics) EventFolded(operation string, size int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(operation).Inc()
	m.aggregateSize.Set(float64(size))
}

// SnapshotPushed counts one snapshot push to a worker.
func (m *Metrics) SnapshotPushed(worker int, err error) {
	if m == nil {
		return
	}
	m.snapshotPushes.WithLabelValues(workerLabel(worker), outcome(err)).Inc()
}

// AggregateSize records the aggregate size without counting an event.
func (m *Metrics) AggregateSize(size int) {
	if m == nil {
		return
	}
	m.aggregateSize.Set(float64(size))
}

// WorkerHealth records the result of a health probe.
func (m *Metrics) WorkerHealth(worker int, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.workerHealthy.WithLabelValues(workerLabel(worker)).Set(v)
}
