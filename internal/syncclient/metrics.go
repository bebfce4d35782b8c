package syncclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks outbox delivery. Each Metrics owns its registry so several
// workers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	acked      prometheus.Counter
	dropped    *prometheus.CounterVec
	retries    prometheus.Counter
	queueDepth prometheus.Gauge
	suspended  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activitysync",
			Name:      "sync_requests_total",
			Help:      "Outbox delivery requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "activitysync",
			Name:      "sync_entries_acked_total",
			Help:      "Outbox entries removed after a 2xx acknowledgement.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activitysync",
			Name:      "sync_entries_dropped_total",
			Help:      "Outbox entries dropped without delivery.",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "activitysync",
			Name:      "sync_retries_total",
			Help:      "Scheduled retries after transient failures.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "activitysync",
			Name:      "outbox_depth",
			Help:      "Entries waiting in the outbox.",
		}),
		suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "activitysync",
			Name:      "sync_suspended",
			Help:      "1 while sync waits for a new credential.",
		}),
	}
	m.registry.MustRegister(m.requests, m.acked, m.dropped, m.retries, m.queueDepth, m.suspended)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeRequest(op, outcome string) {
	m.requests.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) observeAcked(n int) {
	m.acked.Add(float64(n))
}

func (m *Metrics) observeDropped(reason string, n int) {
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) observeRetry() {
	m.retries.Inc()
}

func (m *Metrics) setDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) setSuspended(suspended bool) {
	if suspended {
		m.suspended.Set(1)
		return
	}
	m.suspended.Set(0)
}
