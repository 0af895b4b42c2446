package alert

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the ingestion pipeline's own counters, registered on a
// per-instance registry so tests can run servers side by side.
type Metrics struct {
	registry       *prometheus.Registry
	Batches        *prometheus.CounterVec
	AlertsIngested prometheus.Counter
	Regenerations  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsbridge_ingest_batches_total",
			Help: "Alert notification batches received, by result.",
		}, []string{"result"}),
		AlertsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsbridge_ingest_alerts_total",
			Help: "Individual alerts upserted into the store.",
		}),
		Regenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsbridge_context_regenerations_total",
			Help: "Context artifact regenerations, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.Batches, m.AlertsIngested, m.Regenerations)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
