// Package metric defines the prometheus instrumentation for the ingestion
// engine. Callers hold a *Metrics and update it directly; registration is
// explicit so tests can use private registries.
package metric

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	IngestDecisions  *prometheus.CounterVec
	SamplesStored    prometheus.Counter
	ValidationDrops  prometheus.Counter
	StoreErrors      *prometheus.CounterVec
	RetentionDeletes *prometheus.CounterVec

	BrokerConnected  prometheus.Gauge
	ConnectAttempts  prometheus.Counter
	ConnectFailures  prometheus.Counter
	BrokerReconnects prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		IngestDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "ingest",
				Name:      "decisions_total",
				Help:      "Ingest decisions by outcome",
			},
			[]string{"decision"},
		),
		SamplesStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "ingest",
				Name:      "samples_stored_total",
				Help:      "Samples appended to shard stores",
			},
		),
		ValidationDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "ingest",
				Name:      "validation_drops_total",
				Help:      "Numeric values rejected by validation bounds",
			},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "storage",
				Name:      "errors_total",
				Help:      "Store operation failures after retries",
			},
			[]string{"store"},
		),
		RetentionDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "retention",
				Name:      "deleted_rows_total",
				Help:      "Sample rows removed by retention enforcement",
			},
			[]string{"root"},
		),
		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mqttvault",
				Subsystem: "mqtt",
				Name:      "connected",
				Help:      "Broker connection state (0 or 1)",
			},
		),
		ConnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "mqtt",
				Name:      "connect_attempts_total",
				Help:      "Broker connect attempts",
			},
		),
		ConnectFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "mqtt",
				Name:      "connect_failures_total",
				Help:      "Broker connect attempts that failed",
			},
		),
		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mqttvault",
				Subsystem: "mqtt",
				Name:      "reconnects_total",
				Help:      "Successful reconnections after a drop",
			},
		),
	}
}

// Register attaches every collector to the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.IngestDecisions,
		m.SamplesStored,
		m.ValidationDrops,
		m.StoreErrors,
		m.RetentionDeletes,
		m.BrokerConnected,
		m.ConnectAttempts,
		m.ConnectFailures,
		m.BrokerReconnects,
	)
}
