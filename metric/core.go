package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the service-level metrics for the write and read paths
type Metrics struct {
	// RPC metrics
	RequestsReceived *prometheus.CounterVec
	RequestsHandled  *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec

	// Outcome bucket metrics for the lattice write path
	ItemsCreated     *prometheus.CounterVec
	ItemsMerged      *prometheus.CounterVec
	ItemsConflicted  prometheus.Counter
	ItemsRejected    prometheus.Counter
	TombstonesByKind *prometheus.CounterVec

	// Store metrics
	StoreTxDuration *prometheus.HistogramVec
	StoreErrors     *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates all service metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "rpc",
				Name:      "requests_received_total",
				Help:      "Total number of RPC requests received",
			},
			[]string{"subject"},
		),

		RequestsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "rpc",
				Name:      "requests_handled_total",
				Help:      "Total number of RPC requests handled, by outcome",
			},
			[]string{"subject", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tee",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "RPC handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"subject"},
		),

		ItemsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "merge",
				Name:      "items_created_total",
				Help:      "Graph items created, by kind",
			},
			[]string{"kind"},
		),

		ItemsMerged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "merge",
				Name:      "items_merged_total",
				Help:      "Graph items merged into existing state, by kind",
			},
			[]string{"kind"},
		),

		ItemsConflicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "merge",
				Name:      "items_conflicted_total",
				Help:      "Node writes rejected by first-write-wins conflicts",
			},
		),

		ItemsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "merge",
				Name:      "items_rejected_total",
				Help:      "Items rejected by schema validation",
			},
		),

		TombstonesByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "tombstone",
				Name:      "writes_total",
				Help:      "Tombstone writes, by kind and outcome bucket",
			},
			[]string{"kind", "bucket"},
		),

		StoreTxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tee",
				Subsystem: "store",
				Name:      "tx_duration_seconds",
				Help:      "Store transaction duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Store errors, by class",
			},
			[]string{"class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tee",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tee",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tee",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordRequest increments the received counter for a subject
func (m *Metrics) RecordRequest(subject string) {
	m.RequestsReceived.WithLabelValues(subject).Inc()
}

// RecordHandled increments the handled counter with an outcome status
func (m *Metrics) RecordHandled(subject, status string) {
	m.RequestsHandled.WithLabelValues(subject, status).Inc()
}

// RecordDuration records the handling time for a subject
func (m *Metrics) RecordDuration(subject string, d time.Duration) {
	m.RequestDuration.WithLabelValues(subject).Observe(d.Seconds())
}

// RecordStoreTx records one store transaction's duration
func (m *Metrics) RecordStoreTx(operation string, d time.Duration) {
	m.StoreTxDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordStoreError increments the store error counter for a class
func (m *Metrics) RecordStoreError(class string) {
	m.StoreErrors.WithLabelValues(class).Inc()
}

// RecordNATSStatus updates the NATS connection gauge
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSRTT updates the NATS round-trip gauge
func (m *Metrics) RecordNATSRTT(rtt time.Duration) {
	m.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
