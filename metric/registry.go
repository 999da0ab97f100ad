// Package metric provides the prometheus registry and the service-level
// metrics for the RPC surface and store adapter.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the prometheus registry and the core metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with core metrics and Go runtime collectors
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	r := &Registry{
		prometheusRegistry: prometheusRegistry,
		Metrics:            NewMetrics(),
	}

	prometheusRegistry.MustRegister(
		r.Metrics.RequestsReceived,
		r.Metrics.RequestsHandled,
		r.Metrics.RequestDuration,
		r.Metrics.ItemsCreated,
		r.Metrics.ItemsMerged,
		r.Metrics.ItemsConflicted,
		r.Metrics.ItemsRejected,
		r.Metrics.TombstonesByKind,
		r.Metrics.StoreTxDuration,
		r.Metrics.StoreErrors,
		r.Metrics.NATSConnected,
		r.Metrics.NATSRTT,
		r.Metrics.NATSReconnects,
	)

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns the /metrics HTTP handler
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
