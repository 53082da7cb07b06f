// Package metric provides Prometheus-based metrics collection for the
// X-Plane Web API client runtime: a registry holding the core client
// metrics plus an optional HTTP handler exposing them.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry manages the client metrics and the underlying Prometheus registry.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	metrics            *Metrics
}

// NewRegistry creates a registry with the core client metrics and Go
// runtime collectors registered.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	r := &Registry{
		prometheusRegistry: prometheusRegistry,
		metrics:            NewMetrics(),
	}
	r.registerCore()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

func (r *Registry) registerCore() {
	m := r.metrics
	r.prometheusRegistry.MustRegister(
		m.ConnectionState,
		m.ConnectAttempts,
		m.BeaconsReceived,
		m.BeaconsRejected,
		m.ReconnectsTotal,
		m.ConnectFailures,
		m.FramesReceived,
		m.FramesSent,
		m.UpdatesDropped,
		m.RequestDuration,
		m.CallbackDuration,
		m.MonitoredDatarefs,
		m.MonitoredCommands,
		m.MetaReloads,
		m.ErrorsTotal,
	)
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core client metrics. Safe on a nil registry:
// returns nil, and the nil Metrics receiver disables recording.
func (r *Registry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.metrics
}

// Handler returns an HTTP handler exposing the metrics in Prometheus format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
