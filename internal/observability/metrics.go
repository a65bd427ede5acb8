package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns the process-private metric registry. A private
// registry keeps component metrics out of the client_golang defaults and
// lets tests run side by side without collisions.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// MetricsHandler serves the registry in the Prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
