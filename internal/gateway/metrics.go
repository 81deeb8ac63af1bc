package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Active   prometheus.Gauge
}

// NewMetrics registers the collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperasset",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Proxied requests by method, endpoint, status and backing service.",
		}, []string{"method", "endpoint", "status", "service"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hyperasset",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request duration by service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		Active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hyperasset",
			Subsystem: "gateway",
			Name:      "active_requests",
			Help:      "Requests currently in flight.",
		}),
	}
}
