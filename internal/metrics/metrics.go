// Package metrics exposes Prometheus counters and histograms for the
// dispatcher's request path (C13): requests, latency, retries, circuit
// breaker trips, and rate-limit rejections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	RetriesTotal     *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter

	BreakerState *prometheus.GaugeVec // per expert_id: 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec
	BusConnected prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditrouter_requests_total",
			Help: "Total requests dispatched, by expert and status",
		}, []string{"expert_id", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ditrouter_request_latency_ms",
			Help:    "Request latency in milliseconds, by expert",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"expert_id"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditrouter_retries_total",
			Help: "Total publisher retries, by expert",
		}, []string{"expert_id"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ditrouter_rate_limited_total",
			Help: "Total HTTP requests rejected by the rate limiter",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ditrouter_breaker_state",
			Help: "Circuit breaker state per expert subject (0=closed, 1=open, 2=half-open)",
		}, []string{"expert_id"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ditrouter_breaker_trips_total",
			Help: "Total circuit breaker trips (closed/half-open -> open), by expert",
		}, []string{"expert_id"}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ditrouter_bus_connected",
			Help: "Whether the bus connection is currently up (1=up, 0=down)",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.RetriesTotal, m.RateLimitedTotal,
		m.BreakerState, m.BreakerTrips, m.BusConnected,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
