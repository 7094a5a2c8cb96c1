// Package metrics holds the Prometheus collectors of the identity service and serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"identity-core/internal/telemetry"
)

const namespace = "identity"

// Metrics groups the service collectors on a private registry so tests and multiple servers
// in one process do not collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	rpcTotal       *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	rpcInFlight    prometheus.Gauge
	securityEvents *prometheus.CounterVec
	sweptTokens    *prometheus.CounterVec
}

// New registers the collectors, plus Go runtime and process collectors, on a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC requests by method and status code.",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_in_flight_requests",
			Help:      "In-flight gRPC requests.",
		}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events by type (login_failed, token_reuse_detected, ...).",
		}, []string{"type"}),
		sweptTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_tokens_swept_total",
			Help:      "Refresh tokens touched by housekeeping, by outcome (expired, deleted).",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.rpcTotal, m.rpcDuration, m.rpcInFlight, m.securityEvents, m.sweptTokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartRPC marks a request in flight and returns the function that records its outcome.
func (m *Metrics) StartRPC(method string) func(code string) {
	start := time.Now()
	m.rpcInFlight.Inc()
	return func(code string) {
		m.rpcInFlight.Dec()
		m.rpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		m.rpcTotal.WithLabelValues(method, code).Inc()
	}
}

// RecordSweep adds a housekeeping pass to the swept token counters.
func (m *Metrics) RecordSweep(expired, deleted int64) {
	m.sweptTokens.WithLabelValues("expired").Add(float64(expired))
	m.sweptTokens.WithLabelValues("deleted").Add(float64(deleted))
}

// Emit counts e by type. It makes Metrics usable as a telemetry.EventEmitter next to the
// real sinks.
func (m *Metrics) Emit(_ context.Context, e *telemetry.SecurityEvent) error {
	m.securityEvents.WithLabelValues(e.Type).Inc()
	return nil
}

var _ telemetry.EventEmitter = (*Metrics)(nil)
