// Package observability exposes the Prometheus metrics surface. Each
// Metrics instance carries its own registry so tests and embedded servers
// never fight over collectors.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the instrument set for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	tasksTotal     *prometheus.CounterVec
	breakerDenials *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	tasksInFlight  prometheus.Gauge
}

// New creates the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_agent_tasks_total",
			Help: "Pipeline runs by terminal status.",
		}, []string{"status"}),
		breakerDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_agent_breaker_denials_total",
			Help: "Breaker admission denials by reason.",
		}, []string{"reason"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_agent_tokens_total",
			Help: "Model tokens consumed by call type.",
		}, []string{"call_type"}),
		tasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedback_agent_tasks_in_flight",
			Help: "Pipelines currently running.",
		}),
	}
}

// Handler serves the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskStarted marks one pipeline as running.
func (m *Metrics) TaskStarted() {
	m.tasksInFlight.Inc()
}

// TaskFinished records a pipeline's terminal status.
func (m *Metrics) TaskFinished(status string) {
	m.tasksInFlight.Dec()
	m.tasksTotal.WithLabelValues(status).Inc()
}

// BreakerDenied records one admission denial.
func (m *Metrics) BreakerDenied(reason string) {
	m.breakerDenials.WithLabelValues(reason).Inc()
}

// TokensUsed records consumed model tokens.
func (m *Metrics) TokensUsed(callType string, tokens int) {
	if tokens > 0 {
		m.tokensTotal.WithLabelValues(callType).Add(float64(tokens))
	}
}
