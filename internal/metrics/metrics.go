// Package metrics exposes the Prometheus registry for the proxy. A custom
// registry (not the global default) keeps the scrape surface limited to our
// own series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	StageLatency   *prometheus.HistogramVec
	Retries        *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	Blacklisted    *prometheus.GaugeVec
	InFlight       *prometheus.GaugeVec
	TokensTotal    *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_requests_total",
			Help: "Total requests routed through the proxy",
		}, []string{"category", "binding", "model", "outcome"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"category", "binding", "model"}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_stage_latency_ms",
			Help:    "Per-stage latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage", "direction"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_retries_total",
			Help: "Same-binding retries by error kind",
		}, []string{"binding", "kind"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrelay_breaker_state",
			Help: "Circuit breaker state per binding (0 closed, 1 half-open, 2 open)",
		}, []string{"binding"}),
		Blacklisted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrelay_blacklisted",
			Help: "1 while a blacklist entry covers the binding",
		}, []string{"binding", "reason"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrelay_in_flight",
			Help: "In-flight requests per binding",
		}, []string{"binding"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_tokens_total",
			Help: "Token usage reported by upstreams",
		}, []string{"binding", "model", "direction"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.StageLatency,
		m.Retries, m.BreakerState, m.Blacklisted, m.InFlight, m.TokensTotal)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveBreaker records a breaker state by name.
func (m *Registry) ObserveBreaker(binding, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(binding).Set(v)
}
