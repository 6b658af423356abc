package waf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine counters. Each engine owns its registry so
// parallel instances (and tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	totalRequests   prometheus.Counter
	allowedRequests prometheus.Counter
	blockedRequests prometheus.Counter
	rateLimited     prometheus.Counter
	originFailures  prometheus.Counter
	blockedByClass  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		totalRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_requests_total",
			Help: "Connections accepted by the engine.",
		}),
		allowedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_requests_allowed_total",
			Help: "Transactions relayed to the origin.",
		}),
		blockedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_requests_blocked_total",
			Help: "Transactions blocked by the detection pipeline or ban store.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_requests_rate_limited_total",
			Help: "Connections dropped by the accept-loop limiter.",
		}),
		originFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_origin_failures_total",
			Help: "Failed dials to the protected origin.",
		}),
		blockedByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_blocked_by_classifier_total",
			Help: "Blocked transactions by headline classifier.",
		}, []string{"classifier"}),
	}
	registry.MustRegister(
		m.totalRequests,
		m.allowedRequests,
		m.blockedRequests,
		m.rateLimited,
		m.originFailures,
		m.blockedByClass,
	)
	return m
}

// Handler exposes the registry for the admin metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
