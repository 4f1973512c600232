package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics is the Prometheus view of the gateway's counters, registered
// on an explicit registry (never the global default) so tests can run
// several gateways side by side.
type promMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Tool executions by backend and outcome.",
		}, []string{"backend", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentmesh",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Tool execution latency by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentmesh",
			Subsystem: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per backend: 0 closed, 1 half-open, 2 open.",
		}, []string{"backend"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "gateway",
			Name:      "cache_hits_total",
			Help:      "Response cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "gateway",
			Name:      "cache_misses_total",
			Help:      "Response cache misses.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.breakerState, m.cacheHits, m.cacheMisses)
	}
	return m
}

func breakerStateValue(state BreakerState) float64 {
	switch state {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}
