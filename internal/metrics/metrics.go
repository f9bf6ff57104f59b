package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway's Prometheus collectors on a private
// registry so tests never collide on the global default.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	ComplexityScore    prometheus.Histogram
	CostUSD            *prometheus.CounterVec
	Inflight           *prometheus.GaugeVec
	FallbacksTotal     *prometheus.CounterVec
	DowngradesTotal    prometheus.Counter
	AlertsTotal        *prometheus.CounterVec
	BatchFallbackTotal prometheus.Counter
	RateLimitedTotal   prometheus.Counter
}

// New builds the collector set on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_requests_total",
			Help: "Total queries dispatched through querygate",
		}, []string{"provider", "model_type", "code"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "querygate_request_latency_ms",
			Help:    "Dispatch latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"provider", "model_type"}),
		ComplexityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "querygate_complexity_score",
			Help:    "Complexity score distribution of dispatched queries",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_cost_usd_total",
			Help: "USD cost attributed per provider",
		}, []string{"provider"}),
		Inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "querygate_inflight",
			Help: "Admitted calls currently in flight per provider",
		}, []string{"provider"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_fallbacks_total",
			Help: "Dispatches that switched to a backup provider",
		}, []string{"primary", "backup"}),
		DowngradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querygate_cost_downgrades_total",
			Help: "Dispatches demoted to a cheaper model type to fit a budget",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_alerts_total",
			Help: "Alerts raised by kind",
		}, []string{"kind", "severity"}),
		BatchFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querygate_batch_fallback_total",
			Help: "Batch submissions served synchronously because the workflow engine was unavailable",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querygate_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.ComplexityScore, m.CostUSD,
		m.Inflight, m.FallbacksTotal, m.DowngradesTotal, m.AlertsTotal,
		m.BatchFallbackTotal, m.RateLimitedTotal,
	)
	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
