package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	CarrierErrors   *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	RuleFallbacks   prometheus.Counter
	CacheEvictions  prometheus.Counter
}

// NewMetrics creates metrics and registers them with reg. Passing nil uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipquote_requests_total",
				Help: "Total number of quote engine operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipquote_request_duration_seconds",
				Help:    "Quote engine operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipquote_cache_lookups_total",
				Help: "Quote cache lookups by result",
			},
			[]string{"result"},
		),
		CarrierErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipquote_carrier_errors_total",
				Help: "Total carrier API errors by provider and error kind",
			},
			[]string{"provider", "kind"},
		),
		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipquote_token_refreshes_total",
				Help: "OAuth token refresh attempts by provider and status",
			},
			[]string{"provider", "status"},
		),
		RuleFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shipquote_rule_fallbacks_total",
				Help: "Quotes returned without shipping rules because rule evaluation failed",
			},
		),
		CacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shipquote_cache_evictions_total",
				Help: "Quote cache entries removed by the periodic sweep",
			},
		),
	}
}

// RecordRequest records an operation metric.
func (m *Metrics) RecordRequest(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordError records a carrier error metric.
func (m *Metrics) RecordError(provider, kind string) {
	if m == nil {
		return
	}
	m.CarrierErrors.WithLabelValues(provider, kind).Inc()
}

// RecordTokenRefresh records the outcome of a token exchange.
func (m *Metrics) RecordTokenRefresh(provider, status string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(provider, status).Inc()
}

// RecordRuleFallback counts a quote served without rules.
func (m *Metrics) RecordRuleFallback() {
	if m == nil {
		return
	}
	m.RuleFallbacks.Inc()
}

// RecordEvictions counts entries removed by a cache sweep.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}
