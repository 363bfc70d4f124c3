// Package metrics provides Prometheus instrumentation for the confplane server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only confplane metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the confplane server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CalculationsTotal   *prometheus.CounterVec
	CalculationDuration prometheus.Histogram
	RuleCacheSize       prometheus.Gauge
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
}

// New creates and registers all confplane metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confplane_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confplane_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CalculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confplane_calculations_total",
			Help: "Total number of configuration calculations.",
		}, []string{"outcome"}),

		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "confplane_calculation_duration_seconds",
			Help:    "Configuration calculation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		RuleCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confplane_rule_cache_size",
			Help: "Number of rule definitions in the in-memory cache.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "confplane_cache_loads_total",
			Help: "Total number of full rule cache reloads from the source.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "confplane_cache_invalidations_total",
			Help: "Total number of change-triggered cache invalidations.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CalculationsTotal,
		m.CalculationDuration,
		m.RuleCacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordCalculation records the outcome and duration of one calculation.
// Outcome is "ok", "cycle", or "error".
func (m *Metrics) RecordCalculation(outcome string, elapsed time.Duration) {
	m.CalculationsTotal.WithLabelValues(outcome).Inc()
	m.CalculationDuration.Observe(elapsed.Seconds())
}

// SetRuleCacheSize updates the rule cache size gauge.
func (m *Metrics) SetRuleCacheSize(size float64) {
	m.RuleCacheSize.Set(size)
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}
