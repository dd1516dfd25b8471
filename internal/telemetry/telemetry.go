// Package telemetry holds the Prometheus collectors exported at /metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every Sentinel collector behind its own registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	batchRuns     *prometheus.CounterVec
	batchDuration prometheus.Histogram

	bundleInfo     *prometheus.GaugeVec
	bundleAccounts prometheus.Gauge
	reloads        *prometheus.CounterVec

	explainCache *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		batchRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_batch_runs_total",
				Help: "Batch pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		batchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentinel_batch_duration_seconds",
				Help:    "Batch pipeline duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),

		bundleInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_bundle_info",
				Help: "Set to 1 for the model bundle currently served",
			},
			[]string{"version"},
		),
		bundleAccounts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_bundle_accounts",
				Help: "Number of accounts scored by the active bundle",
			},
		),
		reloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_bundle_reloads_total",
				Help: "Bundle reload attempts by outcome",
			},
			[]string{"outcome"},
		),

		explainCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_explain_cache_total",
				Help: "Explanation cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveBatch records one pipeline run.
func (m *Metrics) ObserveBatch(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.batchRuns.WithLabelValues(outcome).Inc()
	m.batchDuration.Observe(d.Seconds())
}

// SetBundle marks version as the served bundle.
func (m *Metrics) SetBundle(version string, accounts int) {
	if m == nil {
		return
	}
	m.bundleInfo.Reset()
	m.bundleInfo.WithLabelValues(version).Set(1)
	m.bundleAccounts.Set(float64(accounts))
}

// ObserveReload records a hot reload attempt.
func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.reloads.WithLabelValues(outcome).Inc()
}

// ObserveCache records an explanation cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.explainCache.WithLabelValues(result).Inc()
}
