// Package metrics provides Prometheus instrumentation for the rollouts
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only rollouts metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the rollouts server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	EvaluationErrors    prometheus.Counter
	PartialResponses    prometheus.Counter
	OverrideWrites      *prometheus.CounterVec
	CacheSize           *prometheus.GaugeVec
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
}

// New creates and registers all rollouts metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollouts_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollouts_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollouts_flag_evaluations_total",
			Help: "Total number of flag evaluations by match reason.",
		}, []string{"matched", "reason"}),

		EvaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollouts_flag_evaluation_errors_total",
			Help: "Total number of flags omitted from a batch due to errors.",
		}),

		PartialResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollouts_partial_responses_total",
			Help: "Total number of responses served with errorsWhileComputingFlags set.",
		}),

		OverrideWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollouts_hash_key_override_writes_total",
			Help: "Total number of hash key override write attempts.",
		}, []string{"outcome"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollouts_flag_cache_size",
			Help: "Number of flags in the in-memory cache per team.",
		}, []string{"team_id"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollouts_flag_cache_loads_total",
			Help: "Total number of flag snapshot loads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollouts_flag_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.EvaluationErrors,
		m.PartialResponses,
		m.OverrideWrites,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter for one evaluated flag.
func (m *Metrics) RecordEvaluation(matched bool, reason string) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(matched), reason).Inc()
}

// RecordEvaluationError counts a flag omitted from a batch.
func (m *Metrics) RecordEvaluationError() {
	m.EvaluationErrors.Inc()
}

// RecordPartialResponse counts a response that carried the error marker.
func (m *Metrics) RecordPartialResponse() {
	m.PartialResponses.Inc()
}

// RecordOverrideWrite counts an override write attempt by outcome
// ("written", "noop", "error").
func (m *Metrics) RecordOverrideWrite(outcome string) {
	m.OverrideWrites.WithLabelValues(outcome).Inc()
}

// SetCacheSize updates the cache size gauge for the given team.
func (m *Metrics) SetCacheSize(teamID int64, size float64) {
	m.CacheSize.WithLabelValues(strconv.FormatInt(teamID, 10)).Set(size)
}

// ResetCacheSize clears every per-team cache size gauge, used when the whole
// cache is dropped.
func (m *Metrics) ResetCacheSize() {
	m.CacheSize.Reset()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}
