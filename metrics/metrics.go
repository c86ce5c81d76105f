package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported by the service. All methods are nil-safe
// so components built without metrics (tests, the migrate command) need no stubs.
type Metrics struct {
	registry      *prometheus.Registry
	mutations     *prometheus.CounterVec
	batchRecords  *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers all collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonboard",
			Name:      "record_mutations_total",
			Help:      "Record mutations by operation and result.",
		}, []string{"op", "result"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonboard",
			Name:      "batch_records_total",
			Help:      "Records processed by scheduled jobs by job and result.",
		}, []string{"job", "result"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carbonboard",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of scheduled job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonboard",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carbonboard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	registry.MustRegister(
		m.mutations,
		m.batchRecords,
		m.batchDuration,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveMutation counts one record mutation.
func (m *Metrics) ObserveMutation(op string, err error) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result(err)).Inc()
}

// ObserveBatch records the outcome of one scheduled job run.
func (m *Metrics) ObserveBatch(job string, succeeded, failed, skipped int, took time.Duration) {
	if m == nil {
		return
	}
	m.batchRecords.WithLabelValues(job, "ok").Add(float64(succeeded))
	m.batchRecords.WithLabelValues(job, "error").Add(float64(failed))
	m.batchRecords.WithLabelValues(job, "skipped").Add(float64(skipped))
	m.batchDuration.WithLabelValues(job).Observe(took.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(took.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
