// Package metrics provides Prometheus metrics exporting.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apqgate"

// Metrics holds all apqgate metrics. It satisfies graphql.Recorder.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	lookupsTotal      *prometheus.CounterVec
	cacheTotal        *prometheus.CounterVec
	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new metrics instance.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of GraphQL HTTP requests",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "GraphQL HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apq",
				Name:      "lookups_total",
				Help:      "Persisted query lookups by result",
			},
			[]string{"result"},
		),
		cacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Response cache outcomes (hit, miss, bypass)",
			},
			[]string{"status"},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of executor invocations",
			},
			[]string{"outcome"},
		),
		executionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Executor duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.lookupsTotal,
		m.cacheTotal,
		m.executionsTotal,
		m.executionDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RegisterGauge exposes the value returned by fn as a gauge named
// apqgate_<name>.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordLookup records the outcome of persisted query resolution.
func (m *Metrics) RecordLookup(result string) {
	m.lookupsTotal.WithLabelValues(result).Inc()
}

// RecordCache records a response cache outcome.
func (m *Metrics) RecordCache(status string) {
	m.cacheTotal.WithLabelValues(status).Inc()
}

// RecordExecution records an executor invocation.
func (m *Metrics) RecordExecution(duration time.Duration, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.executionsTotal.WithLabelValues(outcome).Inc()
	m.executionDuration.Observe(duration.Seconds())
}
