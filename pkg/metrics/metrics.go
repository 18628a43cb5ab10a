// Package metrics exposes request counters and latencies in Prometheus format
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calico_libnetwork"

// Metrics holds the plugin collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	labels   *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Plugin requests by operation and response code.",
		}, []string{"operation", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Plugin request latency by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"operation"}),
		labels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_label_updates_total",
			Help:      "Endpoint label population attempts by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(m.requests, m.duration, m.labels)
	m.registry.MustRegister(prometheus.NewGoCollector())
	return m
}

// ObserveRequest records one handled request
func (m *Metrics) ObserveRequest(operation string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveLabels records the outcome of one label population
func (m *Metrics) ObserveLabels(result string) {
	if m == nil {
		return
	}
	m.labels.WithLabelValues(result).Inc()
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ListenAndServe serves /metrics on addr until it fails
func (m *Metrics) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

// RequestCounter returns the counter for one operation and response code
func (m *Metrics) RequestCounter(operation string, code int) prometheus.Counter {
	return m.requests.WithLabelValues(operation, strconv.Itoa(code))
}

// LabelCounter returns the label population counter for one result
func (m *Metrics) LabelCounter(result string) prometheus.Counter {
	return m.labels.WithLabelValues(result)
}
