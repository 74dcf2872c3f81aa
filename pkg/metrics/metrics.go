// Package metrics exposes dispatch counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mctc-health/mctc/pkg/router"
)

const namespace = "mctc"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	messages *prometheus.CounterVec
	duration prometheus.Histogram
	outbound *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by dispatch outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound messages by delivery status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.messages,
		m.duration,
		m.outbound,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one dispatch. It matches router.Options.Observe.
func (m *Metrics) Observe(res router.Result, elapsed time.Duration) {
	m.messages.WithLabelValues(res.Outcome.String()).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// Delivered records the result of one outbound send.
func (m *Metrics) Delivered(err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.outbound.WithLabelValues(status).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
