// Package metrics exposes engine and dispatcher measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/jobchain/internal/domain"
)

const namespace = "jobchain"

// Metrics owns its registry so tests and multiple binaries never collide on
// the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	nodeAttempts *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	queueDepth   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		// Labels: type (executor type or "job"), outcome (success, retry, failed, stopped)
		nodeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_attempts_total",
			Help:      "Node execution attempts by executor type and outcome",
		}, []string{"type", "outcome"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of a single node attempt",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"type"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by final status",
		}, []string{"status"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Runs waiting for a dispatcher worker",
		}),
	}
}

func (m *Metrics) NodeAttempt(nodeType, outcome string, elapsed time.Duration) {
	m.nodeAttempts.WithLabelValues(nodeType, outcome).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(elapsed.Seconds())
}

func (m *Metrics) RunFinished(status domain.RunStatus) {
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) QueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
