// Package metrics exposes the controller's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder bundles the collectors the orchestrator and queue feed.
type Recorder struct {
	registry *prometheus.Registry

	QueueDepth    prometheus.GaugeFunc
	BuildsRunning prometheus.Gauge
	BuildsTotal   *prometheus.CounterVec
	BuildDuration prometheus.Histogram
}

// New wires a dedicated registry. queueDepth is sampled on scrape so the
// queue never pushes metrics from its critical section.
func New(queueDepth func() int) *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ci_queue_depth",
			Help: "Number of pending items in the build queue.",
		}, func() float64 { return float64(queueDepth()) }),
		BuildsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ci_builds_running",
			Help: "Number of builds currently executing.",
		}),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_builds_total",
			Help: "Finished builds by result.",
		}, []string{"result"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ci_build_duration_seconds",
			Help:    "Wall-clock build duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(r.QueueDepth, r.BuildsRunning, r.BuildsTotal, r.BuildDuration)
	reg.MustRegister(collectors.NewGoCollector())
	return r
}

// Handler serves the /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
