package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for reconciliation.
type Metrics struct {
	registry *prometheus.Registry

	passes        *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	resources     *prometheus.CounterVec
	drifted       *prometheus.GaugeVec
	applyInflight prometheus.Gauge
	applyDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry that also
// carries the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitsync_passes_total",
			Help: "Reconciliation passes by target and outcome.",
		}, []string{"target", "outcome"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gitsync_pass_duration_seconds",
			Help:    "Duration of reconciliation passes.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"target"}),
		resources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitsync_resources_total",
			Help: "Per-resource results by target and outcome.",
		}, []string{"target", "outcome"}),
		drifted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitsync_drifted_resources",
			Help: "Resources whose live state differed from the source in the last pass.",
		}, []string{"target"}),
		applyInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitsync_apply_inflight",
			Help: "Apply or delete calls currently in flight.",
		}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gitsync_apply_duration_seconds",
			Help:    "Duration of apply and delete calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.passes, m.passDuration, m.resources, m.drifted, m.applyInflight, m.applyDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordPass records one finished pass.
func (m *Metrics) RecordPass(target, outcome string, d time.Duration) {
	m.passes.WithLabelValues(target, outcome).Inc()
	m.passDuration.WithLabelValues(target).Observe(d.Seconds())
}

// RecordResource records one per-resource outcome.
func (m *Metrics) RecordResource(target, outcome string) {
	m.resources.WithLabelValues(target, outcome).Inc()
}

// SetDrifted sets the number of drifted resources for target.
func (m *Metrics) SetDrifted(target string, n int) {
	m.drifted.WithLabelValues(target).Set(float64(n))
}

// TrackApply marks an apply as in flight and returns a func that records
// its completion.
func (m *Metrics) TrackApply(action string) func() {
	start := time.Now()
	m.applyInflight.Inc()
	return func() {
		m.applyInflight.Dec()
		m.applyDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
