// Package metrics exposes Prometheus instruments for admission and
// conversion outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry    *prometheus.Registry
	admissions  *prometheus.CounterVec
	conversions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileforge",
			Name:      "admissions_total",
			Help:      "Admission decisions by bucket and result.",
		}, []string{"bucket", "result"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileforge",
			Name:      "conversions_total",
			Help:      "Finished conversions by tool, mode and outcome.",
		}, []string{"tool", "mode", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fileforge",
			Name:      "conversion_duration_seconds",
			Help:      "Time spent running a conversion tool.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"tool"}),
	}
	m.registry.MustRegister(
		m.admissions,
		m.conversions,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Admission counts one admission decision.
func (m *Metrics) Admission(bucket string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.admissions.WithLabelValues(bucket, result).Inc()
}

// ConversionFinished counts one conversion and observes its run time.
func (m *Metrics) ConversionFinished(tool, mode, outcome string, elapsed time.Duration) {
	m.conversions.WithLabelValues(tool, mode, outcome).Inc()
	m.duration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// TrackGauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) TrackGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fileforge",
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
