// Package metrics exposes service counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prediction outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeInvalidImage     = "invalid_image"
	OutcomeModelUnavailable = "model_unavailable"
	OutcomeEngineError      = "engine_error"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	predictions      *prometheus.CounterVec
	inferenceSeconds prometheus.Histogram
	verdicts         *prometheus.CounterVec
	evictions        prometheus.Counter
}

// New creates the collectors. streams reports the number of tracked stream keys
// at scrape time; it may be nil.
func New(streams func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecosort_predictions_total",
			Help: "Predict requests by outcome",
		}, []string{"outcome"}),
		inferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecosort_inference_duration_seconds",
			Help:    "Detection engine latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecosort_stability_verdicts_total",
			Help: "Stability verdicts by stability flag",
		}, []string{"stable"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecosort_stability_evictions_total",
			Help: "Idle streams evicted from the tracker",
		}),
	}

	m.registry.MustRegister(m.predictions, m.inferenceSeconds, m.verdicts, m.evictions)
	if streams != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ecosort_stability_streams",
			Help: "Stream keys currently tracked",
		}, func() float64 { return float64(streams()) }))
	}
	return m
}

// ObservePrediction counts one predict request.
func (m *Metrics) ObservePrediction(outcome string) {
	m.predictions.WithLabelValues(outcome).Inc()
}

// ObserveInference records engine latency.
func (m *Metrics) ObserveInference(d time.Duration) {
	m.inferenceSeconds.Observe(d.Seconds())
}

// ObserveVerdict counts one tracker verdict.
func (m *Metrics) ObserveVerdict(stable bool) {
	m.verdicts.WithLabelValues(strconv.FormatBool(stable)).Inc()
}

// ObserveEvictions counts evicted streams.
func (m *Metrics) ObserveEvictions(keys []string) {
	m.evictions.Add(float64(len(keys)))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
