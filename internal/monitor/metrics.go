package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the registry and execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	RegistrationsTotal *prometheus.CounterVec
	PredictionsTotal   *prometheus.CounterVec
	PredictionDuration *prometheus.HistogramVec
	ActiveRuns         prometheus.Gauge
	ValidationFailures *prometheus.CounterVec
	ExtractionFailures prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	InputBatchSize     prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelreg",
				Name:      "registrations_total",
				Help:      "Total number of model registration attempts by status.",
			},
			[]string{"status"},
		),

		PredictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelreg",
				Name:      "predictions_total",
				Help:      "Total number of prediction runs by model and status.",
			},
			[]string{"model", "status"},
		),

		PredictionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modelreg",
				Name:      "prediction_duration_seconds",
				Help:      "Duration of prediction runs in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modelreg",
				Name:      "active_runs",
				Help:      "Number of currently running model containers.",
			},
		),

		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelreg",
				Name:      "validation_failures_total",
				Help:      "Total image contract validation failures by reason class.",
			},
			[]string{"reason"},
		),

		ExtractionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "modelreg",
				Name:      "extraction_failures_total",
				Help:      "Total metadata extraction failures during registration.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modelreg",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		InputBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "modelreg",
				Name:      "input_batch_size",
				Help:      "Number of records per prediction input batch.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "modelreg",
				Name:      "output_size_bytes",
				Help:      "Size of prediction output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.RegistrationsTotal,
		m.PredictionsTotal,
		m.PredictionDuration,
		m.ActiveRuns,
		m.ValidationFailures,
		m.ExtractionFailures,
		m.RequestsInFlight,
		m.InputBatchSize,
		m.OutputSizeBytes,
	)

	return m
}

// RecordRegistration records a registration attempt outcome.
func (m *Metrics) RecordRegistration(status string) {
	m.RegistrationsTotal.WithLabelValues(status).Inc()
}

// RecordPrediction records metrics for a completed prediction run.
func (m *Metrics) RecordPrediction(model, status string, durationSec float64) {
	m.PredictionsTotal.WithLabelValues(model, status).Inc()
	m.PredictionDuration.WithLabelValues(model).Observe(durationSec)
}

// RecordValidationFailure records an image contract violation.
func (m *Metrics) RecordValidationFailure(reason string) {
	m.ValidationFailures.WithLabelValues(reason).Inc()
}
