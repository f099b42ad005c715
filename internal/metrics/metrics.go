// Package metrics records feedback-loop activity.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Verdict outcomes reported by the feedback controller.
const (
	VerdictConfirmed = "confirmed"
	VerdictCorrected = "corrected"
	VerdictAbandoned = "abandoned"
)

// Recorder receives feedback-loop events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordPrediction is called after each classified stroke.
	RecordPrediction(label int, confidence float32)

	// RecordVerdict is called when a pending prediction is resolved or abandoned.
	RecordVerdict(verdict string)

	// RecordFit is called after each retrain, err is nil on success.
	RecordFit(samples int, duration time.Duration, err error)

	// RecordDatasetSize reports the current number of entries.
	RecordDatasetSize(n int)
}

// Noop is a Recorder that drops everything.
type Noop struct{}

func (Noop) RecordPrediction(int, float32)       {}
func (Noop) RecordVerdict(string)                {}
func (Noop) RecordFit(int, time.Duration, error) {}
func (Noop) RecordDatasetSize(int)               {}

// Prometheus exports the feedback-loop events as Prometheus metrics.
type Prometheus struct {
	predictions *prometheus.CounterVec
	confidence  prometheus.Histogram
	verdicts    *prometheus.CounterVec
	fitLatency  *prometheus.HistogramVec
	datasetSize prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digitpad_predictions_total",
			Help: "Number of classified strokes by predicted label",
		}, []string{"label"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "digitpad_prediction_confidence",
			Help:    "Confidence of classified strokes",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digitpad_verdicts_total",
			Help: "Resolved predictions by verdict",
		}, []string{"verdict"}),
		fitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "digitpad_fit_duration_seconds",
			Help:    "Duration of full-dataset retraining",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"status"}),
		datasetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "digitpad_dataset_samples",
			Help: "Number of samples in the in-memory dataset",
		}),
	}
	for _, c := range []prometheus.Collector{p.predictions, p.confidence, p.verdicts, p.fitLatency, p.datasetSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RecordPrediction(label int, confidence float32) {
	p.predictions.WithLabelValues(strconv.Itoa(label)).Inc()
	p.confidence.Observe(float64(confidence))
}

func (p *Prometheus) RecordVerdict(verdict string) {
	p.verdicts.WithLabelValues(verdict).Inc()
}

func (p *Prometheus) RecordFit(samples int, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.fitLatency.WithLabelValues(status).Observe(duration.Seconds())
	if err == nil {
		p.datasetSize.Set(float64(samples))
	}
}

func (p *Prometheus) RecordDatasetSize(n int) {
	p.datasetSize.Set(float64(n))
}
