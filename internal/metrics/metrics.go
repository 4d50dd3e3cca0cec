// Package metrics provides Prometheus metrics for the image compressor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"image-compressor-go/internal/progress"
)

// Recorder holds the compressor's collectors. It implements progress.Observer.
type Recorder struct {
	registry *prometheus.Registry

	sessionsTotal       *prometheus.CounterVec
	staleResultsTotal   prometheus.Counter
	compressionDuration prometheus.Histogram
	bytesTotal          *prometheus.CounterVec
	historyEntries      prometheus.Gauge
}

var _ progress.Observer = (*Recorder)(nil)

// NewRecorder registers the collectors on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_compressor_sessions_total",
				Help: "Total number of compression sessions by outcome",
			},
			[]string{"outcome"},
		),
		staleResultsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "image_compressor_stale_results_total",
				Help: "Compression results dropped because a newer session replaced them",
			},
		),
		compressionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "image_compressor_compression_duration_seconds",
				Help:    "Time from session start to a terminal state",
				Buckets: prometheus.DefBuckets,
			},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_compressor_bytes_total",
				Help: "Bytes read and written by successful sessions",
			},
			[]string{"direction"},
		),
		historyEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "image_compressor_history_entries",
				Help: "Number of entries in the compression history",
			},
		),
	}

	r.registry.MustRegister(
		r.sessionsTotal,
		r.staleResultsTotal,
		r.compressionDuration,
		r.bytesTotal,
		r.historyEntries,
	)
	return r
}

// SessionStarted counts a started session.
func (r *Recorder) SessionStarted(uint64, int64) {
	r.sessionsTotal.WithLabelValues("started").Inc()
}

// SessionFinished records the outcome, duration and bytes of a session.
func (r *Recorder) SessionFinished(_ uint64, phase progress.Phase, elapsed time.Duration, sourceBytes, compressedBytes int64) {
	r.sessionsTotal.WithLabelValues(phase.String()).Inc()
	r.compressionDuration.Observe(elapsed.Seconds())
	if phase == progress.PhaseSucceeded {
		r.bytesTotal.WithLabelValues("in").Add(float64(sourceBytes))
		r.bytesTotal.WithLabelValues("out").Add(float64(compressedBytes))
	}
}

// StaleResultDiscarded counts a dropped result.
func (r *Recorder) StaleResultDiscarded(uint64) {
	r.staleResultsTotal.Inc()
}

// SetHistoryEntries sets the history size gauge.
func (r *Recorder) SetHistoryEntries(n int) {
	r.historyEntries.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
