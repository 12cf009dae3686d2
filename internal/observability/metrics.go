// Package observability exposes the runtime's Prometheus instruments.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "candor"

// Metrics groups all instruments used by one owner process. Each Metrics has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ScreenTransitions *prometheus.CounterVec
	QuestionsClosed   *prometheus.CounterVec
	Commits           *prometheus.CounterVec
	Uploads           *prometheus.CounterVec
	UploadBytes       prometheus.Histogram
	CommitLatency     prometheus.Histogram
	SpeechRestarts    prometheus.Counter
	SpeechSegments    prometheus.Counter
	BackendErrors     *prometheus.CounterVec
	FeedClients       prometheus.Gauge
	CaptureDropped    prometheus.Gauge
	RemainingSeconds  prometheus.Gauge
}

// NewMetrics registers every instrument on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScreenTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "screen_transitions_total",
			Help:      "Session screen transitions by target screen.",
		}, []string{"screen"}),
		QuestionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "questions_closed_total",
			Help:      "Closed question windows by trigger.",
		}, []string{"trigger"}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "answer_commits_total",
			Help:      "Settled answer commits by outcome.",
		}, []string{"outcome"}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "artifact_uploads_total",
			Help:      "Artifact uploads by outcome.",
		}, []string{"outcome"}),
		UploadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "artifact_bytes",
			Help:      "Size of uploaded artifacts in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 8),
		}),
		CommitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "commit_latency_ms",
			Help:      "Time from handoff to settled commit in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		SpeechRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "speech_restarts_total",
			Help:      "Automatic recognition restarts.",
		}),
		SpeechSegments: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "speech_segments_total",
			Help:      "Finalized recognition segments appended to answers.",
		}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_errors_total",
			Help:      "Failed backend calls by operation.",
		}, []string{"operation"}),
		FeedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "feed_clients",
			Help:      "Connected shell event subscribers.",
		}),
		CaptureDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "capture_dropped_chunks",
			Help:      "Capture chunks dropped because a consumer fell behind.",
		}),
		RemainingSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "countdown_remaining_seconds",
			Help:      "Seconds left on the displayed countdown.",
		}),
	}
}

// ObserveCommit records one settled commit.
func (m *Metrics) ObserveCommit(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(outcome).Inc()
	m.CommitLatency.Observe(float64(d.Milliseconds()))
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(outcome string, size int) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.UploadBytes.Observe(float64(size))
	}
}

// ObserveBackendError counts one failed backend call.
func (m *Metrics) ObserveBackendError(operation string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(operation).Inc()
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
