package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture pipeline.
type Metrics struct {
	// Session lifecycle
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionDuration prometheus.Histogram

	// Capture path
	ChunksCaptured prometheus.Counter
	BytesCaptured  prometheus.Counter
	QueueOverruns  prometheus.Counter
	BridgeDrops    prometheus.Counter

	// Utterance segmentation
	Flushes           *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram

	// Transcription dispatch
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
}

// New creates and registers all Prometheus metrics on the default
// registerer. Call once per process.
func New() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "capture_active_sessions",
			Help: "Current number of active capture sessions",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_ended_total",
			Help: "Total number of capture sessions ended",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		ChunksCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_chunks_total",
			Help: "Total number of audio chunks delivered to session handlers",
		}),
		BytesCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_bytes_total",
			Help: "Total number of raw PCM bytes delivered to session handlers",
		}),
		QueueOverruns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_queue_overruns_total",
			Help: "Total number of chunks dropped by the driver callback because the queue was full",
		}),
		BridgeDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_bridge_drops_total",
			Help: "Total number of chunks dropped between the capture loop and the session handler",
		}),

		Flushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_utterance_flushes_total",
			Help: "Total number of utterance buffer flushes by reason",
		}, []string{"reason"}),
		UtteranceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_utterance_duration_seconds",
			Help:    "Duration of flushed utterances in seconds",
			Buckets: prometheus.LinearBuckets(1, 2, 10), // 1s to 19s
		}),

		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_transcription_requests_total",
			Help: "Total number of transcription requests dispatched",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_transcription_duration_seconds",
			Help:    "Latency of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
	}
}

// RecordSessionStarted updates lifecycle metrics for a new session.
func (m *Metrics) RecordSessionStarted(active int) {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Set(float64(active))
}

// RecordSessionEnded updates lifecycle metrics for a finished session.
func (m *Metrics) RecordSessionEnded(active int, durationSeconds float64, overruns, drops uint64) {
	m.SessionsEnded.Inc()
	m.ActiveSessions.Set(float64(active))
	m.SessionDuration.Observe(durationSeconds)
	m.QueueOverruns.Add(float64(overruns))
	m.BridgeDrops.Add(float64(drops))
}

// RecordChunk accounts one chunk reaching a session handler.
func (m *Metrics) RecordChunk(sizeBytes int) {
	m.ChunksCaptured.Inc()
	m.BytesCaptured.Add(float64(sizeBytes))
}

// RecordFlush accounts one utterance buffer flush.
func (m *Metrics) RecordFlush(reason string, durationSeconds float64) {
	m.Flushes.WithLabelValues(reason).Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordTranscription accounts one transcription dispatch.
func (m *Metrics) RecordTranscription(ok bool, durationSeconds float64) {
	m.TranscriptionRequests.Inc()
	if ok {
		m.TranscriptionSuccesses.Inc()
	} else {
		m.TranscriptionFailures.Inc()
	}
	m.TranscriptionDuration.Observe(durationSeconds)
}
