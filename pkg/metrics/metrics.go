// Package metrics exposes the Prometheus instrumentation for the ingestion
// pipeline. Collector names and buckets are part of the operational contract:
// dashboards and alert rules key off them.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SLA thresholds the dashboards alert on.
const (
	AckLatencyP95TargetSeconds  = 3.0
	AckLatencyP95CriticalSecond = 5.0
	ValidationFailureRateMax    = 0.05
	InflightWarnThreshold       = 500
	InflightCriticalThreshold   = 1000
)

var (
	// AckLatency is the time from message read to ack decision.
	AckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_ack_latency_seconds",
		Help:    "Time from stream read to ack decision.",
		Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30, 60},
	})

	// ValidationDuration covers payload schema validation.
	ValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_validation_duration_seconds",
		Help:    "Payload validation duration.",
		Buckets: prometheus.DefBuckets,
	})

	// ProcessingDuration covers the full pipeline for one message.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_processing_duration_seconds",
		Help:    "End-to-end processing duration per drop.",
		Buckets: []float64{5, 10, 30, 60, 120, 300, 600},
	})

	// ChecksumDuration covers archive and manifest verification.
	ChecksumDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_checksum_duration_seconds",
		Help:    "Checksum verification duration.",
		Buckets: prometheus.DefBuckets,
	})

	// DownloadBytes tracks fetched archive sizes.
	DownloadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_download_bytes",
		Help:    "Downloaded package size in bytes.",
		Buckets: []float64{1e6, 10e6, 50e6, 100e6, 200e6, 500e6},
	})

	// Segments tracks per-conversation segment counts.
	Segments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_segments_total",
		Help:    "Segments per ingested conversation.",
		Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000},
	})

	// Participants tracks per-conversation participant counts.
	Participants = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_participants_total",
		Help:    "Participants per ingested conversation.",
		Buckets: []float64{1, 2, 3, 5, 10, 20},
	})

	// Failures counts failed ingestions by error code.
	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_failures_total",
		Help: "Failed ingestions by reason.",
	}, []string{"reason"})

	// Success counts completed ingestions.
	Success = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_ingest_success_total",
		Help: "Completed ingestions.",
	})

	// Inflight gauges messages currently being processed.
	Inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_ingest_messages_inflight",
		Help: "Messages currently in flight.",
	})

	// Retries counts retry attempts by the attempt number.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_retries_total",
		Help: "Retry attempts by retry count.",
	}, []string{"retry_count"})

	// DLQPublished counts dead-letter publishes by error code.
	DLQPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_dlq_published_total",
		Help: "Dead-letter entries published by error code.",
	}, []string{"error_code"})

	// NLPMode counts enrichment outcomes by mode.
	NLPMode = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_nlp_mode_total",
		Help: "Enrichment outcomes by mode.",
	}, []string{"mode"})

	// TraceIDPresent tracks trace propagation coverage from producers.
	TraceIDPresent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_trace_id_present_total",
		Help: "Messages carrying a trace id vs not.",
	}, []string{"present"})
)

// ObserveRetry records one retry attempt.
func ObserveRetry(retryCount int) {
	Retries.WithLabelValues(strconv.Itoa(retryCount)).Inc()
}

// ObserveTraceID records whether a message carried a trace id.
func ObserveTraceID(present bool) {
	TraceIDPresent.WithLabelValues(strconv.FormatBool(present)).Inc()
}

// ObserveFailure records a failed ingestion under its error code.
func ObserveFailure(reason string) {
	Failures.WithLabelValues(reason).Inc()
}

// ObserveDLQ records a dead-letter publish.
func ObserveDLQ(errorCode string) {
	DLQPublished.WithLabelValues(errorCode).Inc()
}
