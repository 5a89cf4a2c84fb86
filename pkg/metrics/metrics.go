// Package metrics holds the Prometheus collectors shared across the service. They register on
// the default registry and are exposed by the API at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Media outcomes recorded by the generator.
const (
	OutcomeGenerated = "generated"
	OutcomeCacheHit  = "cache_hit"
	OutcomeCoalesced = "coalesced"
	OutcomeFailed    = "failed"
	OutcomeDisabled  = "disabled"
	OutcomeRejected  = "rejected"
)

var (
	MediaGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarian_media_generations_total",
			Help: "Media ensure calls by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	MediaGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "librarian_media_generation_duration_seconds",
			Help:    "Duration of paid media provider calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"purpose"},
	)

	MediaInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "librarian_media_in_flight",
			Help: "Provider calls currently in flight by purpose",
		},
		[]string{"purpose"},
	)

	TranscriptCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarian_transcript_cache_total",
			Help: "Transcript cache lookups by outcome (hit, miss, no_speech, error)",
		},
		[]string{"outcome"},
	)

	WorkerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarian_worker_tasks_total",
			Help: "Background tasks by pool and outcome",
		},
		[]string{"pool", "outcome"},
	)

	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "librarian_worker_queue_depth",
			Help: "Tasks waiting in the pool queue",
		},
		[]string{"pool"},
	)

	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarian_recommendations_total",
			Help: "Recommendation requests by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "librarian_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern, method and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

func RecordMedia(purpose string, outcome string) {
	MediaGenerationsTotal.WithLabelValues(purpose, outcome).Inc()
}

func ObserveMediaDuration(purpose string, elapsed time.Duration) {
	MediaGenerationDuration.WithLabelValues(purpose).Observe(elapsed.Seconds())
}
