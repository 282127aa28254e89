package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	BatchesProcessed       *prometheus.CounterVec
	ConsumeFailures        prometheus.Counter
	PointsProcessed        prometheus.Counter
	DuplicatesSkipped      prometheus.Counter
	PointsUnresolved       prometheus.Counter
	PointsDroppedNonFinite prometheus.Counter
	DeadLettered           prometheus.Counter
	ProcessingDuration     prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "batches_processed_total",
			Help:      "Batches handled by the pipeline, by outcome.",
		}, []string{"outcome"}),
		ConsumeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "consume_failures_total",
			Help:      "Polls that failed with a broker or transport error.",
		}),
		PointsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "points_processed_total",
			Help:      "Points handed to the time-series writer.",
		}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "duplicate_batches_skipped_total",
			Help:      "Redelivered batches short-circuited by the idempotency ledger.",
		}),
		PointsUnresolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "points_unresolved_total",
			Help:      "Points excluded because their name had no directory entry.",
		}),
		PointsDroppedNonFinite: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "points_dropped_non_finite_total",
			Help:      "Points excluded for carrying NaN or infinite values.",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "batches_dead_lettered_total",
			Help:      "Unprocessable batches forwarded to the dead-letter topic.",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ingestion",
			Name:      "batch_processing_seconds",
			Help:      "Wall time from consume to commit decision per batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
