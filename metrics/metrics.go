// Package metrics exposes Prometheus metrics for replication.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatchesEnqueuedTotal tracks batches accepted by a scheduler queue.
var BatchesEnqueuedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_scheduler_batches_enqueued_total",
		Help: "Total batches enqueued",
	},
	[]string{"scheduler", "priority"},
)

// BatchesCompletedTotal tracks batches that finished running, by outcome.
var BatchesCompletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_scheduler_batches_completed_total",
		Help: "Total batches completed",
	},
	[]string{"scheduler", "outcome"},
)

// BatchesCancelledTotal tracks queued batches dropped by a generation cancel.
var BatchesCancelledTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_scheduler_batches_cancelled_total",
		Help: "Total queued batches cancelled",
	},
	[]string{"scheduler"},
)

// QueuedBatches tracks batches waiting in or running from a scheduler queue.
var QueuedBatches = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "searchsync_scheduler_queued_batches",
		Help: "Batches queued or in flight",
	},
	[]string{"scheduler"},
)

// QueuedEvents tracks the events carried by queued and in-flight batches.
var QueuedEvents = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "searchsync_scheduler_queued_events",
		Help: "Events in batches queued or in flight",
	},
	[]string{"scheduler"},
)

// InFlightBatches tracks batches currently running.
var InFlightBatches = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "searchsync_scheduler_in_flight_batches",
		Help: "Batches currently running",
	},
	[]string{"scheduler"},
)

// SchedulingDelay tracks time between enqueue and the start of execution.
var SchedulingDelay = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "searchsync_scheduler_scheduling_delay_seconds",
		Help:    "Time a batch waited before running",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"scheduler", "priority"},
)

// BatchDuration tracks batch execution time.
var BatchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "searchsync_scheduler_batch_duration_seconds",
		Help:    "Batch execution time",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"scheduler"},
)

// SplitEventsTotal tracks change events reassembled from fragments.
var SplitEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_change_stream_split_events_total",
		Help: "Total change events reassembled from fragments",
	},
	[]string{"index"},
)

// ChangeStreamEventsTotal tracks change events read from the source.
var ChangeStreamEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_change_stream_events_total",
		Help: "Total change events read",
	},
	[]string{"index", "phase"},
)

// ScannedDocumentsTotal tracks documents read by initial sync collection scans.
var ScannedDocumentsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_collection_scan_documents_total",
		Help: "Total documents read by collection scans",
	},
	[]string{"index", "order"},
)

// EmbeddedTextsTotal tracks texts sent to embedding providers.
var EmbeddedTextsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_embedding_texts_total",
		Help: "Total texts sent for embedding",
	},
	[]string{"model", "tier"},
)

// EmbeddingFailuresTotal tracks texts the provider could not embed.
var EmbeddingFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_embedding_failures_total",
		Help: "Total texts that failed to embed",
	},
	[]string{"model"},
)

// ClassifiedErrorsTotal tracks replication failures by classification.
var ClassifiedErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_classified_errors_total",
		Help: "Total replication failures by phase and kind",
	},
	[]string{"index", "phase", "kind"},
)

// CheckpointsSavedTotal tracks persisted resume positions.
var CheckpointsSavedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "searchsync_checkpoints_saved_total",
		Help: "Total resume positions persisted",
	},
	[]string{"index", "kind"},
)
