// Package metrics exposes Prometheus instrumentation for sessions, transfers
// and statistics synchronization.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfer results used as the result label.
const (
	ResultCopied          = "copied"
	ResultExists          = "exists"
	ResultUnplayable      = "unplayable"
	ResultTranscodeFailed = "transcode_failed"
	ResultFailed          = "failed"
)

var (
	TracksTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psync_tracks_transferred_total",
			Help: "Tracks processed by the transfer loop, by result",
		},
		[]string{"result"},
	)

	TransferBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "psync_transfer_batches_total",
			Help: "Completed transfer batches",
		},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "psync_transfer_batch_duration_seconds",
			Help:    "Duration of transfer batches in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
		},
	)

	Sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "psync_sessions",
			Help: "Device sessions by state",
		},
		[]string{"state"},
	)

	QueueBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "psync_queue_bytes",
			Help: "Bytes still to transfer for the currently connected devices",
		},
	)

	StatsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psync_stats_synced_total",
			Help: "Tracks whose statistics changed during reconciliation, by direction",
		},
		[]string{"direction"},
	)

	DeletedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psync_deleted_items_total",
			Help: "Device items deleted, by result",
		},
		[]string{"result"},
	)
)

// RecordTrack counts one processed track.
func RecordTrack(result string) {
	TracksTransferred.WithLabelValues(result).Inc()
}

// RecordBatch counts a finished transfer batch.
func RecordBatch(duration time.Duration) {
	TransferBatches.Inc()
	TransferDuration.Observe(duration.Seconds())
}

// MoveSession shifts one session between state gauges. An empty from only increments.
func MoveSession(from, to string) {
	if from != "" {
		Sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		Sessions.WithLabelValues(to).Inc()
	}
}

// RecordStats counts reconciled tracks for a direction ("pull" or "push").
func RecordStats(direction string, n int) {
	if n > 0 {
		StatsSynced.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordDeletion counts deleted and failed items.
func RecordDeletion(deleted, failed int) {
	if deleted > 0 {
		DeletedItems.WithLabelValues("deleted").Add(float64(deleted))
	}
	if failed > 0 {
		DeletedItems.WithLabelValues("failed").Add(float64(failed))
	}
}
