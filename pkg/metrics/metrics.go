// Package metrics exports Prometheus metrics about syncs, locks and
// connected sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync directions.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

var (
	// syncsTotal counts finished syncs.
	// Labels: direction (upstream/downstream), outcome (synced/failed/locked/...)
	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltasync_syncs_total",
			Help: "Total number of syncs by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deltasync_sync_duration_seconds",
			Help:    "Duration of successful syncs in seconds by direction",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"direction"},
	)

	// transferBytesTotal counts file bytes that were sent literally, and
	// bytes that the receiver rebuilt from blocks it already had.
	// Labels: direction, kind (literal/matched)
	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltasync_transfer_bytes_total",
			Help: "Total file bytes transferred by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	// lockRequestsTotal counts lock requests.
	// Labels: result (acquired/overridden/denied/timeout)
	lockRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltasync_lock_requests_total",
			Help: "Total number of sync lock requests by result",
		},
		[]string{"result"},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deltasync_conflicted_copies_total",
			Help: "Total number of conflicted copies created",
		},
	)

	// Sessions is the number of authorized sessions.
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deltasync_sessions",
			Help: "Number of connected and authorized sessions",
		},
	)
)

// RecordSync records a finished sync. Durations are only observed for
// successful syncs.
func RecordSync(direction, outcome string, duration time.Duration) {
	syncsTotal.WithLabelValues(direction, outcome).Inc()
	if outcome == "synced" {
		syncDuration.WithLabelValues(direction).Observe(duration.Seconds())
	}
}

// RecordTransfer records the bytes of a diff.
func RecordTransfer(direction string, literal, matched int) {
	transferBytesTotal.WithLabelValues(direction, "literal").Add(float64(literal))
	transferBytesTotal.WithLabelValues(direction, "matched").Add(float64(matched))
}

// RecordLockRequest records the result of a sync lock request.
func RecordLockRequest(result string) {
	lockRequestsTotal.WithLabelValues(result).Inc()
}

// RecordConflict records that a conflicted copy was created.
func RecordConflict() {
	conflictsTotal.Inc()
}
