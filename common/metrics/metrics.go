// Package metrics centralizes the prometheus collectors shared by the
// storage engine and the sync loop, following the same
// MustRegister-once-via-sync.Once pattern used for per-worker metrics
// elsewhere in this family of systems.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PendingDepth is the current length of a bound adapter's pending
	// operation log, labeled by namespace.
	PendingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rowsync_engine_pending_depth",
			Help: "Number of pending operations awaiting acknowledgement.",
		},
		[]string{"namespace"},
	)

	// LWWLosses counts local or remote apply attempts that lost LWW
	// arbitration (applied=false), labeled by namespace and source.
	LWWLosses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowsync_engine_lww_losses_total",
			Help: "Writes that lost LWW arbitration and were not applied.",
		},
		[]string{"namespace", "source"},
	)

	// LastCommittedTimestampMS is the committed_timestamp_ms of the last
	// cursor persisted by a sync loop, labeled by namespace.
	LastCommittedTimestampMS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rowsync_loop_last_committed_timestamp_ms",
			Help: "committed_timestamp_ms of the last persisted pull cursor.",
		},
		[]string{"namespace"},
	)

	// CycleDuration observes sync loop cycle wall-clock duration.
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rowsync_loop_cycle_duration_seconds",
			Help:    "Duration of a full push+pull sync cycle.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace"},
	)

	// ErrorsReported counts on_error reports, labeled by error kind.
	ErrorsReported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowsync_errors_reported_total",
			Help: "Errors surfaced via on_error, labeled by kind.",
		},
		[]string{"kind"},
	)

	collectors = []prometheus.Collector{
		PendingDepth,
		LWWLosses,
		LastCommittedTimestampMS,
		CycleDuration,
		ErrorsReported,
	}

	registerOnce sync.Once
)

// Register registers every collector with the default registry exactly
// once per process, safe to call from multiple component constructors.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}
