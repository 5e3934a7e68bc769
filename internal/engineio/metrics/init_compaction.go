package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCompaction() {
	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmkv_compactions_total",
			Help: "Total number of compaction jobs run, labeled by strategy.",
		},
		[]string{"strategy"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmkv_compaction_duration_seconds",
			Help:    "Duration of a compaction job, labeled by strategy.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"strategy"},
	)

	r.SpaceReclaimedBytes = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_compaction_space_reclaimed_bytes_total",
		Help: "Total bytes reclaimed by deleting superseded SSTables after compaction.",
	})
}
