package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initGC() {
	r.GCRunsTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_gc_runs_total",
		Help: "Total number of garbage collection passes run.",
	})

	r.GCVersionsRemoved = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_gc_versions_removed_total",
		Help: "Total number of obsolete versioned records removed by GC.",
	})

	r.GCDuration = promauto.With(r.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "lsmkv_gc_duration_seconds",
		Help:    "Duration of a garbage collection pass.",
		Buckets: []float64{0.001, 0.01, 0.1, 1.0, 10.0},
	})
}
