package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initMemTable() {
	r.MemTableSizeBytes = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "lsmkv_memtable_size_bytes",
		Help: "Approximate byte size of the active memtable.",
	})

	r.FlushesTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_flushes_total",
		Help: "Total number of memtable-to-SSTable flushes completed.",
	})

	r.FlushDuration = promauto.With(r.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "lsmkv_flush_duration_seconds",
		Help:    "Duration of a memtable flush.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})
}
