package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSSTables() {
	r.SSTablesTotal = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsmkv_sstables_total",
			Help: "Number of live SSTables, labeled by level.",
		},
		[]string{"level"},
	)

	r.Level0FileCount = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "lsmkv_level0_file_count",
		Help: "Number of SSTables currently in level 0.",
	})

	r.BloomFalsePositive = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "lsmkv_bloom_estimated_false_positive_rate",
		Help: "Estimated false-positive rate of the most recently built bloom filter.",
	})
}
