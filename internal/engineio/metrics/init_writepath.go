package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWritePath() {
	r.WritesTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_writes_total",
		Help: "Total number of Put operations accepted.",
	})

	r.ReadsTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_reads_total",
		Help: "Total number of Get operations served.",
	})

	r.DeletesTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_deletes_total",
		Help: "Total number of Delete operations accepted.",
	})

	r.BytesWritten = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_bytes_written_total",
		Help: "Total bytes (key+value) written through Put/Delete.",
	})

	r.BytesRead = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_bytes_read_total",
		Help: "Total bytes (key+value) returned by Get/Scan.",
	})
}
