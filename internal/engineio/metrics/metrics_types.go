package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the engine exposes, trimmed to the concerns
// a byte-in/byte-out storage engine actually has (no HTTP/cluster/
// licensing/security surface here).
type Registry struct {
	// Write/read path
	WritesTotal   prometheus.Counter
	ReadsTotal    prometheus.Counter
	DeletesTotal  prometheus.Counter
	BytesWritten  prometheus.Counter
	BytesRead     prometheus.Counter

	// MemTable / flush
	MemTableSizeBytes prometheus.Gauge
	FlushesTotal      prometheus.Counter
	FlushDuration     prometheus.Histogram

	// SSTables / catalog
	SSTablesTotal      *prometheus.GaugeVec // labeled by level
	Level0FileCount    prometheus.Gauge
	BloomFalsePositive prometheus.Gauge

	// Compaction
	CompactionsTotal    *prometheus.CounterVec // labeled by strategy
	CompactionDuration  *prometheus.HistogramVec
	SpaceReclaimedBytes prometheus.Counter

	// GC
	GCRunsTotal        prometheus.Counter
	GCVersionsRemoved  prometheus.Counter
	GCDuration         prometheus.Histogram

	// MVCC
	TransactionsActive    prometheus.Gauge
	TransactionsCommitted prometheus.Counter
	TransactionsAborted   prometheus.Counter
	TransactionConflicts  prometheus.Counter

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns a lazily created process-wide registry. Open does not use
// it: without a WithMetrics override it creates a fresh one via NewRegistry.
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a fresh metrics registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.initWritePath()
	r.initMemTable()
	r.initSSTables()
	r.initCompaction()
	r.initGC()
	r.initMVCC()

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry, for wiring
// into an HTTP /metrics handler owned by the caller.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}
