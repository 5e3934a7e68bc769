package lsm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/embeddedkv/lsmkv/internal/engineio/logging"
	"github.com/embeddedkv/lsmkv/internal/engineio/metrics"
	"github.com/embeddedkv/lsmkv/internal/storageerr"
	"github.com/embeddedkv/lsmkv/internal/walio"
)

// KV is a single key/value pair returned from a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// EngineOptions configures an LsmEngine.
type EngineOptions struct {
	DataDir                string
	MemTableFlushThreshold int
	BlockCacheCapacity     int
	CompactionStrategies   []CompactionStrategy
	CompactionInterval     time.Duration
	EnableBackgroundWork   bool
	InstanceID             uuid.UUID
}

// DefaultEngineOptions returns sane defaults: a 1MiB flush threshold, a
// 10000-entry block cache, and leveled compaction on a 10s tick.
func DefaultEngineOptions(dataDir string) EngineOptions {
	return EngineOptions{
		DataDir:                dataDir,
		MemTableFlushThreshold: 1 << 20,
		BlockCacheCapacity:     10000,
		CompactionStrategies:   []CompactionStrategy{DefaultLeveledCompaction()},
		CompactionInterval:     10 * time.Second,
		EnableBackgroundWork:   true,
		InstanceID:             uuid.New(),
	}
}

// LsmEngine orchestrates the write path (WAL + memtable), the read path
// (memtable/immutable/catalog merge), and the background flush/compaction
// workers.
type LsmEngine struct {
	mu sync.RWMutex

	dataDir    string
	instanceID uuid.UUID
	opts       EngineOptions

	memTable  *MemTable
	immutable *MemTable
	epoch     uint64
	wal       *walio.WAL

	catalog       *RunCatalog
	cache         *BlockCache
	compactor     *Compactor
	compactionMgr *CompactionManager

	flushCh      chan struct{}
	compactionCh chan struct{}

	group  *errgroup.Group
	cancel context.CancelFunc

	logger  logging.Logger
	metrics *metrics.Registry

	nextRunID int64

	writeCount, readCount, flushCount, compactionCount atomic.Int64
}

// Open loads (or initializes) an engine rooted at opts.DataDir: it scans
// for existing sorted runs, replays the newest WAL segment into a fresh
// memtable, and starts the flush/compaction workers.
func Open(opts EngineOptions, logger logging.Logger, reg *metrics.Registry) (*LsmEngine, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	if opts.MemTableFlushThreshold <= 0 {
		opts = DefaultEngineOptions(opts.DataDir)
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, storageerr.New("Open", storageerr.ComponentStorage, err, nil)
	}

	catalog, maxRunID, err := LoadCatalogFromDir(opts.DataDir)
	if err != nil {
		logger.Warn("partial catalog load", logging.Error(err))
	}

	e := &LsmEngine{
		dataDir:      opts.DataDir,
		instanceID:   opts.InstanceID,
		opts:         opts,
		memTable:     NewMemTable(opts.MemTableFlushThreshold),
		catalog:      catalog,
		cache:        NewBlockCache(opts.BlockCacheCapacity),
		compactor:    NewCompactor(opts.DataDir, maxRunID),
		flushCh:      make(chan struct{}, 1),
		compactionCh: make(chan struct{}, 1),
		logger:       logger.With(logging.Component("lsm_engine")),
		metrics:      reg,
		nextRunID:    maxRunID,
	}
	e.compactionMgr = NewCompactionManager(catalog, e.compactor, opts.CompactionStrategies)

	if err := e.recoverWAL(); err != nil {
		return nil, err
	}

	if opts.EnableBackgroundWork {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		g, gctx := errgroup.WithContext(ctx)
		e.group = g
		g.Go(func() error { return e.flushWorker(gctx) })
		g.Go(func() error { return e.compactionWorker(gctx) })
	}

	return e, nil
}

func (e *LsmEngine) recoverWAL() error {
	segments, err := walio.ListSegments(e.dataDir)
	if err != nil {
		return storageerr.New("recoverWAL", storageerr.ComponentStorage, err, nil)
	}

	var latestEpoch uint64
	var latestPath string
	for _, path := range segments {
		var epoch uint64
		if _, err := fmt.Sscanf(filepath.Base(path), "wal_%012d.bin", &epoch); err != nil {
			continue
		}
		if latestPath == "" || epoch > latestEpoch {
			latestEpoch = epoch
			latestPath = path
		}
	}

	if latestPath == "" {
		wal, err := walio.NewSegment(e.dataDir, 0, e.instanceID)
		if err != nil {
			return storageerr.New("recoverWAL", storageerr.ComponentStorage, err, nil)
		}
		e.wal = wal
		e.epoch = 0
		return nil
	}

	wal, epoch, err := walio.OpenSegment(latestPath, e.instanceID)
	if err != nil {
		return storageerr.New("recoverWAL", storageerr.ComponentStorage, err, nil)
	}
	e.wal = wal
	e.epoch = epoch

	replayErr := wal.Replay(func(rec *walio.Record) error {
		switch rec.OpType {
		case walio.OpPut:
			e.memTable.Put(rec.Key, rec.Value, rec.Timestamp)
		case walio.OpDelete:
			e.memTable.Delete(rec.Key, rec.Timestamp)
		}
		return nil
	})
	if replayErr != nil {
		return storageerr.New("recoverWAL", storageerr.ComponentStorage, replayErr, nil)
	}
	return nil
}

// Put durably appends key=value then applies it to the memtable, triggering
// a flush if the memtable has crossed its threshold. An empty value is the
// tombstone sentinel (§3/§4.5), so it is written as a delete rather than as
// a live, zero-length entry a reader would otherwise observe.
func (e *LsmEngine) Put(ctx context.Context, key, value []byte) error {
	if len(value) == 0 {
		return e.write(ctx, walio.OpDelete, key, nil)
	}
	return e.write(ctx, walio.OpPut, key, value)
}

// Delete writes a tombstone for key.
func (e *LsmEngine) Delete(ctx context.Context, key []byte) error {
	return e.write(ctx, walio.OpDelete, key, nil)
}

func (e *LsmEngine) write(ctx context.Context, op walio.OpType, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	ts := time.Now().UnixNano()
	if _, err := e.wal.Append(op, key, value, ts); err != nil {
		e.mu.Unlock()
		return storageerr.New("write", storageerr.ComponentStorage, err, key)
	}

	if op == walio.OpPut {
		e.memTable.Put(key, value, ts)
	} else {
		e.memTable.Delete(key, ts)
	}
	e.cache.Delete(string(key))
	needsFlush := e.memTable.ShouldFlush()
	e.mu.Unlock()

	e.writeCount.Add(1)
	if op == walio.OpPut {
		e.metrics.WritesTotal.Inc()
	} else {
		e.metrics.DeletesTotal.Inc()
	}
	e.metrics.BytesWritten.Add(float64(len(key) + len(value)))

	if needsFlush {
		e.triggerFlush()
	}
	return nil
}

// Get returns the current value for key, consulting the block cache, the
// memtable, the frozen immutable memtable, then every run newest-first.
func (e *LsmEngine) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	e.readCount.Add(1)
	e.metrics.ReadsTotal.Inc()

	cacheKey := string(key)
	if v, ok := e.cache.Get(cacheKey); ok {
		return v, true, nil
	}

	if entry, ok := e.memTable.Get(key); ok {
		return e.resolveEntry(cacheKey, entry)
	}
	if e.immutable != nil {
		if entry, ok := e.immutable.Get(key); ok {
			return e.resolveEntry(cacheKey, entry)
		}
	}

	for _, runs := range e.catalog.Snapshot() {
		for i := len(runs) - 1; i >= 0; i-- {
			if entry, ok := runs[i].Get(key); ok {
				e.cache.Put(cacheKey, entry.Value)
				e.metrics.BytesRead.Add(float64(len(entry.Value)))
				return entry.Value, true, nil
			}
		}
	}

	return nil, false, nil
}

func (e *LsmEngine) resolveEntry(cacheKey string, entry *Entry) ([]byte, bool, error) {
	if entry.Deleted {
		return nil, false, nil
	}
	e.cache.Put(cacheKey, entry.Value)
	e.metrics.BytesRead.Add(float64(len(entry.Value)))
	return entry.Value, true, nil
}

// Scan returns every live key whose key starts with prefix, newest version
// first folded, in key order.
func (e *LsmEngine) Scan(ctx context.Context, prefix []byte) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]bool)
	results := make([]KV, 0)

	// merge folds entries newest-layer-first, including tombstones, so a
	// delete in a newer layer correctly shadows a value in an older one
	// instead of letting it resurface.
	merge := func(entries []*Entry) {
		for _, entry := range entries {
			if !bytes.HasPrefix(entry.Key, prefix) {
				continue
			}
			k := string(entry.Key)
			if seen[k] {
				continue
			}
			seen[k] = true
			if !entry.Deleted {
				results = append(results, KV{Key: entry.Key, Value: entry.Value})
			}
		}
	}

	merge(e.memTable.Iterator())
	if e.immutable != nil {
		merge(e.immutable.Iterator())
	}

	for _, runs := range e.catalog.Snapshot() {
		for i := len(runs) - 1; i >= 0; i-- {
			entries, err := runs[i].ScanAll()
			if err != nil {
				return nil, storageerr.New("Scan", storageerr.ComponentStorage, err, prefix)
			}
			merge(entries)
		}
	}

	sortKV(results)
	return results, nil
}

func sortKV(kvs []KV) {
	for i := 1; i < len(kvs); i++ {
		for j := i; j > 0 && string(kvs[j].Key) < string(kvs[j-1].Key); j-- {
			kvs[j], kvs[j-1] = kvs[j-1], kvs[j]
		}
	}
}

func (e *LsmEngine) triggerFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *LsmEngine) triggerCompaction() {
	select {
	case e.compactionCh <- struct{}{}:
	default:
	}
}

func (e *LsmEngine) flushWorker(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.flushCh:
			if err := e.flush(); err != nil {
				e.logger.Error("flush failed", logging.Error(err))
			}
		case <-ticker.C:
			e.mu.RLock()
			needsFlush := e.memTable.ShouldFlush()
			e.mu.RUnlock()
			if needsFlush {
				if err := e.flush(); err != nil {
					e.logger.Error("flush failed", logging.Error(err))
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *LsmEngine) compactionWorker(ctx context.Context) error {
	interval := e.opts.CompactionInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.compactionCh:
			e.runCompaction()
		case <-ticker.C:
			e.runCompaction()
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *LsmEngine) runCompaction() {
	stats, err := e.compactionMgr.Trigger()
	if err != nil {
		e.logger.Error("compaction failed", logging.Error(err))
		return
	}
	if stats == nil {
		return
	}
	e.compactionCount.Add(1)
	e.metrics.CompactionsTotal.WithLabelValues(stats.Strategy).Inc()
	e.metrics.SpaceReclaimedBytes.Add(float64(stats.SpaceReclaimed))
	e.logger.Info("compaction complete",
		logging.String("strategy", stats.Strategy),
		logging.Int("runs_merged", stats.RunsMerged))
}

// flush swaps the active memtable for a fresh one, writes the frozen
// memtable to a new level-0 run, installs it in the catalog, and rotates
// the WAL segment.
func (e *LsmEngine) flush() error {
	e.mu.Lock()
	if e.immutable != nil {
		e.mu.Unlock()
		return nil
	}

	e.immutable = e.memTable
	e.memTable = NewMemTable(e.opts.MemTableFlushThreshold)
	oldWAL := e.wal
	e.epoch++
	newWAL, err := walio.NewSegment(e.dataDir, e.epoch, e.instanceID)
	if err != nil {
		e.epoch--
		e.memTable = e.immutable
		e.immutable = nil
		e.mu.Unlock()
		return storageerr.New("flush", storageerr.ComponentStorage, err, nil)
	}
	e.wal = newWAL
	frozen := e.immutable
	e.mu.Unlock()

	entries := frozen.Iterator()
	if len(entries) == 0 {
		e.mu.Lock()
		e.immutable = nil
		e.mu.Unlock()
		return oldWAL.Remove()
	}

	id := atomic.AddInt64(&e.nextRunID, 1)
	path := SortedRunPath(e.dataDir, 0, int(id))
	start := time.Now()
	run, err := NewSortedRunFromMemTable(path, 0, frozen)
	if err != nil {
		return storageerr.New("flush", storageerr.ComponentStorage, err, nil)
	}

	e.catalog.InstallFlush(run)

	e.mu.Lock()
	e.immutable = nil
	e.mu.Unlock()

	if err := oldWAL.Remove(); err != nil {
		e.logger.Warn("failed to remove rotated WAL segment", logging.Error(err))
	}

	e.flushCount.Add(1)
	e.metrics.FlushesTotal.Inc()
	e.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	e.metrics.MemTableSizeBytes.Set(float64(e.memTable.Size()))

	e.triggerCompaction()
	return nil
}

// Flush forces the active memtable to be frozen and written out as a new
// level-0 run, regardless of whether it has reached its flush threshold.
// Exposed for callers (and tests) outside this package that need a
// deterministic flush point rather than waiting on the background worker.
func (e *LsmEngine) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.flush()
}

// EngineStats is a point-in-time snapshot of engine activity.
type EngineStats struct {
	WriteCount      int64
	ReadCount       int64
	FlushCount      int64
	CompactionCount int64
	MemTableSize    int
	RunCount        int
	Level0FileCount int
}

// Stats returns a snapshot of engine activity counters.
func (e *LsmEngine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	runCount := 0
	level0 := 0
	levels := e.catalog.Snapshot()
	for i, runs := range levels {
		runCount += len(runs)
		if i == 0 {
			level0 = len(runs)
		}
	}

	return EngineStats{
		WriteCount:      e.writeCount.Load(),
		ReadCount:       e.readCount.Load(),
		FlushCount:      e.flushCount.Load(),
		CompactionCount: e.compactionCount.Load(),
		MemTableSize:    e.memTable.Size(),
		RunCount:        runCount,
		Level0FileCount: level0,
	}
}

// TriggerCompaction runs (or joins) one compaction pass synchronously.
func (e *LsmEngine) TriggerCompaction(ctx context.Context) (*CompactionStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.compactionMgr.Trigger()
}

// Close stops the background workers (via errgroup, waiting for them to
// observe cancellation), performs a final flush of any buffered writes, and
// closes the active WAL segment.
func (e *LsmEngine) Close(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		if e.group != nil {
			_ = e.group.Wait()
		}
	}

	e.mu.RLock()
	size := e.memTable.Size()
	e.mu.RUnlock()
	if size > 0 {
		if err := e.flush(); err != nil {
			e.logger.Error("final flush on close failed", logging.Error(err))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wal != nil {
		return e.wal.Close()
	}
	return nil
}

// Catalog exposes the run catalog for the MVCC/GC layers that sit above
// this engine and need direct access (e.g. bottom-level awareness for
// tombstone collection).
func (e *LsmEngine) Catalog() *RunCatalog { return e.catalog }
