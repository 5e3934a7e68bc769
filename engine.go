// Package lsmkv is an embeddable key-value storage engine built as a
// log-structured merge-tree with multi-version concurrency control,
// background compaction, and version garbage collection. It accepts and
// returns opaque byte keys and values; encoding user records into bytes,
// predicate filtering, and secondary indexing are the concern of a layer
// built on top of this package.
package lsmkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/embeddedkv/lsmkv/config"
	"github.com/embeddedkv/lsmkv/internal/engineio/logging"
	"github.com/embeddedkv/lsmkv/internal/engineio/metrics"
	"github.com/embeddedkv/lsmkv/internal/lsm"
	"github.com/embeddedkv/lsmkv/internal/mvcc"
	"github.com/embeddedkv/lsmkv/internal/storageerr"
)

// KV is a single key/value pair returned from a scan.
type KV = lsm.KV

// Transaction is a handle to an in-flight snapshot-isolated transaction.
type Transaction = mvcc.Transaction

// CompactionStats reports the outcome of one compaction pass.
type CompactionStats = lsm.CompactionStats

// GcStats reports the outcome of one garbage collection pass.
type GcStats = mvcc.GcStats

// EngineStats is a point-in-time snapshot of engine activity.
type EngineStats struct {
	lsm.EngineStats
	TransactionsActive int
}

const metaFileName = "engine.meta"
const metaFormatVersion = 1

// instanceMeta is the YAML-encoded per-directory instance metadata: the
// engine's identity (stamped into WAL segment headers so a foreign segment
// is rejected at replay) and the transaction-id high-water mark, persisted
// so ids stay monotonic across restarts.
type instanceMeta struct {
	FormatVersion     int       `yaml:"formatVersion"`
	InstanceID        uuid.UUID `yaml:"instanceId"`
	TxIDHighWaterMark uint64    `yaml:"txIdHighWaterMark"`
}

func loadOrCreateMeta(dataDir string) (*instanceMeta, error) {
	path := filepath.Join(dataDir, metaFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := &instanceMeta{FormatVersion: metaFormatVersion, InstanceID: uuid.New(), TxIDHighWaterMark: 1}
		return m, writeMeta(dataDir, m)
	}
	if err != nil {
		return nil, storageerr.New("loadOrCreateMeta", storageerr.ComponentStorage, err, nil)
	}

	var m instanceMeta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, storageerr.New("loadOrCreateMeta", storageerr.ComponentSerialization, err, nil)
	}
	return &m, nil
}

func writeMeta(dataDir string, m *instanceMeta) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return storageerr.New("writeMeta", storageerr.ComponentSerialization, err, nil)
	}
	path := filepath.Join(dataDir, metaFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return storageerr.New("writeMeta", storageerr.ComponentStorage, err, nil)
	}
	return nil
}

// Option configures an Engine at Open time.
type Option func(*openOptions)

type openOptions struct {
	config  *config.Config
	logger  logging.Logger
	metrics *metrics.Registry
}

// WithConfig overrides the engine's configuration. If omitted, Open uses
// config.Default(path).
func WithConfig(cfg config.Config) Option {
	return func(o *openOptions) { o.config = &cfg }
}

// WithLogger overrides the structured logger used across every component.
func WithLogger(l logging.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// WithMetrics overrides the Prometheus registry every component reports to.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *openOptions) { o.metrics = r }
}

// Engine is the top-level handle returned by Open: a cloneable-by-pointer
// value whose internals (the LSM core, the MVCC layer, the GC worker) are
// owned for the lifetime of one data directory.
type Engine struct {
	mu sync.Mutex

	dataDir string
	meta    *instanceMeta

	core *lsm.LsmEngine
	mvcc *mvcc.Engine
	gc   *mvcc.GarbageCollector

	gcCfg config.GCConfig

	cancel context.CancelFunc
	group  *errgroup.Group

	logger  logging.Logger
	metrics *metrics.Registry
}

// Open ensures dataDir exists, loads or creates its instance metadata,
// replays the write-ahead log, loads the sorted-run catalog, rebuilds the
// MVCC version store, and starts the background flush/compaction/GC
// workers.
func Open(ctx context.Context, dataDir string, opts ...Option) (*Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o := &openOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewDefaultLogger()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}
	if o.config == nil {
		cfg := config.Default(dataDir)
		o.config = &cfg
	}
	if err := config.Validate(o.config); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, storageerr.New("Open", storageerr.ComponentStorage, err, nil)
	}

	meta, err := loadOrCreateMeta(dataDir)
	if err != nil {
		return nil, err
	}

	lsmOpts := lsm.EngineOptions{
		DataDir:                dataDir,
		MemTableFlushThreshold: o.config.MemTableFlushThresholdBytes,
		BlockCacheCapacity:     o.config.BlockCacheCapacity,
		CompactionStrategies:   buildStrategies(o.config.Compaction),
		CompactionInterval:     time.Duration(o.config.Compaction.BackgroundIntervalSecs) * time.Second,
		EnableBackgroundWork:   true,
		InstanceID:             meta.InstanceID,
	}

	core, err := lsm.Open(lsmOpts, o.logger, o.metrics)
	if err != nil {
		return nil, err
	}

	// The persisted mark is the last id handed out, so resume one above it.
	mvccEngine := mvcc.NewEngine(core, o.logger, o.metrics, meta.TxIDHighWaterMark+1)
	if err := mvcc.Recover(ctx, core, mvccEngine.VersionStore()); err != nil {
		return nil, err
	}

	e := &Engine{
		dataDir: dataDir,
		meta:    meta,
		core:    core,
		mvcc:    mvccEngine,
		gcCfg:   o.config.GC,
		logger:  o.logger.With(logging.Component("engine")),
		metrics: o.metrics,
	}
	e.gc = mvcc.NewGarbageCollector(mvccEngine, mvccGcConfig(o.config.GC), mvccClock(mvccEngine), o.logger, o.metrics)

	if o.config.GC.Enabled {
		gctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		g, gctx2 := errgroup.WithContext(gctx)
		e.group = g
		interval := time.Duration(o.config.GC.IntervalSecs) * time.Second
		g.Go(func() error { return e.gcWorker(gctx2, interval) })
	}

	return e, nil
}

func buildStrategies(cfg config.CompactionConfig) []lsm.CompactionStrategy {
	switch cfg.Strategy {
	case config.StrategyTiered:
		return []lsm.CompactionStrategy{&lsm.TieredCompactionStrategy{
			MaxTierSize: cfg.Tiered.MaxTierSize,
			Multiplier:  cfg.Tiered.Multiplier,
			BottomLevel: 6,
		}}
	case config.StrategySizeTiered:
		return []lsm.CompactionStrategy{&lsm.SizeTieredCompactionStrategy{
			MinSize:     cfg.SizeTiered.MinSize,
			MaxSize:     cfg.SizeTiered.MaxSize,
			BucketCount: cfg.SizeTiered.BucketCount,
			BottomLevel: 6,
		}}
	default:
		return []lsm.CompactionStrategy{&lsm.LeveledCompactionStrategy{
			SizeMultiplier: cfg.Leveled.SizeMultiplier,
			L0Trigger:      cfg.Leveled.L0Trigger,
			MaxLevels:      7,
			BottomLevel:    6,
		}}
	}
}

func mvccGcConfig(cfg config.GCConfig) mvcc.GcConfig {
	return mvcc.GcConfig{
		Enabled:              cfg.Enabled,
		IntervalSecs:         cfg.IntervalSecs,
		VersionRetentionSecs: cfg.VersionRetentionSecs,
		MinVersionsToKeep:    cfg.MinVersionsToKeep,
	}
}

func (e *Engine) gcWorker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.gc.Run(ctx); err != nil {
				e.logger.Error("background gc failed", logging.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Put durably writes key=value outside of any transaction.
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	return e.core.Put(ctx, key, value)
}

// Get returns the current value for key outside of any transaction.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return e.core.Get(ctx, key)
}

// Delete writes a tombstone for key outside of any transaction.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	return e.core.Delete(ctx, key)
}

// Scan returns every live key/value pair whose key starts with prefix,
// outside of any transaction.
func (e *Engine) Scan(ctx context.Context, prefix []byte) ([]KV, error) {
	return e.core.Scan(ctx, prefix)
}

// Begin starts a new snapshot-isolated transaction.
func (e *Engine) Begin(ctx context.Context) (*Transaction, error) {
	return e.mvcc.Begin(ctx)
}

// Commit runs the optimistic first-committer-wins commit protocol for tx.
func (e *Engine) Commit(ctx context.Context, tx *Transaction) error {
	return e.mvcc.Commit(ctx, tx)
}

// Rollback discards tx's buffered writes.
func (e *Engine) Rollback(ctx context.Context, tx *Transaction) error {
	return e.mvcc.Rollback(ctx, tx)
}

// GetForTx returns the value visible to tx for key.
func (e *Engine) GetForTx(ctx context.Context, key []byte, tx *Transaction) ([]byte, bool, error) {
	return e.mvcc.GetForTx(ctx, key, tx)
}

// ScanForTx returns every key/value pair visible to tx whose key starts
// with prefix.
func (e *Engine) ScanForTx(ctx context.Context, prefix []byte, tx *Transaction) ([]KV, error) {
	return e.mvcc.ScanForTx(ctx, prefix, tx)
}

// TriggerCompaction runs (or joins) one compaction pass synchronously.
func (e *Engine) TriggerCompaction(ctx context.Context) (CompactionStats, error) {
	stats, err := e.core.TriggerCompaction(ctx)
	if err != nil || stats == nil {
		return CompactionStats{}, err
	}
	return *stats, nil
}

// RunGC runs (or joins) one garbage collection pass synchronously.
func (e *Engine) RunGC(ctx context.Context) (GcStats, error) {
	stats, err := e.gc.Run(ctx)
	if err != nil || stats == nil {
		return GcStats{}, err
	}
	return *stats, nil
}

// Stats returns a snapshot of engine activity counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		EngineStats:        e.core.Stats(),
		TransactionsActive: e.mvcc.Registry().ActiveCount(),
	}
}

// String renders Stats as a PrintStats-style human-readable summary line.
func (s EngineStats) String() string {
	return fmt.Sprintf(
		"writes=%d reads=%d flushes=%d compactions=%d memtable_bytes=%d runs=%d l0_runs=%d active_tx=%d",
		s.WriteCount, s.ReadCount, s.FlushCount, s.CompactionCount, s.MemTableSize, s.RunCount, s.Level0FileCount, s.TransactionsActive,
	)
}

// Close stops the background GC worker, persists the transaction-id
// high-water mark, and closes the underlying LSM engine (which itself
// drains its own flush/compaction workers and performs a final flush).
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		if e.group != nil {
			_ = e.group.Wait()
		}
	}

	e.meta.TxIDHighWaterMark = e.mvcc.Registry().HighWaterMark()
	if err := writeMeta(e.dataDir, e.meta); err != nil {
		e.logger.Warn("failed to persist engine metadata on close", logging.Error(err))
	}

	return e.core.Close(ctx)
}

func mvccClock(e *mvcc.Engine) *mvcc.Clock {
	// The GarbageCollector needs its own Clock reference for retention-floor
	// math; Engine doesn't expose its commit clock directly since callers
	// should never mint commit timestamps themselves, so the background
	// worker gets a fresh one instead. Retention thresholds are coarse
	// (seconds), so two independent wall-clock-seeded monotonic clocks never
	// disagree by more than the scheduling jitter between Open and the
	// first GC tick.
	return mvcc.NewClock()
}
