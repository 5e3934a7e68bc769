package mvcc

import (
	"bytes"
	"context"
	"sort"

	"github.com/embeddedkv/lsmkv/internal/engineio/logging"
	"github.com/embeddedkv/lsmkv/internal/engineio/metrics"
	"github.com/embeddedkv/lsmkv/internal/lsm"
	"github.com/embeddedkv/lsmkv/internal/storageerr"
)

// Engine combines an *lsm.LsmEngine with a VersionStore and
// TransactionRegistry to provide snapshot-isolated, optimistic-commit
// transactions over the byte-in/byte-out LSM core, with an explicit
// conflict-check step run to completion before any mutation is applied.
type Engine struct {
	lsm      *lsm.LsmEngine
	versions *VersionStore
	registry *TransactionRegistry
	clock    *Clock

	logger  logging.Logger
	metrics *metrics.Registry
}

// NewEngine wires an MvccEngine around an already-open LsmEngine.
func NewEngine(base *lsm.LsmEngine, logger logging.Logger, reg *metrics.Registry, txIDHighWaterMark uint64) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	clock := NewClock()
	return &Engine{
		lsm:      base,
		versions: NewVersionStore(),
		registry: NewTransactionRegistry(clock, txIDHighWaterMark),
		clock:    clock,
		logger:   logger.With(logging.Component("mvcc")),
		metrics:  reg,
	}
}

// Begin starts a new transaction with a snapshot fixed to the current
// latest commit timestamp.
func (e *Engine) Begin(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := e.registry.Begin()
	e.metrics.TransactionsActive.Set(float64(e.registry.ActiveCount()))
	e.logger.Debug("transaction begin", logging.TxID(tx.ID), logging.Int64("snapshot_ts", tx.SnapshotTs))
	return tx, nil
}

// GetForTx returns the value visible to tx for key: its own write-buffer
// first (read-your-own-writes), then the VersionStore. The LsmEngine is
// consulted directly only when key has no version chain at all (data
// committed before this transaction's process ever ran — VersionStore is
// rebuilt from LSM state at recovery, see recovery.go). Once a chain
// exists, it is authoritative: a chain with nothing visible at tx's
// snapshot means absent, never a fall-through to whatever the LSM holds
// now, which may include writes committed after tx's snapshot was taken.
func (e *Engine) GetForTx(ctx context.Context, key []byte, tx *Transaction) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if value, tombstone, found := tx.bufferedGet(key); found {
		if tombstone {
			return nil, false, nil
		}
		return value, true, nil
	}

	if rec, ok := e.versions.Visible(key, tx.ID, tx.SnapshotTs); ok {
		if rec.Tombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	if e.versions.HasChain(key) {
		return nil, false, nil
	}

	return e.lsm.Get(ctx, key)
}

// ScanForTx folds tx's write-buffer over the VersionStore's visible set for
// prefix, in key order, omitting tombstones. Like GetForTx, any key that has
// a version chain is resolved entirely from that chain (visible or not) and
// never falls through to the base LSM, which may hold writes committed
// after tx's snapshot.
func (e *Engine) ScanForTx(ctx context.Context, prefix []byte, tx *Transaction) ([]lsm.KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	results := make([]lsm.KV, 0)

	order, writes := tx.snapshotWrites()
	for _, k := range order {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		seen[k] = true
		op := writes[k]
		if !op.Tombstone {
			results = append(results, lsm.KV{Key: []byte(k), Value: op.Value})
		}
	}

	for _, k := range e.versions.KeysWithPrefix(prefix) {
		if seen[k] {
			continue
		}
		seen[k] = true
		if rec, ok := e.versions.Visible([]byte(k), tx.ID, tx.SnapshotTs); ok && !rec.Tombstone {
			results = append(results, lsm.KV{Key: []byte(k), Value: rec.Value})
		}
	}

	base, err := e.lsm.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, kv := range base {
		k := string(kv.Key)
		if seen[k] {
			continue
		}
		seen[k] = true
		results = append(results, kv)
	}

	sort.Slice(results, func(i, j int) bool {
		return bytes.Compare(results[i].Key, results[j].Key) < 0
	})
	return results, nil
}

// Commit runs the first-committer-wins optimistic commit protocol: check
// every buffered key for a conflicting newer commit *before* mutating
// anything, then expire+append+apply for each write, then retire the
// transaction. Any failure triggers Rollback and returns the triggering
// error; no write-buffer entry from an aborted transaction is ever made
// visible to a later snapshot.
func (e *Engine) Commit(ctx context.Context, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.getState() != StateActive {
		return storageerr.New("Commit", storageerr.ComponentTransaction, storageerr.ErrTransactionNotActive, nil)
	}

	order, writes := tx.snapshotWrites()

	for _, k := range order {
		if rec, ok := e.versions.LatestLive([]byte(k)); ok && rec.CreatedTs > tx.SnapshotTs {
			e.metrics.TransactionConflicts.Inc()
			_ = e.registry.Rollback(tx)
			e.metrics.TransactionsAborted.Inc()
			e.metrics.TransactionsActive.Set(float64(e.registry.ActiveCount()))
			return storageerr.New("Commit", storageerr.ComponentTransactionConf, storageerr.ErrTransactionConflict, []byte(k))
		}
	}

	now := e.clock.Now()
	for _, k := range order {
		op := writes[k]
		key := []byte(k)

		e.versions.ExpireLatest(key, tx.ID, now)
		e.versions.Append(key, &VersionedRecord{
			Value:     op.Value,
			Tombstone: op.Tombstone,
			CreatedTx: tx.ID,
			CreatedTs: now,
		})

		var err error
		if op.Tombstone {
			err = e.lsm.Delete(ctx, key)
		} else {
			err = e.lsm.Put(ctx, key, op.Value)
		}
		if err != nil {
			_ = e.registry.Rollback(tx)
			e.metrics.TransactionsAborted.Inc()
			e.metrics.TransactionsActive.Set(float64(e.registry.ActiveCount()))
			return storageerr.New("Commit", storageerr.ComponentStorage, err, key)
		}
	}

	if err := e.registry.Commit(tx); err != nil {
		return err
	}
	e.clock.Observe(tx.CommitTs)

	e.metrics.TransactionsCommitted.Inc()
	e.metrics.TransactionsActive.Set(float64(e.registry.ActiveCount()))
	e.logger.Debug("transaction commit", logging.TxID(tx.ID), logging.Int64("commit_ts", tx.CommitTs), logging.Count(len(order)))
	return nil
}

// Rollback discards tx's write-buffer without applying anything.
func (e *Engine) Rollback(ctx context.Context, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.registry.Rollback(tx); err != nil {
		return err
	}
	e.metrics.TransactionsAborted.Inc()
	e.metrics.TransactionsActive.Set(float64(e.registry.ActiveCount()))
	e.logger.Debug("transaction rollback", logging.TxID(tx.ID))
	return nil
}

// VersionStore exposes the underlying store for the GC.
func (e *Engine) VersionStore() *VersionStore { return e.versions }

// Registry exposes the transaction registry for the GC's
// oldest-active-snapshot query.
func (e *Engine) Registry() *TransactionRegistry { return e.registry }

// LSM exposes the underlying byte-in/byte-out engine for non-transactional
// callers (Engine.Put/Get/Delete/Scan at the top level bypass MVCC
// entirely).
func (e *Engine) LSM() *lsm.LsmEngine { return e.lsm }
