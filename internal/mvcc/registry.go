package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/embeddedkv/lsmkv/internal/storageerr"
)

// TransactionRegistry assigns transaction ids, tracks the active set, and
// records commit timestamps, using two narrow locks (one for the active
// set, one for commit timestamps) rather than one wide lock over both.
type TransactionRegistry struct {
	nextID atomic.Uint64
	clock  *Clock

	activeMu sync.RWMutex
	active   map[uint64]*Transaction

	committedMu sync.RWMutex
	committed   map[uint64]int64 // txID -> commitTs
}

// NewTransactionRegistry creates an empty registry. startID seeds the
// monotonic id counter (non-zero when resuming from a persisted
// high-water mark), since TransactionId 0 is reserved for "no transaction".
func NewTransactionRegistry(clock *Clock, startID uint64) *TransactionRegistry {
	if startID == 0 {
		startID = 1
	}
	r := &TransactionRegistry{
		clock:     clock,
		active:    make(map[uint64]*Transaction),
		committed: make(map[uint64]int64),
	}
	r.nextID.Store(startID - 1)
	return r
}

// Begin allocates a new transaction id and snapshot timestamp equal to the
// highest commit timestamp observed so far (0 if none have committed yet).
func (r *TransactionRegistry) Begin() *Transaction {
	id := r.nextID.Add(1)
	snapshotTs := r.latestCommitTs()

	tx := newTransaction(id, snapshotTs)

	r.activeMu.Lock()
	r.active[id] = tx
	r.activeMu.Unlock()

	return tx
}

func (r *TransactionRegistry) latestCommitTs() int64 {
	r.committedMu.RLock()
	defer r.committedMu.RUnlock()
	var max int64
	for _, ts := range r.committed {
		if ts > max {
			max = ts
		}
	}
	return max
}

// IsActive reports whether tx.ID is in the active set.
func (r *TransactionRegistry) IsActive(id uint64) bool {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()
	_, ok := r.active[id]
	return ok
}

// Commit stamps tx with a new commit timestamp, moves it from active to
// committed, and marks it Committed. Requires tx to currently be Active.
func (r *TransactionRegistry) Commit(tx *Transaction) error {
	if tx.getState() != StateActive {
		return storageerr.New("Commit", storageerr.ComponentTransaction, storageerr.ErrTransactionNotActive, nil)
	}

	r.activeMu.Lock()
	if _, ok := r.active[tx.ID]; !ok {
		r.activeMu.Unlock()
		return storageerr.New("Commit", storageerr.ComponentTransaction, storageerr.ErrTransactionNotActive, nil)
	}
	delete(r.active, tx.ID)
	r.activeMu.Unlock()

	commitTs := r.clock.Now()
	r.committedMu.Lock()
	r.committed[tx.ID] = commitTs
	r.committedMu.Unlock()

	tx.mu.Lock()
	tx.CommitTs = commitTs
	tx.State = StateCommitted
	tx.mu.Unlock()

	return nil
}

// Rollback removes tx from the active set and marks it Aborted. Requires
// tx to currently be Active.
func (r *TransactionRegistry) Rollback(tx *Transaction) error {
	if tx.getState() != StateActive {
		return storageerr.New("Rollback", storageerr.ComponentTransaction, storageerr.ErrTransactionNotActive, nil)
	}

	r.activeMu.Lock()
	if _, ok := r.active[tx.ID]; !ok {
		r.activeMu.Unlock()
		return storageerr.New("Rollback", storageerr.ComponentTransaction, storageerr.ErrTransactionNotActive, nil)
	}
	delete(r.active, tx.ID)
	r.activeMu.Unlock()

	tx.setState(StateAborted)
	return nil
}

// CommitTimestamp returns the commit timestamp recorded for id, if any.
func (r *TransactionRegistry) CommitTimestamp(id uint64) (int64, bool) {
	r.committedMu.RLock()
	defer r.committedMu.RUnlock()
	ts, ok := r.committed[id]
	return ts, ok
}

// OldestActiveSnapshotTs returns the minimum SnapshotTs across active
// transactions, or 0 if none are active (the "no floor" sentinel the GC
// treats as "nothing to protect beyond the retention window").
func (r *TransactionRegistry) OldestActiveSnapshotTs() int64 {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()

	if len(r.active) == 0 {
		return 0
	}
	var oldest int64 = -1
	for _, tx := range r.active {
		ts := tx.SnapshotTs
		if oldest == -1 || ts < oldest {
			oldest = ts
		}
	}
	return oldest
}

// ActiveCount returns the number of currently active transactions, fed
// into the TransactionsActive gauge.
func (r *TransactionRegistry) ActiveCount() int {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()
	return len(r.active)
}

// HighWaterMark returns the highest transaction id allocated so far, for
// persisting into engine.meta across restarts.
func (r *TransactionRegistry) HighWaterMark() uint64 {
	return r.nextID.Load()
}
