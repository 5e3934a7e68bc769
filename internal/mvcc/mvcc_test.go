package mvcc

import (
	"context"
	"testing"

	"github.com/embeddedkv/lsmkv/internal/engineio/logging"
	"github.com/embeddedkv/lsmkv/internal/engineio/metrics"
	"github.com/embeddedkv/lsmkv/internal/lsm"
	"github.com/embeddedkv/lsmkv/internal/storageerr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	opts := lsm.DefaultEngineOptions(dir)
	opts.EnableBackgroundWork = false
	base, err := lsm.Open(opts, logging.NewNopLogger(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("open lsm engine: %v", err)
	}
	t.Cleanup(func() { _ = base.Close(context.Background()) })
	return NewEngine(base, logging.NewNopLogger(), metrics.NewRegistry(), 1)
}

func TestMvccPutGetWithinSingleCommittedTransaction(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	tx, err := e.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.Put([]byte("a"), []byte("1"))
	if err := e.Commit(ctx, tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := e.Begin(ctx)
	value, found, err := e.GetForTx(ctx, []byte("a"), tx2)
	if err != nil || !found || string(value) != "1" {
		t.Fatalf("expected (1,true), got (%q,%v,%v)", value, found, err)
	}
}

func TestMvccSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	t1, _ := e.Begin(ctx)

	t2, _ := e.Begin(ctx)
	t2.Put([]byte("x"), []byte("2"))
	if err := e.Commit(ctx, t2); err != nil {
		t.Fatalf("commit t2: %v", err)
	}

	_, found, err := e.GetForTx(ctx, []byte("x"), t1)
	if err != nil {
		t.Fatalf("get for t1: %v", err)
	}
	if found {
		t.Fatal("t1's snapshot should not observe t2's later commit")
	}
}

func TestMvccWriteWriteConflictFirstCommitterWins(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	t1, _ := e.Begin(ctx)
	t2, _ := e.Begin(ctx)

	t1.Put([]byte("x"), []byte("A"))
	if err := e.Commit(ctx, t1); err != nil {
		t.Fatalf("t1 commit should succeed: %v", err)
	}

	t2.Put([]byte("x"), []byte("B"))
	err := e.Commit(ctx, t2)
	if err == nil {
		t.Fatal("expected t2 commit to fail with a conflict")
	}
	if !storageerr.IsConflict(err) {
		t.Fatalf("expected a TransactionConflict error, got %v", err)
	}
	if t2.getState() != StateAborted {
		t.Fatalf("expected t2 aborted after conflict, got %v", t2.State)
	}
}

func TestMvccReadYourOwnWrites(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	tx, _ := e.Begin(ctx)
	tx.Put([]byte("k"), []byte("v"))

	value, found, err := e.GetForTx(ctx, []byte("k"), tx)
	if err != nil || !found || string(value) != "v" {
		t.Fatalf("expected to read own uncommitted write, got (%q,%v,%v)", value, found, err)
	}
}

func TestMvccRollbackDiscardsBuffer(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	tx, _ := e.Begin(ctx)
	tx.Put([]byte("k"), []byte("v"))
	if err := e.Rollback(ctx, tx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	tx2, _ := e.Begin(ctx)
	_, found, err := e.GetForTx(ctx, []byte("k"), tx2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("rolled-back write must not be visible")
	}
}

func TestMvccDeleteThenGetReturnsAbsent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	tx, _ := e.Begin(ctx)
	tx.Put([]byte("k"), []byte("v1"))
	if err := e.Commit(ctx, tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := e.Begin(ctx)
	tx2.Delete([]byte("k"))
	if err := e.Commit(ctx, tx2); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	tx3, _ := e.Begin(ctx)
	_, found, err := e.GetForTx(ctx, []byte("k"), tx3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected absent after delete commit")
	}
}

func TestMvccScanForTxFoldsBufferOverVersions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	setup, _ := e.Begin(ctx)
	setup.Put([]byte("pa"), []byte("1"))
	setup.Put([]byte("pb"), []byte("2"))
	if err := e.Commit(ctx, setup); err != nil {
		t.Fatalf("commit setup: %v", err)
	}

	tx, _ := e.Begin(ctx)
	tx.Put([]byte("pc"), []byte("3"))

	results, err := e.ScanForTx(ctx, []byte("p"), tx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d: %+v", len(results), results)
	}
}
