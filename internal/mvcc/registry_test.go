package mvcc

import "testing"

func TestRegistryBeginAssignsIncreasingIDs(t *testing.T) {
	r := NewTransactionRegistry(NewClock(), 1)
	tx1 := r.Begin()
	tx2 := r.Begin()
	if tx2.ID <= tx1.ID {
		t.Fatalf("expected increasing ids, got %d then %d", tx1.ID, tx2.ID)
	}
	if tx1.State != StateActive {
		t.Fatalf("expected new transaction to be Active, got %v", tx1.State)
	}
}

func TestRegistryBeginSnapshotsLatestCommit(t *testing.T) {
	r := NewTransactionRegistry(NewClock(), 1)
	tx1 := r.Begin()
	if err := r.Commit(tx1); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	tx2 := r.Begin()
	if tx2.SnapshotTs != tx1.CommitTs {
		t.Fatalf("expected tx2 snapshot to equal tx1 commit ts, got %d vs %d", tx2.SnapshotTs, tx1.CommitTs)
	}
}

func TestRegistryCommitRequiresActive(t *testing.T) {
	r := NewTransactionRegistry(NewClock(), 1)
	tx := r.Begin()
	if err := r.Commit(tx); err != nil {
		t.Fatalf("first commit should succeed: %v", err)
	}
	if err := r.Commit(tx); err == nil {
		t.Fatal("expected error committing an already-committed transaction")
	}
}

func TestRegistryRollbackRequiresActive(t *testing.T) {
	r := NewTransactionRegistry(NewClock(), 1)
	tx := r.Begin()
	if err := r.Rollback(tx); err != nil {
		t.Fatalf("rollback should succeed: %v", err)
	}
	if tx.State != StateAborted {
		t.Fatalf("expected Aborted, got %v", tx.State)
	}
	if err := r.Rollback(tx); err == nil {
		t.Fatal("expected error rolling back an already-aborted transaction")
	}
}

func TestRegistryOldestActiveSnapshotTs(t *testing.T) {
	r := NewTransactionRegistry(NewClock(), 1)
	if got := r.OldestActiveSnapshotTs(); got != 0 {
		t.Fatalf("expected 0 with no active transactions, got %d", got)
	}

	tx1 := r.Begin()
	_ = r.Begin() // tx2, not committed between, same snapshot window

	if err := r.Commit(tx1); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// tx2 is still active; its snapshot predates tx1's commit.
	if got := r.OldestActiveSnapshotTs(); got != 0 {
		t.Fatalf("expected tx2's original snapshot (0) as the floor, got %d", got)
	}
}

func TestRegistryHighWaterMarkResumesAcrossRestart(t *testing.T) {
	r := NewTransactionRegistry(NewClock(), 1)
	r.Begin()
	r.Begin()
	hwm := r.HighWaterMark()

	resumed := NewTransactionRegistry(NewClock(), hwm+1)
	tx := resumed.Begin()
	if tx.ID <= hwm {
		t.Fatalf("expected resumed registry to allocate past the high water mark %d, got %d", hwm, tx.ID)
	}
}
