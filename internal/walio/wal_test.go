package walio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func appendGarbage(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open for garbage append: %v", err)
	}
	defer f.Close()
	// A truncated length-prefixed record: looks like the start of a valid
	// record (LSN + OpType) but is missing everything after it.
	if _, err := f.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	w, err := NewSegment(dir, 1, id)
	if err != nil {
		t.Fatalf("NewSegment: %v", err)
	}

	lsn1, err := w.Append(OpPut, []byte("k1"), []byte("v1"), 100)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	lsn2, err := w.Append(OpDelete, []byte("k2"), nil, 200)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Errorf("expected strictly increasing LSNs, got %d then %d", lsn1, lsn2)
	}

	var replayed []*Record
	if err := w.Replay(func(r *Record) error {
		replayed = append(replayed, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(replayed) != 2 {
		t.Fatalf("len(replayed) = %d, want 2", len(replayed))
	}
	if replayed[0].OpType != OpPut || string(replayed[0].Key) != "k1" {
		t.Errorf("unexpected first record: %+v", replayed[0])
	}
	if replayed[1].OpType != OpDelete || string(replayed[1].Key) != "k2" {
		t.Errorf("unexpected second record: %+v", replayed[1])
	}
}

func TestOpenSegmentRejectsForeignInstance(t *testing.T) {
	dir := t.TempDir()
	owner := uuid.New()

	w, err := NewSegment(dir, 1, owner)
	if err != nil {
		t.Fatalf("NewSegment: %v", err)
	}
	w.Append(OpPut, []byte("k"), []byte("v"), 1)
	path := w.Path()
	w.Close()

	foreign := uuid.New()
	if _, _, err := OpenSegment(path, foreign); err == nil {
		t.Error("expected OpenSegment to reject a segment stamped with a different instance id")
	}

	if _, _, err := OpenSegment(path, owner); err != nil {
		t.Errorf("OpenSegment with the correct instance id should succeed, got %v", err)
	}
}

func TestSegmentPathNaming(t *testing.T) {
	dir := "/data"
	got := SegmentPath(dir, 7)
	want := filepath.Join(dir, "wal_000000000007.bin")
	if got != want {
		t.Errorf("SegmentPath = %q, want %q", got, want)
	}
}

func TestListSegments(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	s1, _ := NewSegment(dir, 1, id)
	s1.Close()
	s2, _ := NewSegment(dir, 2, id)
	s2.Close()

	segments, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("len(segments) = %d, want 2", len(segments))
	}
}

func TestReplayStopsAtCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	w, err := NewSegment(dir, 1, id)
	if err != nil {
		t.Fatalf("NewSegment: %v", err)
	}
	w.Append(OpPut, []byte("good"), []byte("v"), 1)
	path := w.Path()
	w.Close()

	f, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	appendGarbage(t, f)

	reopened, _, err := OpenSegment(path, id)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer reopened.Close()

	var records []*Record
	if err := reopened.Replay(func(r *Record) error {
		records = append(records, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay should tolerate a corrupt trailing record, got error: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1 (only the record before the corruption)", len(records))
	}
}
