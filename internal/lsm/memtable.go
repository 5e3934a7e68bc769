// Package lsm implements the log-structured merge-tree core: the in-memory
// write buffer, on-disk sorted runs, the run catalog, and the engine that
// orchestrates flushes and reads across them.
package lsm

import (
	"bytes"
	"sort"
	"sync"
)

// Entry is a single key-value pair held by a MemTable, with an empty Value
// acting as a tombstone.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp int64
	Deleted   bool
}

// MemTable is an in-memory ordered write buffer; values are plain bytes
// here, versioning is layered on top by internal/mvcc rather than baked
// into the entry itself.
type MemTable struct {
	mu      sync.RWMutex
	data    map[string]*Entry
	keys    []string
	size    int
	maxSize int
	sorted  bool
}

// NewMemTable creates an empty MemTable that reports ShouldFlush once its
// tracked byte size reaches maxSize.
func NewMemTable(maxSize int) *MemTable {
	return &MemTable{
		data:    make(map[string]*Entry),
		keys:    make([]string, 0),
		maxSize: maxSize,
		sorted:  true,
	}
}

// Put inserts or overwrites key with value, stamping ts (caller-supplied so
// the WAL sequence and the memtable entry agree).
func (mt *MemTable) Put(key, value []byte, ts int64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.putLocked(key, value, ts, false)
}

// Delete records a tombstone for key at ts.
func (mt *MemTable) Delete(key []byte, ts int64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.putLocked(key, nil, ts, true)
}

func (mt *MemTable) putLocked(key, value []byte, ts int64, deleted bool) {
	keyStr := string(key)

	if existing, exists := mt.data[keyStr]; exists {
		oldSize := len(existing.Value)
		if mt.size >= oldSize {
			mt.size -= oldSize
		} else {
			mt.size = 0
		}
	} else {
		mt.keys = append(mt.keys, keyStr)
		mt.sorted = false
		mt.size += len(key)
	}

	mt.size += len(value)

	mt.data[keyStr] = &Entry{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Timestamp: ts,
		Deleted:   deleted,
	}
}

// Get returns the current entry for key, including tombstones so callers can
// distinguish "absent" from "deleted" when merging with older runs.
func (mt *MemTable) Get(key []byte) (*Entry, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	entry, exists := mt.data[string(key)]
	if !exists {
		return nil, false
	}
	return entry, true
}

// Size reports the approximate byte size of the buffered entries.
func (mt *MemTable) Size() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// ShouldFlush reports whether the memtable has crossed its configured
// flush threshold.
func (mt *MemTable) ShouldFlush() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size >= mt.maxSize
}

func (mt *MemTable) ensureSortedLocked() {
	if !mt.sorted {
		sort.Strings(mt.keys)
		mt.sorted = true
	}
}

// Iterator returns every entry (including tombstones) in key order. Used by
// the flush path, which must write tombstones into the new SST.
func (mt *MemTable) Iterator() []*Entry {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.ensureSortedLocked()

	entries := make([]*Entry, 0, len(mt.keys))
	for _, key := range mt.keys {
		entries = append(entries, mt.data[key])
	}
	return entries
}

// Scan returns non-deleted entries whose key starts with prefix, in key
// order, as a snapshot of the current state.
func (mt *MemTable) Scan(prefix []byte) []*Entry {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.ensureSortedLocked()

	results := make([]*Entry, 0)
	for _, key := range mt.keys {
		if !bytes.HasPrefix([]byte(key), prefix) {
			continue
		}
		entry := mt.data[key]
		if !entry.Deleted {
			results = append(results, entry)
		}
	}
	return results
}

// EntryCompare orders two entries by key.
func EntryCompare(a, b *Entry) int {
	return bytes.Compare(a.Key, b.Key)
}
