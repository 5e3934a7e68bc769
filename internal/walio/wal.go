// Package walio implements the write-ahead log: an append-only, segmented,
// checksummed record stream that durably records every Put/Delete before it
// is visible in the memtable.
package walio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// OpType distinguishes a value write from a tombstone write in the log.
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
)

const segmentMagic = 0x57414c31 // "WAL1"

// Record is one durable write-intent entry.
type Record struct {
	LSN       uint64
	OpType    OpType
	Key       []byte
	Value     []byte
	Checksum  uint32
	Timestamp int64
}

// WAL is an append-only log backed by one segment file, stamped with the
// owning engine's instance id so a segment copied between data directories
// is rejected at replay rather than silently merged.
type WAL struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	currentLSN uint64
	path       string
	instanceID uuid.UUID
	epoch      uint64
}

// SegmentPath returns the conventional filename for the WAL segment owning
// memtable epoch.
func SegmentPath(dir string, epoch uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal_%012d.bin", epoch))
}

// segmentHeader: magic(4) | instanceID(16) | epoch(8).
const segmentHeaderSize = 4 + 16 + 8

// NewSegment creates a fresh WAL segment for the given memtable epoch,
// stamped with instanceID.
func NewSegment(dir string, epoch uint64, instanceID uuid.UUID) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("walio: create dir: %w", err)
	}

	path := SegmentPath(dir, epoch)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("walio: open segment: %w", err)
	}

	w := &WAL{file: file, writer: bufio.NewWriter(file), path: path, instanceID: instanceID, epoch: epoch}
	if err := w.writeSegmentHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeSegmentHeader() error {
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(segmentMagic)); err != nil {
		return err
	}
	idBytes, _ := w.instanceID.MarshalBinary()
	if _, err := w.writer.Write(idBytes); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, w.epoch); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// OpenSegment reopens an existing segment for replay (recovery path). The
// instance id is validated against expectedInstanceID; a mismatch means
// this segment belongs to a different data directory's engine instance and
// must be rejected rather than replayed.
func OpenSegment(path string, expectedInstanceID uuid.UUID) (*WAL, uint64, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("walio: open segment: %w", err)
	}

	header := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("walio: read segment header: %w", err)
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != segmentMagic {
		file.Close()
		return nil, 0, fmt.Errorf("walio: bad segment magic %x", magic)
	}

	var instanceID uuid.UUID
	if err := instanceID.UnmarshalBinary(header[4:20]); err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("walio: decode instance id: %w", err)
	}
	if instanceID != expectedInstanceID {
		file.Close()
		return nil, 0, fmt.Errorf("walio: segment %s belongs to foreign engine instance %s", path, instanceID)
	}

	epoch := binary.LittleEndian.Uint64(header[20:28])

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, 0, err
	}

	w := &WAL{file: file, writer: bufio.NewWriter(file), path: path, instanceID: instanceID, epoch: epoch}
	return w, epoch, nil
}

// Append durably records one write intent, returning its LSN. The write is
// fsynced before returning, so a caller never observes success for data
// that did not reach disk.
func (w *WAL) Append(op OpType, key, value []byte, ts int64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentLSN == ^uint64(0) {
		return 0, fmt.Errorf("walio: LSN space exhausted, segment rotation required")
	}

	w.currentLSN++
	lsn := w.currentLSN

	payload := append(append([]byte(nil), key...), value...)
	rec := Record{
		LSN:       lsn,
		OpType:    op,
		Key:       key,
		Value:     value,
		Checksum:  crc32.ChecksumIEEE(payload),
		Timestamp: ts,
	}

	if err := writeRecord(w.writer, &rec); err != nil {
		w.currentLSN--
		return 0, err
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("walio: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("walio: fsync: %w", err)
	}

	return lsn, nil
}

// Format: LSN(8) | OpType(1) | keyLen(4) | key | valueLen(4) | value |
// checksum(4) | timestamp(8).
func writeRecord(w *bufio.Writer, rec *Record) error {
	if err := binary.Write(w, binary.LittleEndian, rec.LSN); err != nil {
		return err
	}
	if err := w.WriteByte(byte(rec.OpType)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(rec.Key))); err != nil {
		return err
	}
	if _, err := w.Write(rec.Key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(rec.Value))); err != nil {
		return err
	}
	if _, err := w.Write(rec.Value); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Checksum); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, rec.Timestamp)
}

func readRecord(r io.Reader) (*Record, error) {
	rec := &Record{}

	if err := binary.Read(r, binary.LittleEndian, &rec.LSN); err != nil {
		return nil, err
	}

	opBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, opBuf); err != nil {
		return nil, err
	}
	rec.OpType = OpType(opBuf[0])

	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return nil, err
	}
	rec.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, rec.Key); err != nil {
		return nil, err
	}

	var valueLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valueLen); err != nil {
		return nil, err
	}
	rec.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(r, rec.Value); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.LittleEndian, &rec.Checksum); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Timestamp); err != nil {
		return nil, err
	}

	return rec, nil
}

// Replay scans the segment from just after its header and invokes sink for
// every record in write order. A corrupt trailing record (bad checksum or
// truncated length prefix) ends replay early without error, since the
// caller never observed that record's success.
func (w *WAL) Replay(sink func(*Record) error) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("walio: reopen for replay: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(segmentHeaderSize, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		rec, err := readRecord(reader)
		if err != nil {
			break
		}
		payload := append(append([]byte(nil), rec.Key...), rec.Value...)
		if crc32.ChecksumIEEE(payload) != rec.Checksum {
			break
		}
		if err := sink(rec); err != nil {
			return fmt.Errorf("walio: replay LSN=%d: %w", rec.LSN, err)
		}
	}
	return nil
}

// CurrentLSN returns the highest LSN appended so far.
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// Epoch returns the memtable epoch this segment belongs to.
func (w *WAL) Epoch() uint64 {
	return w.epoch
}

// Path returns the segment's file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Remove closes and deletes the segment file, used once its memtable has
// been durably flushed to a SortedRun.
func (w *WAL) Remove() error {
	w.Close()
	return os.Remove(w.path)
}

// ListSegments returns every WAL segment file under dir, in epoch order.
func ListSegments(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "wal_*.bin"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}
