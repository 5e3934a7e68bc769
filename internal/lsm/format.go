package lsm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// On-disk SortedRun layout:
//
//	[Header: magic(4) | version(4) | entryCount(8) | indexOffset(8)]
//	[Data block: length-prefixed (key,value,timestamp,deleted) records, sorted]
//	[Sparse index: every IndexInterval-th key -> byte offset]
//	[Bloom filter: size(4) | hashCount(4) | bitsLen(4) | bits]
//	[Footer: crc32(4) over every byte written after the header]
const (
	runMagic      = 0x53535442 // "SSTB"
	runVersion    = 1
	IndexInterval = 128
)

// Header is the fixed-size prologue of a SortedRun file.
type Header struct {
	Magic       uint32
	Version     uint32
	EntryCount  uint64
	IndexOffset uint64
}

// HeaderSize is the encoded byte size of Header.
const HeaderSize = 4 + 4 + 8 + 8

func writeHeader(w io.Writer, h Header) error {
	return binary.Write(w, binary.LittleEndian, &h)
}

func readHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Header{}, err
	}
	if h.Magic != runMagic {
		return Header{}, fmt.Errorf("lsm: invalid SortedRun magic %x", h.Magic)
	}
	return h, nil
}

// IndexEntry is one sparse-index row: the first key of a block and its byte
// offset into the data block.
type IndexEntry struct {
	Key    []byte
	Offset uint64
}

// writeEntry encodes one record as:
// keyLen(4) | key | valueLen(4) | value | timestamp(8) | deleted(1).
// Returns the number of bytes written.
func writeEntry(w io.Writer, e *Entry) (int, error) {
	size := 0

	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
		return 0, err
	}
	size += 4

	n, err := w.Write(e.Key)
	if err != nil {
		return 0, err
	}
	size += n

	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Value))); err != nil {
		return 0, err
	}
	size += 4

	n, err = w.Write(e.Value)
	if err != nil {
		return 0, err
	}
	size += n

	if err := binary.Write(w, binary.LittleEndian, e.Timestamp); err != nil {
		return 0, err
	}
	size += 8

	deleted := byte(0)
	if e.Deleted {
		deleted = 1
	}
	if bw, ok := w.(interface{ WriteByte(byte) error }); ok {
		if err := bw.WriteByte(deleted); err != nil {
			return 0, err
		}
	} else if _, err := w.Write([]byte{deleted}); err != nil {
		return 0, err
	}
	size++

	return size, nil
}

func readEntry(r io.Reader) (*Entry, int, error) {
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return nil, 0, err
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, 0, err
	}

	var valueLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valueLen); err != nil {
		return nil, 0, err
	}

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, 0, err
	}

	var timestamp int64
	if err := binary.Read(r, binary.LittleEndian, &timestamp); err != nil {
		return nil, 0, err
	}

	deletedBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, deletedBuf); err != nil {
		return nil, 0, err
	}

	bytesRead := 4 + int(keyLen) + 4 + int(valueLen) + 8 + 1
	return &Entry{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		Deleted:   deletedBuf[0] == 1,
	}, bytesRead, nil
}

func writeIndex(w io.Writer, index []IndexEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(index))); err != nil {
		return err
	}
	for _, e := range index {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
			return err
		}
		if _, err := w.Write(e.Key); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Offset); err != nil {
			return err
		}
	}
	return nil
}

func readIndex(r io.Reader) ([]IndexEntry, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	index := make([]IndexEntry, count)
	for i := uint32(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		var offset uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, err
		}
		index[i] = IndexEntry{Key: key, Offset: offset}
	}
	return index, nil
}

func writeBloom(w io.Writer, bf *BloomFilter) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(bf.Size())); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(bf.HashCount())); err != nil {
		return err
	}
	packed := bf.MarshalBinary()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(packed))); err != nil {
		return err
	}
	_, err := w.Write(packed)
	return err
}

func readBloom(r io.Reader) (*BloomFilter, error) {
	var size, hashCount, bitsLen uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hashCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &bitsLen); err != nil {
		return nil, err
	}
	data := make([]byte, bitsLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return UnmarshalBinaryInto(int(size), int(hashCount), data), nil
}

// SortedRunPath builds the conventional on-disk filename for a run at the
// given level with the given monotonic id.
func SortedRunPath(dir string, level, id int) string {
	return fmt.Sprintf("%s/L%d-%06d.sst", dir, level, id)
}
