package lsm

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"

	"golang.org/x/exp/mmap"

	"github.com/embeddedkv/lsmkv/internal/storageerr"
)

// mmapRunReader reads a SortedRun via a memory-mapped file, so hot reads
// avoid a syscall per access once the run is installed in the catalog.
type mmapRunReader struct {
	path       string
	ra         *mmap.ReaderAt
	header     Header
	index      []IndexEntry
	bloom      *BloomFilter
	entryCount int
}

func openMmapRunReader(path string) (*mmapRunReader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	if err := verifyFooterCRCMmap(ra); err != nil {
		ra.Close()
		return nil, err
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := ra.ReadAt(headerBuf, 0); err != nil {
		ra.Close()
		return nil, err
	}
	header, err := readHeader(bytes.NewReader(headerBuf))
	if err != nil {
		ra.Close()
		return nil, err
	}

	index, indexEnd, err := readIndexFromMmap(ra, int64(header.IndexOffset))
	if err != nil {
		ra.Close()
		return nil, err
	}

	bloom, err := readBloomFromMmap(ra, indexEnd)
	if err != nil {
		bloom = NewBloomFilter(int(header.EntryCount), 0.01)
	}

	return &mmapRunReader{
		path:       path,
		ra:         ra,
		header:     header,
		index:      index,
		bloom:      bloom,
		entryCount: int(header.EntryCount),
	}, nil
}

func (r *mmapRunReader) Get(key []byte) (*Entry, bool) {
	if r.bloom != nil && !r.bloom.MayContain(key) {
		return nil, false
	}

	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) >= 0
	})

	startOffset := int64(HeaderSize)
	maxEntries := r.entryCount
	if idx > 0 {
		startOffset = int64(r.index[idx-1].Offset)
		maxEntries = IndexInterval * 2
	}

	offset := startOffset
	for i := 0; i < maxEntries; i++ {
		entry, n, err := readEntryFromMmap(r.ra, offset)
		if err != nil {
			return nil, false
		}

		cmp := bytes.Compare(entry.Key, key)
		if cmp == 0 {
			if entry.Deleted {
				return nil, false
			}
			return entry, true
		}
		if cmp > 0 {
			return nil, false
		}
		offset += int64(n)
	}

	return nil, false
}

func (r *mmapRunReader) Scan(prefix []byte) ([]*Entry, error) {
	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, prefix) >= 0
	})

	startOffset := int64(HeaderSize)
	if idx > 0 {
		startOffset = int64(r.index[idx-1].Offset)
	}

	results := make([]*Entry, 0)
	offset := startOffset

	for {
		entry, n, err := readEntryFromMmap(r.ra, offset)
		if err != nil {
			break
		}
		offset += int64(n)

		if bytes.Compare(entry.Key, prefix) < 0 {
			continue
		}
		if !bytes.HasPrefix(entry.Key, prefix) {
			break
		}
		if !entry.Deleted {
			results = append(results, entry)
		}
	}

	return results, nil
}

func (r *mmapRunReader) Iterator() ([]*Entry, error) {
	entries := make([]*Entry, 0, r.entryCount)
	offset := int64(HeaderSize)

	for i := 0; i < r.entryCount; i++ {
		entry, n, err := readEntryFromMmap(r.ra, offset)
		if err != nil {
			break
		}
		entries = append(entries, entry)
		offset += int64(n)
	}

	return entries, nil
}

func (r *mmapRunReader) Close() error {
	return r.ra.Close()
}

func readEntryFromMmap(r *mmap.ReaderAt, offset int64) (*Entry, int, error) {
	read := 0

	keyLenBuf := make([]byte, 4)
	if _, err := r.ReadAt(keyLenBuf, offset); err != nil {
		return nil, 0, err
	}
	keyLen := binary.LittleEndian.Uint32(keyLenBuf)
	offset += 4
	read += 4

	key := make([]byte, keyLen)
	if keyLen > 0 {
		if _, err := r.ReadAt(key, offset); err != nil {
			return nil, 0, err
		}
	}
	offset += int64(keyLen)
	read += int(keyLen)

	valueLenBuf := make([]byte, 4)
	if _, err := r.ReadAt(valueLenBuf, offset); err != nil {
		return nil, 0, err
	}
	valueLen := binary.LittleEndian.Uint32(valueLenBuf)
	offset += 4
	read += 4

	value := make([]byte, valueLen)
	if valueLen > 0 {
		if _, err := r.ReadAt(value, offset); err != nil {
			return nil, 0, err
		}
	}
	offset += int64(valueLen)
	read += int(valueLen)

	tsBuf := make([]byte, 8)
	if _, err := r.ReadAt(tsBuf, offset); err != nil {
		return nil, 0, err
	}
	timestamp := int64(binary.LittleEndian.Uint64(tsBuf))
	offset += 8
	read += 8

	deletedBuf := make([]byte, 1)
	if _, err := r.ReadAt(deletedBuf, offset); err != nil {
		return nil, 0, err
	}
	read++

	return &Entry{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		Deleted:   deletedBuf[0] == 1,
	}, read, nil
}

// readIndexFromMmap returns the decoded index plus the byte offset
// immediately following it, so the caller can locate the bloom filter.
func readIndexFromMmap(r *mmap.ReaderAt, offset int64) ([]IndexEntry, int64, error) {
	countBuf := make([]byte, 4)
	if _, err := r.ReadAt(countBuf, offset); err != nil {
		return nil, 0, err
	}
	count := binary.LittleEndian.Uint32(countBuf)
	offset += 4

	index := make([]IndexEntry, count)
	for i := uint32(0); i < count; i++ {
		keyLenBuf := make([]byte, 4)
		if _, err := r.ReadAt(keyLenBuf, offset); err != nil {
			return nil, 0, err
		}
		keyLen := binary.LittleEndian.Uint32(keyLenBuf)
		offset += 4

		key := make([]byte, keyLen)
		if keyLen > 0 {
			if _, err := r.ReadAt(key, offset); err != nil {
				return nil, 0, err
			}
		}
		offset += int64(keyLen)

		offsetBuf := make([]byte, 8)
		if _, err := r.ReadAt(offsetBuf, offset); err != nil {
			return nil, 0, err
		}
		entryOffset := binary.LittleEndian.Uint64(offsetBuf)
		offset += 8

		index[i] = IndexEntry{Key: key, Offset: entryOffset}
	}

	return index, offset, nil
}

// verifyFooterCRCMmap recomputes the CRC32 of the body (everything after
// the header, up to the trailing 4-byte footer) of a memory-mapped
// SortedRun and compares it against the footer, mirroring verifyFooterCRC
// for the buffered reader.
func verifyFooterCRCMmap(ra *mmap.ReaderAt) error {
	size := int64(ra.Len())
	if size < int64(HeaderSize)+4 {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, storageerr.ErrCorruptRecord, nil)
	}

	bodyLen := size - int64(HeaderSize) - 4
	checksum := crc32.NewIEEE()
	buf := make([]byte, 64*1024)
	offset := int64(HeaderSize)
	remaining := bodyLen
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := ra.ReadAt(buf[:n], offset); err != nil {
			return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, err, nil)
		}
		checksum.Write(buf[:n])
		offset += n
		remaining -= n
	}

	footerBuf := make([]byte, 4)
	if _, err := ra.ReadAt(footerBuf, size-4); err != nil {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, err, nil)
	}
	want := binary.LittleEndian.Uint32(footerBuf)
	if checksum.Sum32() != want {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, storageerr.ErrCorruptRecord, nil)
	}
	return nil
}

func readBloomFromMmap(r *mmap.ReaderAt, offset int64) (*BloomFilter, error) {
	header := make([]byte, 12)
	if _, err := r.ReadAt(header, offset); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	hashCount := binary.LittleEndian.Uint32(header[4:8])
	bitsLen := binary.LittleEndian.Uint32(header[8:12])

	data := make([]byte, bitsLen)
	if bitsLen > 0 {
		if _, err := r.ReadAt(data, offset+12); err != nil {
			return nil, err
		}
	}

	return UnmarshalBinaryInto(int(size), int(hashCount), data), nil
}
