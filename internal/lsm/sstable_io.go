package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/embeddedkv/lsmkv/internal/storageerr"
)

// bufferedRunReader reads a SortedRun through a buffered os.File, used for
// the Open() cold path before a run is promoted to a memory-mapped reader.
type bufferedRunReader struct {
	path       string
	header     Header
	index      []IndexEntry
	bloom      *BloomFilter
	entryCount int
}

func openBufferedRunReader(path string) (*bufferedRunReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if err := verifyFooterCRC(f, info.Size()); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	header, err := readHeader(f)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(int64(header.IndexOffset), 0); err != nil {
		return nil, err
	}
	index, err := readIndex(f)
	if err != nil {
		return nil, err
	}

	bloom, err := readBloom(f)
	if err != nil {
		bloom = NewBloomFilter(int(header.EntryCount), 0.01)
	}

	return &bufferedRunReader{
		path:       path,
		header:     header,
		index:      index,
		bloom:      bloom,
		entryCount: int(header.EntryCount),
	}, nil
}

func (r *bufferedRunReader) Get(key []byte) (*Entry, bool) {
	if r.bloom != nil && !r.bloom.MayContain(key) {
		return nil, false
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) >= 0
	})

	startOffset := uint64(HeaderSize)
	maxEntries := r.entryCount
	if idx > 0 {
		startOffset = r.index[idx-1].Offset
		maxEntries = IndexInterval * 2
	}

	if _, err := f.Seek(int64(startOffset), 0); err != nil {
		return nil, false
	}

	reader := bufio.NewReader(f)
	for i := 0; i < maxEntries; i++ {
		entry, _, err := readEntry(reader)
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
	}

	return nil, false
}

func (r *bufferedRunReader) Scan(prefix []byte) ([]*Entry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, prefix) >= 0
	})

	startOffset := uint64(HeaderSize)
	if idx > 0 {
		startOffset = r.index[idx-1].Offset
	}

	if _, err := f.Seek(int64(startOffset), 0); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(f)
	results := make([]*Entry, 0)

	for {
		entry, _, err := readEntry(reader)
		if err != nil {
			break
		}

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

func (r *bufferedRunReader) Iterator() ([]*Entry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(HeaderSize, 0); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(f)
	entries := make([]*Entry, 0, r.entryCount)
	for i := 0; i < r.entryCount; i++ {
		entry, _, err := readEntry(reader)
		if err != nil {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *bufferedRunReader) Close() error {
	return nil
}

// verifyFooterCRC reads the body of a SortedRun file (everything after the
// header, up to but excluding the trailing 4-byte footer) through f,
// recomputes its CRC32, and compares it against the footer. f is left
// positioned at EOF; callers must Seek before further reads.
func verifyFooterCRC(f *os.File, size int64) error {
	if size < int64(HeaderSize)+4 {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, storageerr.ErrCorruptRecord, nil)
	}

	if _, err := f.Seek(int64(HeaderSize), io.SeekStart); err != nil {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, err, nil)
	}

	bodyLen := size - int64(HeaderSize) - 4
	checksum := crc32.NewIEEE()
	if _, err := io.CopyN(checksum, f, bodyLen); err != nil {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, err, nil)
	}

	footerBuf := make([]byte, 4)
	if _, err := io.ReadFull(f, footerBuf); err != nil {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, err, nil)
	}
	want := binary.LittleEndian.Uint32(footerBuf)
	if checksum.Sum32() != want {
		return storageerr.New("OpenSortedRun", storageerr.ComponentSerialization, storageerr.ErrCorruptRecord, nil)
	}
	return nil
}
