// Package flatfile implements the append-only blob file that backs
// pkg/store: every value chainkv stores lives here, at the offset the
// B+-tree index (pkg/btree) records for its key. Unlike pkg/mmapstore this
// is a plain os.File, not memory-mapped — an append-only log has no need for
// mmapstore's borrow discipline or shadow-paging, and mixing a second mmap
// region into the same process would only duplicate that package's concern.
package flatfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/nainya/chainkv/pkg/mmapstore"
)

const (
	// HeaderSize is the reserved region at the start of the file holding the
	// magic number. Records begin immediately after it.
	HeaderSize = 4096

	// MaxBlobSize bounds a single record's value, so a corrupted length
	// prefix can never cause an attempt to read gigabytes into memory.
	MaxBlobSize = 16 << 20

	// MaxOffset bounds how large the file may grow: offsets are stored as
	// 40-bit quantities wherever a caller packs one into a narrower field.
	MaxOffset = (1 << 40) - 1

	lengthPrefixSize = 4
)

// File is the append-only blob store. Every Append is immediately visible
// to a later Get within the same process; durability across a crash
// requires Sync.
type File struct {
	f    *os.File
	mu   sync.Mutex
	next int64 // offset the next Append will write at
}

// New creates a fresh flat file at path, which must not already exist.
func New(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatfile: create: %w", mmapstore.ErrIO)
	}
	header := make([]byte, HeaderSize)
	copy(header[0:8], mmapstore.MagicNumber[:])
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("flatfile: write header: %w", mmapstore.ErrIO)
	}
	return &File{f: f, next: HeaderSize}, nil
}

// Open reopens a flat file previously created with New, validating its
// magic number and resuming appends at the file's current end.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatfile: open: %w", mmapstore.ErrIO)
	}
	header := make([]byte, 8)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("flatfile: read header: %w", mmapstore.ErrIO)
	}
	var magic [8]byte
	copy(magic[:], header)
	if magic != mmapstore.MagicNumber {
		f.Close()
		return nil, mmapstore.ErrWrongMagicNumber
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flatfile: stat: %w", mmapstore.ErrIO)
	}
	next := info.Size()
	if next < HeaderSize {
		next = HeaderSize
	}
	return &File{f: f, next: next}, nil
}

// Append writes value as a new record ([len:u32 LE][bytes]) and returns the
// offset Get needs to read it back.
func (ff *File) Append(value []byte) (uint64, error) {
	if len(value) > MaxBlobSize {
		return 0, fmt.Errorf("flatfile: value of %d bytes exceeds MaxBlobSize: %w", len(value), mmapstore.ErrIO)
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()

	off := ff.next
	if uint64(off) > MaxOffset {
		return 0, fmt.Errorf("flatfile: offset %d exceeds MaxOffset: %w", off, mmapstore.ErrIO)
	}

	record := make([]byte, lengthPrefixSize+len(value))
	binary.LittleEndian.PutUint32(record[0:lengthPrefixSize], uint32(len(value)))
	copy(record[lengthPrefixSize:], value)

	if _, err := ff.f.WriteAt(record, off); err != nil {
		return 0, fmt.Errorf("flatfile: append: %w", mmapstore.ErrIO)
	}
	ff.next += int64(len(record))
	return uint64(off), nil
}

// Get reads back the record written at off by a prior Append.
func (ff *File) Get(off uint64) ([]byte, error) {
	prefix := make([]byte, lengthPrefixSize)
	if _, err := ff.f.ReadAt(prefix, int64(off)); err != nil {
		return nil, fmt.Errorf("flatfile: read length prefix at %d: %w", off, mmapstore.ErrIO)
	}
	n := binary.LittleEndian.Uint32(prefix)
	if n > MaxBlobSize {
		return nil, fmt.Errorf("flatfile: record length %d at offset %d exceeds MaxBlobSize: %w", n, off, mmapstore.ErrIO)
	}

	value := make([]byte, n)
	if _, err := ff.f.ReadAt(value, int64(off)+lengthPrefixSize); err != nil {
		return nil, fmt.Errorf("flatfile: read value at %d: %w", off, mmapstore.ErrIO)
	}
	return value, nil
}

// Sync fsyncs the underlying file.
func (ff *File) Sync() error {
	if err := ff.f.Sync(); err != nil {
		return fmt.Errorf("flatfile: sync: %w", mmapstore.ErrIO)
	}
	return nil
}

// Close closes the underlying file descriptor.
func (ff *File) Close() error {
	if err := ff.f.Close(); err != nil {
		return fmt.Errorf("flatfile: close: %w", mmapstore.ErrIO)
	}
	return nil
}
