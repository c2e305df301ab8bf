// Package mmapstore implements the paged, memory-mapped storage layer that
// backs the copy-on-write B+-tree: a chunked, grow-only mmap over a single
// file (MmapStorage), fixed-size pages cut out of it with a borrow
// discipline (Pages), and the persisted Metadata/Settings records.
package mmapstore

import (
	"fmt"
	"os"
	"syscall"
)

// NeedsExtendError is returned by MmapStorage.GetMut when the requested
// region lies beyond the current mapping; NeededLen is the file length the
// caller must Extend to before retrying.
type NeedsExtendError struct {
	NeededLen int64
}

func (e *NeedsExtendError) Error() string {
	return fmt.Sprintf("mmapstore: region requires file length %d", e.NeededLen)
}

// chunkGranularity is the size, and alignment, of every chunk MmapStorage
// maps. mmap(2) requires its file offset argument to be a multiple of the
// OS page size; 1 MiB is a multiple of every page size Linux actually ships
// (4 KiB, 16 KiB, 64 KiB), so chunk boundaries stay legal mmap offsets
// regardless of this store's own (much smaller, and configurable) page
// size. Matches the doubling-by-a-fixed-unit growth the teacher's
// extendMmap uses, simplified to a fixed unit since this store's pages are
// far smaller than the teacher's 64 MiB starting chunk.
const chunkGranularity = 1 << 20

// MmapStorage wraps an OS file with an append-only list of mmap'd chunks.
// Growing the mapping (Extend) never unmaps or remaps an existing chunk —
// it only mmaps one new chunk covering the newly added region and appends
// it to the list. A slice returned by an earlier Get/GetMut therefore
// stays valid for as long as its owner holds it, even across a later
// Extend from a concurrent writer; nothing needs to re-fetch its buffer
// after someone else grows the file. This mirrors the teacher's
// mmap.chunks []byte / extendMmap (pkg/storage/kv.go), trading a single
// contiguous region for that invalidation-free growth.
type MmapStorage struct {
	file    *os.File
	fileLen int64    // logical length Extend has been asked to cover
	mapped  int64    // total bytes actually mmapped so far (>= fileLen, a multiple of chunkGranularity)
	chunks  [][]byte // never shrinks; elements are never remapped once appended
}

// OpenMmapStorage maps the current contents of file, if any, as one
// initial chunk, rounded up (file included) to a multiple of
// chunkGranularity.
func OpenMmapStorage(file *os.File) (*MmapStorage, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmapstore: stat: %w", err)
	}

	m := &MmapStorage{file: file}
	if info.Size() > 0 {
		if err := m.growTo(info.Size()); err != nil {
			return nil, err
		}
		m.fileLen = info.Size()
	}
	return m, nil
}

// Len returns the logical length of the store (the file length the last
// Extend was asked to cover), which may be smaller than what is actually
// mmapped.
func (m *MmapStorage) Len() int64 {
	return m.fileLen
}

// Get returns a slice of length length at offset off. The caller must
// guarantee the region lies within the current logical length. The
// returned slice remains valid indefinitely, including across later calls
// to Extend.
func (m *MmapStorage) Get(off, length int64) []byte {
	chunk, chunkOff := m.locate(off)
	return chunk[chunkOff : chunkOff+length]
}

// GetMut behaves like Get but returns NeedsExtendError, carrying the file
// length the region would require, when the region exceeds the current
// logical length instead of panicking.
func (m *MmapStorage) GetMut(off, length int64) ([]byte, error) {
	if off+length > m.fileLen {
		return nil, &NeedsExtendError{NeededLen: off + length}
	}
	chunk, chunkOff := m.locate(off)
	return chunk[chunkOff : chunkOff+length], nil
}

// locate finds the chunk containing byte offset off and the offset within
// that chunk. Every region ever handed out by Get/GetMut is page-sized and
// page-aligned (Pages never asks for anything else), and chunk boundaries
// always land on a multiple of chunkGranularity, which is itself always a
// multiple of the page size in use — so no region ever straddles a chunk
// boundary.
func (m *MmapStorage) locate(off int64) (chunk []byte, chunkOff int64) {
	base := int64(0)
	for _, c := range m.chunks {
		if off < base+int64(len(c)) {
			return c, off - base
		}
		base += int64(len(c))
	}
	panic(fmt.Sprintf("mmapstore: offset %d outside mapped region (mapped %d)", off, m.mapped))
}

// Extend grows the backing file to newLen (a no-op if it is already at
// least that long) and, if newLen exceeds what is currently mapped, maps
// one additional chunk to cover the shortfall. Existing chunks — and every
// slice a caller is holding into them — are left untouched.
func (m *MmapStorage) Extend(newLen int64) error {
	if newLen <= m.fileLen {
		return nil
	}
	if newLen > m.mapped {
		if err := m.growTo(newLen); err != nil {
			return err
		}
	}
	m.fileLen = newLen
	return nil
}

// growTo ensures at least newLen bytes are mapped, truncating the backing
// file up to the new mapped capacity (rounded up to chunkGranularity) and
// mmapping the shortfall as one new chunk at the current mapped offset.
func (m *MmapStorage) growTo(newLen int64) error {
	target := m.mapped
	for target < newLen {
		target += chunkGranularity
	}
	if err := m.file.Truncate(target); err != nil {
		return fmt.Errorf("mmapstore: truncate: %w", err)
	}
	chunkLen := target - m.mapped
	chunk, err := syscall.Mmap(int(m.file.Fd()), m.mapped, int(chunkLen), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmapstore: mmap: %w", err)
	}
	m.chunks = append(m.chunks, chunk)
	m.mapped = target
	return nil
}

// Sync flushes dirty mapped pages to disk by fsyncing the backing file
// descriptor, which is sufficient for a MAP_SHARED mapping on Linux.
func (m *MmapStorage) Sync() error {
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("mmapstore: fsync: %w", err)
	}
	return nil
}

// Close unmaps every chunk. It does not close the underlying *os.File.
func (m *MmapStorage) Close() error {
	for _, c := range m.chunks {
		if err := syscall.Munmap(c); err != nil {
			return fmt.Errorf("mmapstore: munmap: %w", err)
		}
	}
	m.chunks = nil
	return nil
}
