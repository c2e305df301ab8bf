package mmapstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// MagicNumber tags every chainkv index file. Chosen to match the flatfile
// magic (pkg/flatfile) so both halves of a store are recognizable from a
// hex dump with the same 8 bytes.
var MagicNumber = [8]byte{0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88}

// Settings is written once, at New, and never rewritten: every later Open
// reads it back, rejects a record with the wrong magic number or with
// values that fail Validate, and uses the stored page_size/key_buffer_size.
type Settings struct {
	PageSize      uint16
	KeyBufferSize uint32
}

const settingsSize = 2 + 4 + 8 // page_size + key_buffer_size + magic

// Validate checks page_size/key_buffer_size against the configuration
// table: page_size must be a power of two large enough to fit at least 3
// keys per internal node (the minimum for splits to terminate), and
// key_buffer_size must leave room for at least 4 of them per page.
// Construction-time error, never a panic — New/Open call this before
// touching disk.
func (s Settings) Validate() error {
	if s.PageSize == 0 || s.PageSize&(s.PageSize-1) != 0 {
		return fmt.Errorf("chainkv: page_size %d is not a power of two: %w", s.PageSize, ErrInvalidSettings)
	}
	minPageSize := 2*8 + 3*uint32(s.KeyBufferSize) + 4*4
	if uint32(s.PageSize) <= minPageSize {
		return fmt.Errorf("chainkv: page_size %d too small for key_buffer_size %d (need > %d): %w", s.PageSize, s.KeyBufferSize, minPageSize, ErrInvalidSettings)
	}
	if s.KeyBufferSize == 0 || s.KeyBufferSize > uint32(s.PageSize)/4 {
		return fmt.Errorf("chainkv: key_buffer_size %d exceeds page_size/4 (%d): %w", s.KeyBufferSize, s.PageSize/4, ErrInvalidSettings)
	}
	return nil
}

func (s Settings) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], s.PageSize)
	binary.LittleEndian.PutUint32(buf[2:6], s.KeyBufferSize)
	copy(buf[6:14], MagicNumber[:])
}

func decodeSettings(buf []byte) (Settings, error) {
	var magic [8]byte
	copy(magic[:], buf[6:14])
	if magic != MagicNumber {
		return Settings{}, ErrWrongMagicNumber
	}
	return Settings{
		PageSize:      binary.LittleEndian.Uint16(buf[0:2]),
		KeyBufferSize: binary.LittleEndian.Uint32(buf[2:6]),
	}, nil
}

// Metadata is the single record naming the current committed tree shape: the
// root page and the page manager's allocation state. It is rewritten in
// full at every checkpoint, after the shadowed pages it refers to have
// already been fsynced — so a crash either sees the old Metadata (old root,
// still valid) or the new one (new root, all its pages durable), never a
// torn mix.
type Metadata struct {
	Root     PageID
	NextPage PageID
	FreeList []PageID
}

func metadataSize(freeListLen int) int {
	return 4 + 4 + 4 + freeListLen*4
}

func (m Metadata) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Root))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.NextPage))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.FreeList)))
	off := 12
	for _, id := range m.FreeList {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(id))
		off += 4
	}
}

func decodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) < 12 {
		return Metadata{}, fmt.Errorf("mmapstore: truncated metadata record: %w", ErrIO)
	}
	root := PageID(binary.LittleEndian.Uint32(buf[0:4]))
	next := PageID(binary.LittleEndian.Uint32(buf[4:8]))
	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	if 12+n*4 > len(buf) {
		return Metadata{}, fmt.Errorf("mmapstore: truncated free list (%d entries): %w", n, ErrIO)
	}
	fl := make([]PageID, n)
	off := 12
	for i := 0; i < n; i++ {
		fl[i] = PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return Metadata{Root: root, NextPage: next, FreeList: fl}, nil
}

// metadataOffset is where the Metadata record begins within the reserved
// header page, right after the fixed-size Settings record.
func metadataOffset() int64 { return settingsSize }

// WriteSettings writes the Settings record in place. Called exactly once,
// when New creates the file.
func WriteSettings(file *os.File, s Settings) error {
	buf := make([]byte, settingsSize)
	s.encode(buf)
	if _, err := file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("mmapstore: write settings: %w", ErrIO)
	}
	return nil
}

// ReadSettings reads back the Settings record written by WriteSettings.
func ReadSettings(file *os.File) (Settings, error) {
	buf := make([]byte, settingsSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return Settings{}, fmt.Errorf("mmapstore: read settings: %w", ErrIO)
	}
	return decodeSettings(buf)
}

// WriteMetadata rewrites the Metadata record and fsyncs the file. Callers
// are responsible for having already fsynced every page the new Metadata
// refers to (see txn.Checkpointer) — metadata durability only matters once
// the pages it points at are themselves durable.
func WriteMetadata(file *os.File, pageSize uint16, m Metadata) error {
	buf := make([]byte, metadataSize(len(m.FreeList)))
	m.encode(buf)
	if int64(len(buf)) > int64(pageSize)-metadataOffset() {
		return fmt.Errorf("mmapstore: metadata record (%d bytes) exceeds reserved header room: %w", len(buf), ErrIO)
	}
	if _, err := file.WriteAt(buf, metadataOffset()); err != nil {
		return fmt.Errorf("mmapstore: write metadata: %w", ErrIO)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("mmapstore: fsync metadata: %w", ErrIO)
	}
	return nil
}

// ReadMetadata reads the most recently written Metadata record. It reads
// the rest of the header page, which is always enough since WriteMetadata
// refuses to write a record that doesn't fit one; a file that ends before
// the header page does is read up to its end.
func ReadMetadata(file *os.File, pageSize uint16) (Metadata, error) {
	buf := make([]byte, int64(pageSize)-metadataOffset())
	n, err := file.ReadAt(buf, metadataOffset())
	if err != nil && !errors.Is(err, io.EOF) {
		return Metadata{}, fmt.Errorf("mmapstore: read metadata: %w", ErrIO)
	}
	return decodeMetadata(buf[:n])
}
