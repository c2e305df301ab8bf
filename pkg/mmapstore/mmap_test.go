// ABOUTME: Unit tests for the grow-only mmap wrapper
// ABOUTME: Tests extend behavior (existing bytes survive growth) and read/write round trips

package mmapstore

import (
	"os"
	"path/filepath"
	"testing"
)

func openTempFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestMmapStorageEmptyFile(t *testing.T) {
	f := openTempFile(t)
	m, err := OpenMmapStorage(f)
	if err != nil {
		t.Fatalf("OpenMmapStorage: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected Len 0 on empty file, got %d", m.Len())
	}
}

func TestMmapStorageExtendAndWrite(t *testing.T) {
	f := openTempFile(t)
	m, err := OpenMmapStorage(f)
	if err != nil {
		t.Fatalf("OpenMmapStorage: %v", err)
	}

	if err := m.Extend(4096); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if m.Len() != 4096 {
		t.Fatalf("expected Len 4096, got %d", m.Len())
	}

	buf, err := m.GetMut(0, 8)
	if err != nil {
		t.Fatalf("GetMut: %v", err)
	}
	copy(buf, []byte("abcdefgh"))

	got := m.Get(0, 8)
	if string(got) != "abcdefgh" {
		t.Fatalf("expected abcdefgh, got %q", got)
	}
}

func TestMmapStorageGetMutNeedsExtend(t *testing.T) {
	f := openTempFile(t)
	m, err := OpenMmapStorage(f)
	if err != nil {
		t.Fatalf("OpenMmapStorage: %v", err)
	}
	if err := m.Extend(100); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	_, err = m.GetMut(90, 20)
	if err == nil {
		t.Fatal("expected NeedsExtendError, got nil")
	}
	ne, ok := err.(*NeedsExtendError)
	if !ok {
		t.Fatalf("expected *NeedsExtendError, got %T", err)
	}
	if ne.NeededLen != 110 {
		t.Fatalf("expected NeededLen 110, got %d", ne.NeededLen)
	}
}

func TestMmapStorageExtendPreservesContent(t *testing.T) {
	f := openTempFile(t)
	m, err := OpenMmapStorage(f)
	if err != nil {
		t.Fatalf("OpenMmapStorage: %v", err)
	}
	if err := m.Extend(64); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	buf, _ := m.GetMut(0, 4)
	copy(buf, []byte("ABCD"))

	if err := m.Extend(4096); err != nil {
		t.Fatalf("Extend again: %v", err)
	}
	got := m.Get(0, 4)
	if string(got) != "ABCD" {
		t.Fatalf("content lost across extend: got %q", got)
	}
}

func TestMmapStorageReopenSeesPersistedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m, err := OpenMmapStorage(f)
	if err != nil {
		t.Fatalf("OpenMmapStorage: %v", err)
	}
	if err := m.Extend(64); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	buf, _ := m.GetMut(0, 5)
	copy(buf, []byte("hello"))
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	m.Close()
	f.Close()

	f2, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	m2, err := OpenMmapStorage(f2)
	if err != nil {
		t.Fatalf("OpenMmapStorage on reopen: %v", err)
	}
	got := m2.Get(0, 5)
	if string(got) != "hello" {
		t.Fatalf("expected hello after reopen, got %q", got)
	}
}
