// ABOUTME: Unit tests for the append-only blob file
// ABOUTME: Tests append/get round trips, persistence across reopen, and size limits

package flatfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nainya/chainkv/pkg/mmapstore"
)

func TestAppendGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.blob")
	ff, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ff.Close()

	off, err := ff.Append([]byte("hello world"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := ff.Get(off)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestAppendMultipleRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.blob")
	ff, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ff.Close()

	values := [][]byte{[]byte("one"), []byte("two"), []byte(""), []byte("a longer value here")}
	offsets := make([]uint64, len(values))
	for i, v := range values {
		off, err := ff.Append(v)
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		offsets[i] = off
	}

	for i, v := range values {
		got, err := ff.Get(offsets[i])
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !bytes.Equal(got, v) {
			t.Fatalf("record %d: got %q, want %q", i, got, v)
		}
	}
}

func TestOpenAfterCloseSeesPersistedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.blob")
	ff, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	off, err := ff.Append([]byte("durable value"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := ff.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := ff.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ff2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ff2.Close()

	got, err := ff2.Get(off)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !bytes.Equal(got, []byte("durable value")) {
		t.Fatalf("got %q after reopen, want %q", got, "durable value")
	}
}

func TestOpenAppendsAfterExistingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.blob")
	ff, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	off1, err := ff.Append([]byte("first"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	ff.Close()

	ff2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ff2.Close()

	off2, err := ff2.Append([]byte("second"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	got1, err := ff2.Get(off1)
	if err != nil || !bytes.Equal(got1, []byte("first")) {
		t.Fatalf("record 1 corrupted after reopen: got %q, err %v", got1, err)
	}
	got2, err := ff2.Get(off2)
	if err != nil || !bytes.Equal(got2, []byte("second")) {
		t.Fatalf("record 2 wrong: got %q, err %v", got2, err)
	}
}

func TestOpenRejectsWrongMagicNumber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-flatfile")
	garbage := make([]byte, HeaderSize)
	copy(garbage, []byte("not the magic"))
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Open(path)
	if err != mmapstore.ErrWrongMagicNumber {
		t.Fatalf("expected ErrWrongMagicNumber, got %v", err)
	}
}

func TestAppendRejectsOversizedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.blob")
	ff, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ff.Close()

	_, err = ff.Append(make([]byte, MaxBlobSize+1))
	if err == nil {
		t.Fatal("expected error for a value exceeding MaxBlobSize")
	}
}
