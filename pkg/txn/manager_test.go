// ABOUTME: Integration tests for MVCC snapshot isolation and commit/abort
// ABOUTME: Tests that a pinned ReadTx keeps seeing its snapshot across a concurrent commit

package txn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nainya/chainkv/pkg/btree"
	"github.com/nainya/chainkv/pkg/mmapstore"
)

const testKeyBufSize = 8
const testPageSize = 64

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	storage, err := mmapstore.OpenMmapStorage(f)
	if err != nil {
		t.Fatalf("OpenMmapStorage: %v", err)
	}
	pages := mmapstore.NewPages(storage, testPageSize)
	pm := mmapstore.NewPageManager()

	root := pm.NewID()
	if err := pages.Extend(root); err != nil {
		t.Fatalf("Extend root: %v", err)
	}
	wh := pages.MutPage(root)
	btree.InitLeaf(btree.Node(wh.Bytes()), testKeyBufSize)
	wh.Release()

	return NewManager(pages, f, testKeyBufSize, root, pm)
}

func TestInsertTxCommitVisibleToNewReadTx(t *testing.T) {
	mgr := newTestManager(t)

	tx := mgr.BeginInsert()
	if err := tx.Insert(btree.Uint64Key(1), 100); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tx.Commit()

	rtx := mgr.Begin()
	defer rtx.Close()
	val, found := rtx.Lookup(btree.Uint64Key(1))
	if !found || val != 100 {
		t.Fatalf("expected committed key visible: found=%v val=%d", found, val)
	}
}

func TestReadTxSnapshotIsolation(t *testing.T) {
	mgr := newTestManager(t)

	tx := mgr.BeginInsert()
	if err := tx.Insert(btree.Uint64Key(1), 100); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tx.Commit()

	// Pin a snapshot before the next write.
	oldSnapshot := mgr.Begin()
	defer oldSnapshot.Close()

	tx2 := mgr.BeginInsert()
	if err := tx2.Insert(btree.Uint64Key(2), 200); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tx2.Commit()

	// The pinned snapshot must not see the later commit.
	if _, found := oldSnapshot.Lookup(btree.Uint64Key(2)); found {
		t.Fatal("old snapshot should not see key inserted after it was pinned")
	}
	if val, found := oldSnapshot.Lookup(btree.Uint64Key(1)); !found || val != 100 {
		t.Fatal("old snapshot should still see key inserted before it was pinned")
	}

	// A fresh snapshot sees both.
	newSnapshot := mgr.Begin()
	defer newSnapshot.Close()
	if _, found := newSnapshot.Lookup(btree.Uint64Key(2)); !found {
		t.Fatal("new snapshot should see the later commit")
	}
}

func TestInsertTxAbortDiscardsChanges(t *testing.T) {
	mgr := newTestManager(t)

	tx := mgr.BeginInsert()
	if err := tx.Insert(btree.Uint64Key(1), 100); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tx.Abort()

	rtx := mgr.Begin()
	defer rtx.Close()
	if _, found := rtx.Lookup(btree.Uint64Key(1)); found {
		t.Fatal("aborted insert should not be visible")
	}

	// The writer slot must have been released by Abort.
	tx2 := mgr.BeginInsert()
	tx2.Commit()
}

func TestInsertTxDuplicateKeyLeavesTreeUnchanged(t *testing.T) {
	mgr := newTestManager(t)

	tx := mgr.BeginInsert()
	if err := tx.Insert(btree.Uint64Key(1), 100); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tx.Commit()

	tx2 := mgr.BeginInsert()
	err := tx2.Insert(btree.Uint64Key(1), 999)
	if err != mmapstore.ErrDuplicatedKey {
		t.Fatalf("expected ErrDuplicatedKey, got %v", err)
	}
	tx2.Abort()

	rtx := mgr.Begin()
	defer rtx.Close()
	val, found := rtx.Lookup(btree.Uint64Key(1))
	if !found || val != 100 {
		t.Fatalf("expected original value to survive rejected duplicate, got found=%v val=%d", found, val)
	}
}
