// ABOUTME: Integration tests for the copy-on-write insert/lookup backtrack
// ABOUTME: Tests multi-level splits and that old versions stay readable after shadowing

package btree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nainya/chainkv/pkg/mmapstore"
)

// smallPageSize yields leaf/internal capacities small enough to force splits
// and multi-level growth within a few dozen inserts.
const smallPageSize = 64

func newTestTree(t *testing.T) (*mmapstore.Pages, *mmapstore.PageManager, mmapstore.PageID) {
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
	pages := mmapstore.NewPages(storage, smallPageSize)
	pm := mmapstore.NewPageManager()

	root := pm.NewID()
	if err := pages.Extend(root); err != nil {
		t.Fatalf("Extend root: %v", err)
	}
	wh := pages.MutPage(root)
	InitLeaf(Node(wh.Bytes()), testKeyBufSize)
	wh.Release()

	return pages, pm, root
}

func TestInsertLookupManyKeysForcesSplits(t *testing.T) {
	pages, pm, root := newTestTree(t)

	const n = 200
	for i := uint64(0); i < n; i++ {
		newRoot, duplicate, _, err := Insert(pages, pm, testKeyBufSize, root, Uint64Key(i), i*10)
		if err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		if duplicate {
			t.Fatalf("Insert(%d): unexpected duplicate", i)
		}
		root = newRoot
	}

	for i := uint64(0); i < n; i++ {
		val, found := Lookup(pages, testKeyBufSize, root, Uint64Key(i))
		if !found {
			t.Fatalf("key %d not found after %d inserts", i, n)
		}
		if val != i*10 {
			t.Fatalf("key %d: got %d, want %d", i, val, i*10)
		}
	}
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	pages, pm, root := newTestTree(t)

	root, duplicate, _, err := Insert(pages, pm, testKeyBufSize, root, Uint64Key(1), 100)
	if err != nil || duplicate {
		t.Fatalf("first insert: err=%v duplicate=%v", err, duplicate)
	}

	_, duplicate, obsoleted, err := Insert(pages, pm, testKeyBufSize, root, Uint64Key(1), 200)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if !duplicate {
		t.Fatal("expected duplicate on re-inserting key 1")
	}
	if obsoleted != nil {
		t.Fatalf("expected no obsoleted pages on a duplicate, got %v", obsoleted)
	}

	val, found := Lookup(pages, testKeyBufSize, root, Uint64Key(1))
	if !found || val != 100 {
		t.Fatalf("expected original value 100 to survive a rejected duplicate insert, got %d", val)
	}
}

func TestInsertObsoletesOldPagesButOldRootStillReadable(t *testing.T) {
	pages, pm, root := newTestTree(t)

	root1, _, _, err := Insert(pages, pm, testKeyBufSize, root, Uint64Key(1), 10)
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	root2, _, obsoleted, err := Insert(pages, pm, testKeyBufSize, root1, Uint64Key(2), 20)
	if err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if len(obsoleted) == 0 {
		t.Fatal("expected at least one obsoleted page")
	}

	// root1 (the pre-shadow snapshot) must still resolve key 1 — its pages
	// were copied, not mutated in place.
	val, found := Lookup(pages, testKeyBufSize, root1, Uint64Key(1))
	if !found || val != 10 {
		t.Fatalf("old snapshot lost key 1: found=%v val=%d", found, val)
	}
	if _, found := Lookup(pages, testKeyBufSize, root1, Uint64Key(2)); found {
		t.Fatal("old snapshot should not see key 2, inserted after it was taken")
	}

	val, found = Lookup(pages, testKeyBufSize, root2, Uint64Key(2))
	if !found || val != 20 {
		t.Fatalf("new snapshot missing key 2: found=%v val=%d", found, val)
	}
}
