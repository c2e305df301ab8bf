package txn

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nainya/chainkv/pkg/btree"
	"github.com/nainya/chainkv/pkg/mmapstore"
)

// Manager coordinates the lock-free reader path against the single writer:
// an atomically swapped pointer to the latest committed Version, a FIFO of
// retired-but-possibly-still-pinned versions, and a writer mutex
// serializing InsertTx/Checkpoint against each other — never against
// readers, which only ever take an atomic load and an atomic increment.
type Manager struct {
	latest atomic.Pointer[Version]

	writerMu sync.Mutex
	pm       *mmapstore.PageManager // committed allocation state; touched only under writerMu

	retiredMu sync.Mutex
	retired   []*Version // oldest first

	pages         *mmapstore.Pages
	indexFile     *os.File
	keyBufferSize uint32
}

// NewManager constructs a Manager over an already-open Pages view, rooted
// at root with pm as the committed page-allocation state (both normally
// read back from Metadata by the caller on Open, or freshly initialized on
// New).
func NewManager(pages *mmapstore.Pages, indexFile *os.File, keyBufferSize uint32, root mmapstore.PageID, pm *mmapstore.PageManager) *Manager {
	m := &Manager{pages: pages, indexFile: indexFile, keyBufferSize: keyBufferSize, pm: pm}
	m.latest.Store(newVersion(root, nil))
	return m
}

// Begin pins the currently latest committed version for reading.
func (m *Manager) Begin() *ReadTx {
	v := m.latest.Load()
	v.retain()
	return &ReadTx{mgr: m, version: v}
}

// Lookup reads key as of this snapshot.
func (tx *ReadTx) Lookup(key btree.Key) (uint64, bool) {
	return btree.Lookup(tx.mgr.pages, tx.mgr.keyBufferSize, tx.version.root, key)
}

// InsertTx is the single in-flight write transaction. Only one may exist at
// a time; BeginInsert blocks until any prior one commits or aborts.
type InsertTx struct {
	mgr       *Manager
	pm        *mmapstore.PageManager // private clone, mutated freely until commit
	root      mmapstore.PageID
	obsoleted []mmapstore.PageID
	done      bool
}

// BeginInsert acquires the writer slot and opens a transaction rooted at
// the current latest version.
func (m *Manager) BeginInsert() *InsertTx {
	m.writerMu.Lock()
	latest := m.latest.Load()
	return &InsertTx{
		mgr:  m,
		pm:   m.pm.Clone(),
		root: latest.root,
	}
}

// Insert inserts (key, value) into this transaction's working tree. Returns
// mmapstore.ErrDuplicatedKey if key is already present.
func (tx *InsertTx) Insert(key btree.Key, value uint64) error {
	if tx.done {
		panic("txn: insert on a committed or aborted transaction")
	}
	newRoot, duplicate, obsoleted, err := btree.Insert(tx.mgr.pages, tx.pm, tx.mgr.keyBufferSize, tx.root, key, value)
	if err != nil {
		return fmt.Errorf("txn: %w", err)
	}
	if duplicate {
		return mmapstore.ErrDuplicatedKey
	}
	tx.root = newRoot
	tx.obsoleted = append(tx.obsoleted, obsoleted...)
	return nil
}

// Commit publishes this transaction's root as the new latest version,
// retires the version it superseded, adopts this transaction's page
// manager state as committed, and releases the writer slot.
func (tx *InsertTx) Commit() *Version {
	if tx.done {
		panic("txn: commit on an already-finished transaction")
	}
	tx.done = true

	next := newVersion(tx.root, tx.obsoleted)
	prev := tx.mgr.latest.Swap(next)
	tx.mgr.pm = tx.pm

	// prev's reference from the latest-pointer passes to the retired queue.
	tx.mgr.retiredMu.Lock()
	tx.mgr.retired = append(tx.mgr.retired, prev)
	tx.mgr.retiredMu.Unlock()

	tx.mgr.writerMu.Unlock()
	return next
}

// Abort discards this transaction without publishing it. Every page id
// allocated through tx.pm (shadow copies and split siblings alike) came
// from a private clone of the committed page manager, which Abort drops;
// the committed manager never recorded those allocations, so the next
// transaction hands the same ids out again.
func (tx *InsertTx) Abort() {
	if tx.done {
		panic("txn: abort on an already-finished transaction")
	}
	tx.done = true
	tx.mgr.writerMu.Unlock()
}
