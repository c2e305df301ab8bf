// Package txn implements MVCC over the copy-on-write B+-tree: a single
// atomically-swapped pointer to the latest committed Version, a FIFO of
// versions retired by a commit but possibly still pinned by a reader, and a
// single-writer InsertTx. Readers never block on the writer or on each
// other.
package txn

import (
	"sync/atomic"

	"github.com/nainya/chainkv/pkg/mmapstore"
)

// Version is one immutable, committed tree snapshot: a root page id, plus
// the page ids this commit rendered obsolete by shadowing them away from
// its predecessor. refcount tracks how many ReadTxs and retired-queue
// slots currently pin it, starting at 1 for the reference the
// latest-pointer (or, once superseded, the retirement queue) itself holds.
type Version struct {
	root      mmapstore.PageID
	obsoletes []mmapstore.PageID
	refcount  atomic.Int32
}

func newVersion(root mmapstore.PageID, obsoletes []mmapstore.PageID) *Version {
	v := &Version{root: root, obsoletes: obsoletes}
	v.refcount.Store(1)
	return v
}

// Root is the page id of this snapshot's tree root.
func (v *Version) Root() mmapstore.PageID { return v.root }

func (v *Version) retain() { v.refcount.Add(1) }

func (v *Version) release() int32 { return v.refcount.Add(-1) }

// ReadTx is a read-only, lock-free snapshot pinned to one Version.
type ReadTx struct {
	mgr     *Manager
	version *Version
	closed  bool
}

// Root is the page id this snapshot's operations descend from.
func (tx *ReadTx) Root() mmapstore.PageID { return tx.version.root }

// Close releases this snapshot's pin on its Version; calls after the first
// are no-ops. An unclosed ReadTx leaks its Version (and every page only it
// still reaches) until the process exits.
func (tx *ReadTx) Close() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.version.release()
}
