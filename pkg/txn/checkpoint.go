package txn

import (
	"fmt"

	"github.com/nainya/chainkv/pkg/mmapstore"
)

// Checkpointer reclaims retired versions and persists the durable Metadata
// record. It walks the retired queue from its oldest entry, popping and
// releasing every version whose only remaining reference is the queue
// itself (refcount == 1 — no ReadTx still pins it, and by FIFO order
// nothing older can be pinned either), then fsyncs pages and rewrites
// Metadata, in that order.
type Checkpointer struct {
	mgr *Manager
}

func NewCheckpointer(mgr *Manager) *Checkpointer {
	return &Checkpointer{mgr: mgr}
}

// Run reclaims what it can and writes a fresh Metadata record. It takes the
// same writer mutex a Commit does — a checkpoint never blocks a reader,
// only ever serializes against a concurrent Commit mutating mgr.pm.
//
// Pages are fsynced before Metadata is rewritten, never after: that
// ordering is what makes a crash mid-checkpoint safe. A crash before the
// fsync leaves the old Metadata record (old root, every page it reaches
// untouched by this checkpoint) as the recovered state. A crash after
// Metadata is rewritten but before its own fsync completes can still lose
// the new record, but never observes a new root pointing at pages that
// were never made durable.
func (c *Checkpointer) Run() (reclaimed int, err error) {
	c.mgr.writerMu.Lock()
	defer c.mgr.writerMu.Unlock()

	c.mgr.retiredMu.Lock()
	for len(c.mgr.retired) > 0 {
		front := c.mgr.retired[0]
		if front.refcount.Load() != 1 {
			break
		}
		c.mgr.retired = c.mgr.retired[1:]
		for _, id := range front.obsoletes {
			c.mgr.pm.Release(id)
		}
		reclaimed++
	}
	c.mgr.retiredMu.Unlock()

	if err := c.mgr.pages.SyncFile(); err != nil {
		return reclaimed, fmt.Errorf("txn: checkpoint: sync pages: %w", err)
	}

	latest := c.mgr.latest.Load()
	meta := mmapstore.Metadata{
		Root:     latest.root,
		NextPage: c.mgr.pm.NextPage,
		FreeList: c.mgr.pm.FreeList,
	}
	if err := mmapstore.WriteMetadata(c.mgr.indexFile, c.mgr.pages.PageSize(), meta); err != nil {
		return reclaimed, fmt.Errorf("txn: checkpoint: write metadata: %w", err)
	}
	return reclaimed, nil
}
