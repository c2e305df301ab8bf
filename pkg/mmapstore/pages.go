package mmapstore

import (
	"fmt"
	"sync"
)

// PageID identifies a fixed-size page within the mapped file. 0 is the null
// sentinel and is never a valid allocated page.
type PageID uint32

const NullPageID PageID = 0

type borrowEntry struct {
	shared    int
	exclusive bool
}

// Pages cuts a MmapStorage into fixed-size pages and enforces a
// shared-xor-exclusive borrow on each one: any number of concurrent readers,
// or exactly one writer, never both. The table is process-local bookkeeping,
// not a disk lock.
type Pages struct {
	storage  *MmapStorage
	pageSize uint16

	// mu guards concurrent access to storage's internal chunk list (appended
	// to by Extend, walked by Get/GetMut) — not the lifetime of the bytes
	// those chunks hold. Because MmapStorage.Extend only ever appends a new
	// chunk and never remaps or unmaps an existing one, a body slice handed
	// out by GetPage/MutPage stays valid for as long as its ReadHandle or
	// WriteHandle is held, even past this lock's release and even across a
	// concurrent writer's Extend. That is what lets a ReadTx traversal keep
	// dereferencing page bytes while a writer is mid-split on another page.
	mu sync.RWMutex

	borrowMu sync.Mutex
	borrows  map[PageID]*borrowEntry
}

func NewPages(storage *MmapStorage, pageSize uint16) *Pages {
	return &Pages{
		storage:  storage,
		pageSize: pageSize,
		borrows:  make(map[PageID]*borrowEntry),
	}
}

func (p *Pages) PageSize() uint16 { return p.pageSize }

// The first pageSize bytes of the file are reserved for the Settings and
// Metadata records (see metadata.go) and are never handed out as a PageID;
// numbered pages start immediately after that header.
func (p *Pages) offset(id PageID) int64 {
	return int64(p.pageSize) + int64(id-1)*int64(p.pageSize)
}

// Extend grows the backing mapping so that page upToID is addressable.
func (p *Pages) Extend(upToID PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	needed := int64(p.pageSize) + int64(upToID)*int64(p.pageSize)
	return p.storage.Extend(needed)
}

// SyncFile fsyncs the backing file. Part of the checkpoint sequence, must be
// called before the metadata record naming the new root is written.
func (p *Pages) SyncFile() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.storage.Sync()
}

// ReadHandle is a shared borrow of one page's bytes.
type ReadHandle struct {
	pages *Pages
	id    PageID
	body  []byte
}

func (h ReadHandle) ID() PageID    { return h.id }
func (h ReadHandle) Bytes() []byte { return h.body }
func (h ReadHandle) Release()      { h.pages.release(h.id, false) }

// WriteHandle is an exclusive borrow of one page's bytes.
type WriteHandle struct {
	pages *Pages
	id    PageID
	body  []byte
}

func (h WriteHandle) ID() PageID    { return h.id }
func (h WriteHandle) Bytes() []byte { return h.body }
func (h WriteHandle) Release()      { h.pages.release(h.id, true) }

// GetPage takes a shared borrow on page id. Panics if the page is already
// exclusively borrowed — that is a programming error in the caller, never a
// condition this store can recover from. The returned handle's bytes stay
// valid for the handle's whole lifetime, including past a concurrent
// writer's Extend (see the comment on Pages.mu).
func (p *Pages) GetPage(id PageID) ReadHandle {
	if id == NullPageID {
		panic("mmapstore: page id 0 is the null sentinel")
	}
	p.borrowMu.Lock()
	e, ok := p.borrows[id]
	if !ok {
		e = &borrowEntry{}
		p.borrows[id] = e
	}
	if e.exclusive {
		p.borrowMu.Unlock()
		panic(fmt.Sprintf("mmapstore: page %d already exclusively borrowed", id))
	}
	e.shared++
	p.borrowMu.Unlock()

	p.mu.RLock()
	body := p.storage.Get(p.offset(id), int64(p.pageSize))
	p.mu.RUnlock()

	return ReadHandle{pages: p, id: id, body: body}
}

// MutPage takes an exclusive borrow on page id. The page must already be
// covered by the mapping (the caller is expected to have called Extend for
// any newly allocated id before mutating it). Panics on a conflicting
// borrow, for the same reason as GetPage.
func (p *Pages) MutPage(id PageID) WriteHandle {
	if id == NullPageID {
		panic("mmapstore: page id 0 is the null sentinel")
	}
	p.borrowMu.Lock()
	e, ok := p.borrows[id]
	if !ok {
		e = &borrowEntry{}
		p.borrows[id] = e
	}
	if e.exclusive || e.shared > 0 {
		p.borrowMu.Unlock()
		panic(fmt.Sprintf("mmapstore: page %d already borrowed", id))
	}
	e.exclusive = true
	p.borrowMu.Unlock()

	p.mu.RLock()
	body, err := p.storage.GetMut(p.offset(id), int64(p.pageSize))
	p.mu.RUnlock()
	if err != nil {
		p.release(id, true)
		panic(fmt.Sprintf("mmapstore: page %d not yet extended into the mapping: %v", id, err))
	}

	return WriteHandle{pages: p, id: id, body: body}
}

func (p *Pages) release(id PageID, exclusive bool) {
	p.borrowMu.Lock()
	defer p.borrowMu.Unlock()
	e := p.borrows[id]
	if e == nil {
		return
	}
	if exclusive {
		e.exclusive = false
	} else if e.shared > 0 {
		e.shared--
	}
	if e.shared == 0 && !e.exclusive {
		delete(p.borrows, id)
	}
}

// MakeShadow copies the raw bytes of page old into page new. new must
// already be allocated and extended into the mapping, and must not be
// currently borrowed. This is the core primitive of copy-on-write: every
// node mutated by a transaction is first shadowed onto a fresh page this
// way, so concurrent readers keep seeing old unchanged until commit.
func (p *Pages) MakeShadow(old, new PageID) {
	dst := p.MutPage(new)
	defer dst.Release()
	src := p.GetPage(old)
	defer src.Release()
	copy(dst.Bytes(), src.Bytes())
}
