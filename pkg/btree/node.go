package btree

import (
	"encoding/binary"

	"github.com/nainya/chainkv/pkg/mmapstore"
)

// On-disk node layout. Every page is either a leaf or an internal node,
// distinguished by an 8-byte tag, followed by an 8-byte key count, followed
// by a body whose shape depends on the tag. Keys are fixed-width
// (keyBufSize bytes each, configured in Settings), so every offset below is
// direct arithmetic — no offset table, unlike a variable-length-KV node.
//
//	leaf:     [tag u64][len u64][key0..keyN-1][val0..valN-1]      val: u64 LE
//	internal: [tag u64][len u64][key0..keyN-1][child0..childN]    child: u32 LE
const (
	tagInternal uint64 = 0
	tagLeaf     uint64 = 1

	headerSize  = 16 // tag + len
	valueSize   = 8
	childIDSize = 4
)

// Node is the raw byte buffer of one page, exactly as returned by a
// mmapstore page handle. It is only ever meaningful together with the
// tree's configured key buffer size, which LeafNode/InternalNode carry
// alongside it.
type Node []byte

func (n Node) tag() uint64 { return binary.LittleEndian.Uint64(n[0:8]) }
func (n Node) setTag(t uint64) {
	binary.LittleEndian.PutUint64(n[0:8], t)
}

// Len is the node's current key count.
func (n Node) Len() int { return int(binary.LittleEndian.Uint64(n[8:16])) }

func (n Node) setLen(l int) {
	binary.LittleEndian.PutUint64(n[8:16], uint64(l))
}

// IsLeaf reports whether the page's tag marks it as a leaf. The tag is the
// first thing ever written to a freshly allocated page, so an uninitialized
// page (all zero bytes) reads as tag 0 == internal with len 0, never leaf —
// callers must not call IsLeaf on a page they have not themselves
// initialized via InitLeaf/InitInternal or shadowed from one that was.
func (n Node) IsLeaf() bool { return n.tag() == tagLeaf }

// LeafNode views a page as a sorted array of (key, value-offset) pairs.
// value is the byte offset of the blob in the flat file (pkg/flatfile).
type LeafNode struct {
	buf           Node
	keyBufSize    uint32
}

// InitLeaf formats buf as an empty leaf.
func InitLeaf(buf Node, keyBufSize uint32) LeafNode {
	buf.setTag(tagLeaf)
	buf.setLen(0)
	return LeafNode{buf: buf, keyBufSize: keyBufSize}
}

// AsLeaf views an already-formatted leaf page.
func AsLeaf(buf Node, keyBufSize uint32) LeafNode {
	return LeafNode{buf: buf, keyBufSize: keyBufSize}
}

func (l LeafNode) Bytes() Node { return l.buf }
func (l LeafNode) Count() int  { return l.buf.Len() }

// Capacity is the largest key count a leaf of this page size can hold.
func (l LeafNode) Capacity() int {
	return (len(l.buf) - headerSize) / (int(l.keyBufSize) + valueSize)
}

func (l LeafNode) keyOffset(i int) int {
	return headerSize + i*int(l.keyBufSize)
}

func (l LeafNode) valOffset(i int, count int) int {
	return headerSize + count*int(l.keyBufSize) + i*valueSize
}

func (l LeafNode) keyBytes(i int, count int) []byte {
	off := l.keyOffset(i)
	return l.buf[off : off+int(l.keyBufSize)]
}

// KeyAt returns the raw bytes of the i'th key (0 <= i < Count()).
func (l LeafNode) KeyAt(i int) []byte { return l.keyBytes(i, l.Count()) }

// ValueAt returns the i'th value (a flatfile offset).
func (l LeafNode) ValueAt(i int) uint64 {
	off := l.valOffset(i, l.Count())
	return binary.LittleEndian.Uint64(l.buf[off : off+valueSize])
}

// search returns the index of key among count sorted keys, and whether it
// was found exactly. On failure the returned index is the sorted insertion
// point (0..count).
func (l LeafNode) search(key Key, count int) (int, bool) {
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		c := key.CompareTo(l.keyBytes(mid, count))
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// Lookup returns the value for key and whether it was present.
func (l LeafNode) Lookup(key Key) (uint64, bool) {
	idx, found := l.search(key, l.Count())
	if !found {
		return 0, false
	}
	return l.ValueAt(idx), true
}

type leafEntry struct {
	key []byte
	val uint64
}

func (l LeafNode) entries() []leafEntry {
	n := l.Count()
	es := make([]leafEntry, n)
	for i := 0; i < n; i++ {
		k := make([]byte, l.keyBufSize)
		copy(k, l.keyBytes(i, n))
		es[i] = leafEntry{key: k, val: l.ValueAt(i)}
	}
	return es
}

// rebuild overwrites the node's body with exactly the given entries, which
// must already be sorted and must fit within Capacity.
func (l LeafNode) rebuild(es []leafEntry) {
	n := len(es)
	l.buf.setLen(n)
	for i, e := range es {
		off := l.keyOffset(i)
		copy(l.buf[off:off+int(l.keyBufSize)], e.key)
	}
	for i, e := range es {
		off := l.valOffset(i, n)
		binary.LittleEndian.PutUint64(l.buf[off:off+valueSize], e.val)
	}
}

// LeafAllocator hands the splitting leaf a fresh, empty sibling page.
type LeafAllocator func() (mmapstore.PageID, LeafNode)

// LeafInsertStatus is the outcome of LeafNode.Insert.
type LeafInsertStatus int

const (
	LeafInsertOK LeafInsertStatus = iota
	LeafInsertDuplicate
	LeafInsertSplit
)

// LeafInsertResult reports what happened and, on a split, how to link the
// new sibling into the parent: MidKey is the smallest key of NewSibling,
// copied up to the parent rather than moved — it still lives in the
// sibling itself.
type LeafInsertResult struct {
	Status     LeafInsertStatus
	MidKey     []byte
	NewSibling LeafNode
	NewPageID  mmapstore.PageID
}

// Insert adds (key, value) in sorted order. If the leaf is already at
// capacity, it shadows the overflow onto a freshly allocated sibling page
// obtained from allocate and reports a split.
//
// Split merges the new entry into the existing entries in sorted order,
// keeps the first (len(merged)+1)/2 of them in this leaf and moves the rest
// to the sibling — so which physical leaf ends up holding which keys
// depends only on the keys, not on the order they were inserted in. See
// DESIGN.md for why this content-based split is what's implemented here.
func (l LeafNode) Insert(key Key, value uint64, allocate LeafAllocator) LeafInsertResult {
	n := l.Count()
	idx, found := l.search(key, n)
	if found {
		return LeafInsertResult{Status: LeafInsertDuplicate}
	}

	keyBuf := make([]byte, l.keyBufSize)
	key.Encode(keyBuf)

	old := l.entries()
	merged := make([]leafEntry, 0, n+1)
	merged = append(merged, old[:idx]...)
	merged = append(merged, leafEntry{key: keyBuf, val: value})
	merged = append(merged, old[idx:]...)

	if len(merged) <= l.Capacity() {
		l.rebuild(merged)
		return LeafInsertResult{Status: LeafInsertOK}
	}

	leftCount := (len(merged) + 1) / 2
	// allocate() may grow the mapping (mmapstore.Pages.Extend); l.buf stays
	// a valid view into it across that call because MmapStorage.Extend only
	// appends a new chunk and never remaps or unmaps the one l.buf points
	// into (see mmapstore.MmapStorage).
	newID, sibling := allocate()
	l.rebuild(merged[:leftCount])
	sibling.rebuild(merged[leftCount:])

	return LeafInsertResult{
		Status:     LeafInsertSplit,
		MidKey:     merged[leftCount].key,
		NewSibling: sibling,
		NewPageID:  newID,
	}
}

// InternalNode views a page as n separator keys and n+1 children: child i
// holds keys < key[i] for i==0, keys in [key[i-1], key[i]) for 0<i<n, and
// keys >= key[n-1] for i==n.
type InternalNode struct {
	buf        Node
	keyBufSize uint32
}

// InitInternal formats buf as an internal node with a single child and no
// separator keys — the shape a brand new root takes when a leaf first
// splits.
func InitInternal(buf Node, keyBufSize uint32, onlyChild mmapstore.PageID) InternalNode {
	buf.setTag(tagInternal)
	buf.setLen(0)
	in := InternalNode{buf: buf, keyBufSize: keyBufSize}
	binary.LittleEndian.PutUint32(in.buf[headerSize:headerSize+childIDSize], uint32(onlyChild))
	return in
}

func AsInternal(buf Node, keyBufSize uint32) InternalNode {
	return InternalNode{buf: buf, keyBufSize: keyBufSize}
}

func (in InternalNode) Bytes() Node { return in.buf }
func (in InternalNode) Count() int  { return in.buf.Len() }

// Capacity is the largest separator-key count an internal node of this
// page size can hold (i.e. Capacity()+1 children).
func (in InternalNode) Capacity() int {
	return (len(in.buf) - headerSize - childIDSize) / (int(in.keyBufSize) + childIDSize)
}

func (in InternalNode) keyOffset(i int) int {
	return headerSize + i*int(in.keyBufSize)
}

func (in InternalNode) childOffset(i int, count int) int {
	return headerSize + count*int(in.keyBufSize) + i*childIDSize
}

func (in InternalNode) keyBytes(i int, count int) []byte {
	off := in.keyOffset(i)
	return in.buf[off : off+int(in.keyBufSize)]
}

// KeyAt returns the raw bytes of separator key i (0 <= i < Count()).
func (in InternalNode) KeyAt(i int) []byte { return in.keyBytes(i, in.Count()) }

// ChildAt returns child i (0 <= i <= Count()).
func (in InternalNode) ChildAt(i int) mmapstore.PageID {
	off := in.childOffset(i, in.Count())
	return mmapstore.PageID(binary.LittleEndian.Uint32(in.buf[off : off+childIDSize]))
}

func (in InternalNode) setChildAt(i int, count int, id mmapstore.PageID) {
	off := in.childOffset(i, count)
	binary.LittleEndian.PutUint32(in.buf[off:off+childIDSize], uint32(id))
}

// ChildIndexFor returns the index of the child that must hold query, using
// the pinned "right child >= separator key" descent convention: a binary
// search hit at position p descends into child p+1 (since key[p] is the
// smallest key child p+1 can hold); a miss at insertion point p descends
// into child p. The result is always a valid child index (0..Count()).
func (in InternalNode) ChildIndexFor(query Key) int {
	n := in.Count()
	idx, found := in.search(query, n)
	if found {
		idx++
	}
	if idx > n {
		idx = n
	}
	return idx
}

func (in InternalNode) search(key Key, count int) (int, bool) {
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		c := key.CompareTo(in.keyBytes(mid, count))
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// RenameChild rewrites the child pointer equal to old to new. Used when a
// child is shadowed onto a new page id: the parent frame captured during
// descent must be updated to point at the shadow before the parent itself
// is (or isn't) shadowed in turn. Panics if old is not one of this node's
// children, which would mean the backtrack stack is corrupt.
func (in InternalNode) RenameChild(old, new mmapstore.PageID) {
	n := in.Count()
	for i := 0; i <= n; i++ {
		if in.ChildAt(i) == old {
			in.setChildAt(i, n, new)
			return
		}
	}
	panic("btree: rename_parent: old child id not found in parent frame")
}

type internalEntry struct {
	key   []byte
	child mmapstore.PageID
}

func (in InternalNode) firstChild() mmapstore.PageID { return in.ChildAt(0) }

func (in InternalNode) entries() []internalEntry {
	n := in.Count()
	es := make([]internalEntry, n)
	for i := 0; i < n; i++ {
		k := make([]byte, in.keyBufSize)
		copy(k, in.keyBytes(i, n))
		es[i] = internalEntry{key: k, child: in.ChildAt(i + 1)}
	}
	return es
}

func (in InternalNode) rebuild(first mmapstore.PageID, es []internalEntry) {
	n := len(es)
	in.buf.setLen(n)
	in.setChildAt(0, n, first)
	for i, e := range es {
		off := in.keyOffset(i)
		copy(in.buf[off:off+int(in.keyBufSize)], e.key)
	}
	for i, e := range es {
		in.setChildAt(i+1, n, e.child)
	}
}

// InternalAllocator hands the splitting internal node a fresh, empty
// sibling page.
type InternalAllocator func() (mmapstore.PageID, InternalNode)

type InternalInsertStatus int

const (
	InternalInsertOK InternalInsertStatus = iota
	InternalInsertSplit
)

// InternalInsertResult reports what happened and, on a split, the key
// promoted up to the grandparent (removed from both halves, unlike a leaf
// split's MidKey).
type InternalInsertResult struct {
	Status      InternalInsertStatus
	PromotedKey []byte
	NewSibling  InternalNode
	NewPageID   mmapstore.PageID
}

// Insert places (key, rightChild) at position idx — the separator slot
// immediately after the child the caller descended through. Precondition:
// idx is the index the caller's earlier descent already identified (via
// ChildIndexFor on the pre-split node); Insert does no comparisons of its
// own, trusting that placement.
func (in InternalNode) Insert(idx int, key []byte, rightChild mmapstore.PageID, allocate InternalAllocator) InternalInsertResult {
	n := in.Count()
	old := in.entries()
	merged := make([]internalEntry, 0, n+1)
	merged = append(merged, old[:idx]...)
	kb := make([]byte, in.keyBufSize)
	copy(kb, key)
	merged = append(merged, internalEntry{key: kb, child: rightChild})
	merged = append(merged, old[idx:]...)

	if len(merged) <= in.Capacity() {
		in.rebuild(in.firstChild(), merged)
		return InternalInsertResult{Status: InternalInsertOK}
	}

	// merged holds Capacity()+1 entries; promote the one at the midpoint,
	// splitting the remaining Capacity() keys as evenly as the odd case
	// allows (see DESIGN.md on the internal min-fill edge case).
	mid := len(merged) / 2
	promoted := merged[mid]
	left := merged[:mid]
	right := merged[mid+1:]

	// See the equivalent comment in LeafNode.Insert: in.buf survives this
	// allocate() call even if it grows the mapping.
	newID, sibling := allocate()
	in.rebuild(in.firstChild(), left)
	sibling.rebuild(promoted.child, right)

	return InternalInsertResult{
		Status:      InternalInsertSplit,
		PromotedKey: promoted.key,
		NewSibling:  sibling,
		NewPageID:   newID,
	}
}
