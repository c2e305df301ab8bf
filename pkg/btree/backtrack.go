package btree

import (
	"fmt"

	"github.com/nainya/chainkv/pkg/mmapstore"
)

// frame records one step of the root-to-leaf descent: the original
// (pre-shadow) page id of an internal node, and the index of the child
// pointer that was followed out of it. Once the child below is shadowed
// onto a new page, the frame tells RenameChild which pointer in this
// (about to be shadowed) parent needs rewriting.
type frame struct {
	pageID     mmapstore.PageID
	childIndex int
}

// Insert performs one copy-on-write insert: it descends from root to the
// leaf that should hold key, shadows that leaf onto a fresh page, inserts
// (key, value), and — if the leaf was full and split — walks back up the
// recorded descent stack, shadowing and updating each ancestor in turn,
// creating a new root if the split propagates all the way up.
//
// pm is the page manager for this in-flight write transaction (a private
// clone taken when the transaction began, per pkg/txn); Insert calls NewID
// on it for every page it shadows or allocates, but never touches the
// committed manager — the caller commits pm's resulting state itself.
//
// On success, obsoleted lists every page id this insert replaced (the
// pre-shadow ids of the leaf and every ancestor that was rewritten); the
// caller is responsible for releasing them to the free list once no live
// reader can still reach the version they belonged to. On a duplicate key,
// the leaf shadow already taken is simply abandoned: its page id stays
// consumed in pm and is not listed in obsoleted.
func Insert(pages *mmapstore.Pages, pm *mmapstore.PageManager, keyBufSize uint32, root mmapstore.PageID, key Key, value uint64) (newRoot mmapstore.PageID, duplicate bool, obsoleted []mmapstore.PageID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("btree: insert: %v", r)
		}
	}()

	var stack []frame
	cur := root
	for {
		rh := pages.GetPage(cur)
		node := Node(rh.Bytes())
		if node.IsLeaf() {
			rh.Release()
			break
		}
		in := AsInternal(node, keyBufSize)
		idx := in.ChildIndexFor(key)
		child := in.ChildAt(idx)
		rh.Release()
		stack = append(stack, frame{pageID: cur, childIndex: idx})
		cur = child
	}

	oldLeafID := cur
	newLeafID := allocatePage(pages, pm)
	pages.MakeShadow(oldLeafID, newLeafID)

	// Split siblings are written through their handles after allocate
	// returns, so their exclusive borrows are released when Insert returns.
	var siblingHandles []mmapstore.WriteHandle
	defer func() {
		for _, h := range siblingHandles {
			h.Release()
		}
	}()

	leafWH := pages.MutPage(newLeafID)
	leaf := AsLeaf(Node(leafWH.Bytes()), keyBufSize)
	result := leaf.Insert(key, value, func() (mmapstore.PageID, LeafNode) {
		id := allocatePage(pages, pm)
		wh := pages.MutPage(id)
		siblingHandles = append(siblingHandles, wh)
		return id, InitLeaf(Node(wh.Bytes()), keyBufSize)
	})
	leafWH.Release()

	if result.Status == LeafInsertDuplicate {
		return root, true, nil, nil
	}

	obsoleted = append(obsoleted, oldLeafID)

	oldChildID, newChildID := oldLeafID, newLeafID
	var promotedKey []byte
	var newSiblingID mmapstore.PageID
	splitting := result.Status == LeafInsertSplit
	if splitting {
		promotedKey = result.MidKey
		newSiblingID = result.NewPageID
	}

	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		newParentID := allocatePage(pages, pm)
		pages.MakeShadow(f.pageID, newParentID)

		wh := pages.MutPage(newParentID)
		in := AsInternal(Node(wh.Bytes()), keyBufSize)
		in.RenameChild(oldChildID, newChildID)

		if splitting {
			ires := in.Insert(f.childIndex, promotedKey, newSiblingID, func() (mmapstore.PageID, InternalNode) {
				id := allocatePage(pages, pm)
				sibWH := pages.MutPage(id)
				siblingHandles = append(siblingHandles, sibWH)
				return id, InitInternal(Node(sibWH.Bytes()), keyBufSize, mmapstore.NullPageID)
			})
			if ires.Status == InternalInsertSplit {
				promotedKey = ires.PromotedKey
				newSiblingID = ires.NewPageID
				splitting = true
			} else {
				splitting = false
			}
		}
		wh.Release()

		obsoleted = append(obsoleted, f.pageID)
		oldChildID, newChildID = f.pageID, newParentID
	}

	if splitting {
		newRootID := allocatePage(pages, pm)
		wh := pages.MutPage(newRootID)
		in := InitInternal(Node(wh.Bytes()), keyBufSize, newChildID)
		in.Insert(0, promotedKey, newSiblingID, func() (mmapstore.PageID, InternalNode) {
			panic("btree: fresh root split on first insert, capacity must be >= 1")
		})
		wh.Release()
		return newRootID, false, obsoleted, nil
	}

	return newChildID, false, obsoleted, nil
}

// Lookup descends from root to the leaf that would hold key and returns its
// value, using the same descent convention as Insert.
func Lookup(pages *mmapstore.Pages, keyBufSize uint32, root mmapstore.PageID, key Key) (value uint64, found bool) {
	cur := root
	for {
		rh := pages.GetPage(cur)
		node := Node(rh.Bytes())
		if node.IsLeaf() {
			leaf := AsLeaf(node, keyBufSize)
			value, found = leaf.Lookup(key)
			rh.Release()
			return value, found
		}
		in := AsInternal(node, keyBufSize)
		idx := in.ChildIndexFor(key)
		child := in.ChildAt(idx)
		rh.Release()
		cur = child
	}
}

func allocatePage(pages *mmapstore.Pages, pm *mmapstore.PageManager) mmapstore.PageID {
	id := pm.NewID()
	if err := pages.Extend(id); err != nil {
		panic(fmt.Sprintf("extend for page %d: %v", id, err))
	}
	return id
}
