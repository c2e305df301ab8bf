package mmapstore

// PageManager hands out fresh PageIds and recycles released ones. It holds
// no lock of its own: the transaction manager serializes all access to it
// behind the single-writer mutex, and a Clone is taken into each in-flight
// write so concurrent commits never observe a half-updated manager.
type PageManager struct {
	NextPage PageID
	FreeList []PageID
}

// NewPageManager starts numbering pages at 1; 0 stays the null sentinel.
func NewPageManager() *PageManager {
	return &PageManager{NextPage: 1}
}

// NewID returns a page id to write into, preferring a released page over
// growing the file.
func (pm *PageManager) NewID() PageID {
	if n := len(pm.FreeList); n > 0 {
		id := pm.FreeList[n-1]
		pm.FreeList = pm.FreeList[:n-1]
		return id
	}
	id := pm.NextPage
	pm.NextPage++
	return id
}

// Release marks id as reclaimable by a future NewID call. Callers must only
// release a page once nothing retains a reference to its old contents —
// the checkpointer is the only caller that may do this, after confirming a
// retired Version's refcount has dropped to the single reference the
// retired queue itself holds.
func (pm *PageManager) Release(id PageID) {
	pm.FreeList = append(pm.FreeList, id)
}

// Clone returns an independent copy, used to seed a new in-flight
// transaction's private view of page allocation without mutating the
// committed manager until that transaction actually commits.
func (pm *PageManager) Clone() *PageManager {
	fl := make([]PageID, len(pm.FreeList))
	copy(fl, pm.FreeList)
	return &PageManager{NextPage: pm.NextPage, FreeList: fl}
}
