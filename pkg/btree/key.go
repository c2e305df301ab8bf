// Package btree implements the fixed-width-key, copy-on-write B+-tree node
// codec and the insert backtrack that drives shadow paging over
// pkg/mmapstore's pages.
package btree

// Key is a totally ordered, fixed-width token. Implementations encode to
// exactly the tree's configured key buffer size; nothing in Open/New checks
// that a caller's Key type fits Settings.KeyBufferSize.
type Key interface {
	// Encode writes this key's canonical on-disk representation into buf.
	// len(buf) is always the tree's key buffer size.
	Encode(buf []byte)
	// CompareTo returns <0, 0, >0 as this key is less than, equal to, or
	// greater than the key encoded in buf, using the same domain ordering
	// Encode's representation is chosen to preserve.
	CompareTo(buf []byte) int
}

// Uint64Key is a Key backed by a big-endian uint64, which is also byte-order
// preserving — useful directly for numeric primary keys (e.g. a
// monotonic block height) and as the reference implementation exercised by
// this package's own tests.
type Uint64Key uint64

func (k Uint64Key) Encode(buf []byte) {
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = byte(k)
		k >>= 8
	}
}

func (k Uint64Key) CompareTo(buf []byte) int {
	var other uint64
	for _, b := range buf {
		other = other<<8 | uint64(b)
	}
	switch {
	case uint64(k) < other:
		return -1
	case uint64(k) > other:
		return 1
	default:
		return 0
	}
}
