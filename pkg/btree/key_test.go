// ABOUTME: Unit tests for the Key interface's reference implementation
// ABOUTME: Tests Uint64Key's encode/compare ordering

package btree

import "testing"

func TestUint64KeyEncodeCompareRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	Uint64Key(42).Encode(buf)
	if Uint64Key(42).CompareTo(buf) != 0 {
		t.Fatal("expected equal")
	}
	if Uint64Key(41).CompareTo(buf) >= 0 {
		t.Fatal("expected 41 < 42")
	}
	if Uint64Key(43).CompareTo(buf) <= 0 {
		t.Fatal("expected 43 > 42")
	}
}

func TestUint64KeyByteOrderPreservesNumericOrder(t *testing.T) {
	keys := []Uint64Key{0, 1, 255, 256, 65535, 65536, 1 << 40}
	bufs := make([][]byte, len(keys))
	for i, k := range keys {
		buf := make([]byte, 8)
		k.Encode(buf)
		bufs[i] = buf
	}
	for i := 1; i < len(keys); i++ {
		if keys[i].CompareTo(bufs[i-1]) <= 0 {
			t.Fatalf("expected key %d to compare greater than encoded %d", keys[i], keys[i-1])
		}
	}
}
