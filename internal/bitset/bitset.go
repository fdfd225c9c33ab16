package bitset

import (
	"math/bits"
	"sync/atomic"
)

// BitSet is a thread-safe, lock-free, fixed-size bitset.
type BitSet struct {
	words []atomic.Uint64
	size  uint64
}

// New creates a new BitSet holding size bits, all clear.
func New(size uint64) *BitSet {
	return &BitSet{
		words: make([]atomic.Uint64, (size+63)/64),
		size:  size,
	}
}

// Len returns the number of bits in the set.
func (b *BitSet) Len() uint64 {
	return b.size
}

// TestAndSet sets the bit at the given index and returns true if it was ALREADY set.
// Indices outside the set report true so that callers never count them.
func (b *BitSet) TestAndSet(i uint64) bool {
	if i >= b.size {
		return true
	}
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)

	// Optimistic check
	if w.Load()&mask != 0 {
		return true
	}
	for {
		old := w.Load()
		if old&mask != 0 {
			return true
		}
		if w.CompareAndSwap(old, old|mask) {
			return false
		}
	}
}

// Unset clears the bit at the given index.
func (b *BitSet) Unset(i uint64) {
	if i >= b.size {
		return
	}
	b.words[i/64].And(^(uint64(1) << (i % 64)))
}

// Test returns true if the bit at the given index is set.
func (b *BitSet) Test(i uint64) bool {
	if i >= b.size {
		return false
	}
	return b.words[i/64].Load()&(uint64(1)<<(i%64)) != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() uint64 {
	var n int
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return uint64(n)
}

// Full reports whether every bit is set.
func (b *BitSet) Full() bool {
	return b.Count() == b.size
}

// ForEach calls fn for every set bit in ascending order.
// Bits set concurrently may or may not be observed.
func (b *BitSet) ForEach(fn func(i uint64) bool) {
	for wi := range b.words {
		w := b.words[wi].Load()
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			if !fn(uint64(wi)*64 + uint64(tz)) {
				return
			}
			w &= w - 1
		}
	}
}

// FirstClear returns the lowest clear index, or Len() if the set is full.
func (b *BitSet) FirstClear() uint64 {
	for wi := range b.words {
		w := ^b.words[wi].Load()
		if w == 0 {
			continue
		}
		i := uint64(wi)*64 + uint64(bits.TrailingZeros64(w))
		if i >= b.size {
			break
		}
		return i
	}
	return b.size
}

// Reset clears all bits.
func (b *BitSet) Reset() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}
