package shadow

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap is a word-packed array of boolean flags, one bit per page or
// per physical slot. The zero length bitmap is valid and empty.
type Bitmap []uint64

// NewBitmap returns a bitmap able to hold n flags.
func NewBitmap(n uint32) Bitmap {
	return make(Bitmap, (n+63)/64)
}

// Get returns the flag at index i.
func (b Bitmap) Get(i uint32) bool {
	return b[i/64]&(uint64(1)<<(i%64)) != 0
}

// Set sets the flag at index i. Not safe for concurrent use on the
// same word; use SetAtomic from parallel work items.
func (b Bitmap) Set(i uint32) {
	b[i/64] |= uint64(1) << (i % 64)
}

// Clear clears the flag at index i.
func (b Bitmap) Clear(i uint32) {
	b[i/64] &^= uint64(1) << (i % 64)
}

// SetAtomic sets the flag at index i with atomic read-modify-write,
// so work items that share a word may run concurrently. It returns
// whether the bit was newly set.
func (b Bitmap) SetAtomic(i uint32) bool {
	w := &b[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := atomic.LoadUint64(w)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(w, old, old|mask) {
			return true
		}
	}
}

// ClearAtomic clears the flag at index i with atomic read-modify-write.
func (b Bitmap) ClearAtomic(i uint32) {
	w := &b[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := atomic.LoadUint64(w)
		if old&mask == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(w, old, old&^mask) {
			return
		}
	}
}

// Reset clears every flag.
func (b Bitmap) Reset() {
	for i := range b {
		b[i] = 0
	}
}

// Count returns the number of set flags.
func (b Bitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Clone returns an independent copy of the bitmap.
func (b Bitmap) Clone() Bitmap {
	c := make(Bitmap, len(b))
	copy(c, b)
	return c
}
