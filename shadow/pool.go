package shadow

import (
	"math/bits"
	"sync/atomic"
)

// PageState describes what a physical slot currently holds.
type PageState uint8

const (
	// PageEmpty means the slot holds nothing usable.
	PageEmpty PageState = iota
	// PageAllocated means the slot was freshly allocated this frame and
	// has not been rendered yet.
	PageAllocated
	// PageCached means the slot holds rendered content that may be
	// reused by a later frame.
	PageCached
)

// PhysPageMeta is the per-slot metadata record.
type PhysPageMeta struct {
	// Owner is the global flat page-table index of the virtual page
	// this slot backs. Only valid when State != PageEmpty.
	Owner uint32
	// Age is the frame number the slot's content was last rendered.
	Age uint32
	// OwnerMap is the map the owning page belongs to.
	OwnerMap MapID
	State    PageState
}

// PhysicalPool owns the fixed-capacity arena of physical page slots,
// their metadata, and their depth texel storage. The pool is laid out
// as a 2D grid of pages; the row width must be a power of two so slot
// indices convert to grid addresses with mask and shift.
type PhysicalPool struct {
	layout   *Layout
	rowMask  uint32
	rowShift uint32
	capacity uint32

	// Meta has one record per slot.
	Meta []PhysPageMeta

	texels []float32
}

// NewPhysicalPool constructs a pool of pagesX*pagesY slots. pagesX must
// be a power of two and the capacity must be non-zero; violations panic
// at construction.
func NewPhysicalPool(layout *Layout, pagesX, pagesY uint32) *PhysicalPool {
	if pagesX == 0 || pagesX&(pagesX-1) != 0 {
		panic("physical pool row width must be a power-of-two")
	}
	if pagesY == 0 {
		panic("physical pool must have non-zero capacity")
	}
	capacity := pagesX * pagesY
	texelsPerPage := layout.PageSize() * layout.PageSize()
	return &PhysicalPool{
		layout:   layout,
		rowMask:  pagesX - 1,
		rowShift: uint32(bits.TrailingZeros32(pagesX)),
		capacity: capacity,
		Meta:     make([]PhysPageMeta, capacity),
		texels:   make([]float32, capacity*texelsPerPage),
	}
}

// Capacity returns the number of physical slots.
func (p *PhysicalPool) Capacity() uint32 { return p.capacity }

// SlotAddress returns the 2D grid address of a slot.
func (p *PhysicalPool) SlotAddress(slot PhysPage) Point {
	return Point{
		X: int32(uint32(slot) & p.rowMask),
		Y: int32(uint32(slot) >> p.rowShift),
	}
}

// InitMetadata resets every slot to empty. Called at startup and at the
// start of each frame before the mapping pass rewrites ownership.
func (p *PhysicalPool) InitMetadata() {
	for i := range p.Meta {
		p.Meta[i] = PhysPageMeta{OwnerMap: InvalidMapID}
	}
}

// PageTexels returns the depth texel storage of one slot.
func (p *PhysicalPool) PageTexels(slot PhysPage) []float32 {
	n := p.layout.PageSize() * p.layout.PageSize()
	base := uint32(slot) * n
	return p.texels[base : base+n]
}

// Texels returns the whole arena's texel storage.
func (p *PhysicalPool) Texels() []float32 { return p.texels }

// Allocator hands out physical slot indices during mapping construction.
// It is a single monotonically increasing counter per frame; allocation
// order between pages is unspecified, only the aggregate count is.
type Allocator struct {
	count    uint32
	capacity uint32
}

// Reset zeroes the counter. Called once per frame before the mapping
// pass.
func (a *Allocator) Reset(capacity uint32) {
	a.count = 0
	a.capacity = capacity
}

// AllocateOne atomically claims the next slot index. Indices at or past
// capacity mean the pool is exhausted and the caller must leave the page
// unmapped this frame.
func (a *Allocator) AllocateOne() uint32 {
	return atomic.AddUint32(&a.count, 1) - 1
}

// Count returns the number of slots handed out this frame, clamped to
// capacity. Read at frame end to size the clear pass.
func (a *Allocator) Count() uint32 {
	n := atomic.LoadUint32(&a.count)
	if n > a.capacity {
		return a.capacity
	}
	return n
}
