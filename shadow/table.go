package shadow

// PageTable maps global flat page indices to physical slots. Entries are
// UnmappedPage when the virtual page has no backing this frame.
type PageTable []PhysPage

// NewPageTable returns a table of n unmapped entries.
func NewPageTable(n uint32) PageTable {
	t := make(PageTable, n)
	t.Reset()
	return t
}

// Reset unmaps every entry.
func (t PageTable) Reset() {
	for i := range t {
		t[i] = UnmappedPage
	}
}

// Clone returns an independent copy of the table.
func (t PageTable) Clone() PageTable {
	c := make(PageTable, len(t))
	copy(c, t)
	return c
}

// CachedPageInfo records, per physical slot, where the clear pass should
// seed the slot's content from when the slot was reused from the
// previous frame.
type CachedPageInfo struct {
	// PrevSlot is the slot in the previous frame's pool holding the
	// content to carry forward.
	PrevSlot PhysPage
	// DepthOffset is added to every carried texel, compensating for a
	// scrolled map's shifted depth range.
	DepthOffset float32
	// Valid is false for slots that were freshly allocated.
	Valid bool
}
