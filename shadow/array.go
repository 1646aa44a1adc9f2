package shadow

import "sync"

// Config carries the fixed parameters of the page management core.
type Config struct {
	// Level0DimPages is the page dimension of the finest detail level.
	// Must be a power of two.
	Level0DimPages uint32

	// MaxMipLevels is the number of detail levels per virtual map.
	MaxMipLevels uint32

	// PageSize is the texel dimension of one page. Must be a power of
	// two.
	PageSize uint32

	// PoolPagesX and PoolPagesY size the physical pool grid. PoolPagesX
	// must be a power of two.
	PoolPagesX, PoolPagesY uint32

	// CacheEnabled permits cross-frame page reuse. When false the
	// mapping pass always allocates fresh slots.
	CacheEnabled bool

	// AccumulateStats submits a statistics snapshot to the asynchronous
	// readback at every extract.
	AccumulateStats bool
}

// Array frame phases. Passes must run in order within a frame; calling
// them out of order is a programmer error and panics.
const (
	phaseIdle = iota
	phaseRequest
	phaseMapped
	phaseHier
	phaseCleared
)

// Array owns one frame's page management state and runs the per-frame
// pass sequence:
//
//	Reset -> (external request flags) -> BuildMapping ->
//	BuildHierarchicalFlags -> ClearPhysicalPages ->
//	(external render) -> MarkPhysicalPagesRendered -> Extract
//
// Each pass acts as a barrier: a pass only reads buffers earlier passes
// finished writing. Within a pass the per-page and per-slot work items
// are independent and run in parallel with no ordering contract.
type Array struct {
	cfg    Config
	layout *Layout
	pool   *PhysicalPool
	alloc  Allocator
	cache  PageCache

	frame   uint32
	numMaps int
	phase   int

	requestFlags Bitmap
	casterFlags  Bitmap
	pageFlags    Bitmap
	hFlags       Bitmap
	table        PageTable
	cachedInfo   []CachedPageInfo
	pageRects    []Rect

	// claims has one bit per physical slot, set when a page claims the
	// slot for reuse. It resolves races where two pages resolve to the
	// same cached slot.
	claims Bitmap

	// prev is the cache state consulted by this frame's passes, pinned
	// at BuildMapping so the clear pass seeds from the same buffers.
	prev *FrameState

	stats    *Stats
	readback *Readback

	accumulateStats bool
}

// NewArray constructs the page management core. The configuration is
// validated here; invalid values panic since they are programmer errors,
// not runtime conditions. cache may be nil, which behaves like caching
// disabled.
func NewArray(cfg Config, cache PageCache) *Array {
	layout := NewLayout(cfg.Level0DimPages, cfg.MaxMipLevels, cfg.PageSize)
	a := &Array{
		cfg:             cfg,
		layout:          layout,
		pool:            NewPhysicalPool(layout, cfg.PoolPagesX, cfg.PoolPagesY),
		cache:           cache,
		stats:           NewStats(),
		readback:        NewReadback(),
		accumulateStats: cfg.AccumulateStats,
	}
	a.stats.RegisterOther(statDuplicateReuse)
	a.cachedInfo = make([]CachedPageInfo, a.pool.Capacity())
	a.claims = NewBitmap(a.pool.Capacity())
	return a
}

// Layout returns the shared address-space arithmetic.
func (a *Array) Layout() *Layout { return a.layout }

// Pool returns the physical page pool.
func (a *Array) Pool() *PhysicalPool { return a.pool }

// Stats returns the current frame's statistics sample.
func (a *Array) Stats() *Stats { return a.stats }

// Readback returns the asynchronous statistics readback.
func (a *Array) Readback() *Readback { return a.readback }

// Frame returns the current frame number.
func (a *Array) Frame() uint32 { return a.frame }

// NumMaps returns how many maps were registered this frame.
func (a *Array) NumMaps() int { return a.numMaps }

// EnableStatsAccumulation toggles snapshot submission at extract.
// Turning accumulation off discards any readback still in flight.
func (a *Array) EnableStatsAccumulation(on bool) {
	a.accumulateStats = on
	if !on {
		a.readback.Discard()
	}
}

// Reset begins a new frame: request and caster flags are cleared, the
// map set is emptied, the allocation counter and slot metadata are
// reset, and statistics counters start over.
func (a *Array) Reset(frame uint32) {
	a.frame = frame
	a.numMaps = 0
	a.phase = phaseRequest
	a.prev = nil
	a.requestFlags.Reset()
	a.casterFlags.Reset()
	a.alloc.Reset(a.pool.Capacity())
	a.pool.InitMetadata()
	for i := range a.cachedInfo {
		a.cachedInfo[i] = CachedPageInfo{}
	}
	a.stats.resetCounters(frame)
}

// NewMap registers a virtual map for this frame and returns its ID.
// IDs are dense and only valid within the frame.
func (a *Array) NewMap() MapID {
	if a.phase != phaseRequest {
		panic("NewMap outside the request phase")
	}
	id := MapID(a.numMaps)
	a.numMaps++
	a.ensureCapacity(a.numMaps)
	return id
}

// RequestPage marks a page as needed this frame. This is the external
// footprint determination's input into the core.
func (a *Array) RequestPage(id MapID, level, x, y uint32) {
	if a.phase != phaseRequest {
		panic("RequestPage outside the request phase")
	}
	a.requestFlags.Set(a.checkedIndex(id, level, x, y))
}

// MarkCasterPage marks a page whose previous content contains a movable
// caster; such pages are never reused across frames.
func (a *Array) MarkCasterPage(id MapID, level, x, y uint32) {
	if a.phase != phaseRequest {
		panic("MarkCasterPage outside the request phase")
	}
	a.casterFlags.Set(a.checkedIndex(id, level, x, y))
}

func (a *Array) checkedIndex(id MapID, level, x, y uint32) uint32 {
	if id < 0 || int(id) >= a.numMaps {
		panic("page coordinate names an unregistered map")
	}
	if level >= a.layout.MaxMipLevels() {
		panic("page coordinate level out of range")
	}
	if dim := a.layout.LevelDim(level); x >= dim || y >= dim {
		panic("page coordinate out of range for its level")
	}
	return a.layout.MapPageIndex(id, level, x, y)
}

// ensureCapacity grows the per-map buffers to hold n maps, preserving
// flags already written for earlier maps this frame.
func (a *Array) ensureCapacity(n int) {
	pages := uint32(n) * a.layout.PageTableSize()
	if uint32(len(a.table)) >= pages {
		return
	}
	grow := func(b Bitmap, bits uint32) Bitmap {
		nb := NewBitmap(bits)
		copy(nb, b)
		return nb
	}
	a.requestFlags = grow(a.requestFlags, pages)
	a.casterFlags = grow(a.casterFlags, pages)
	a.pageFlags = grow(a.pageFlags, pages)
	a.hFlags = grow(a.hFlags, uint32(n)*a.layout.HTableSize())
	t := NewPageTable(pages)
	copy(t, a.table)
	a.table = t
	rects := make([]Rect, n*int(a.layout.MaxMipLevels()))
	copy(rects, a.pageRects)
	a.pageRects = rects
}

// BuildHierarchicalFlags derives the hierarchical OR-reduction of this
// frame's page flags and the tight per-(map, level) page bounding
// rectangles. Must run after BuildMapping.
func (a *Array) BuildHierarchicalFlags() {
	if a.phase != phaseMapped {
		panic("BuildHierarchicalFlags before BuildMapping")
	}
	var wg sync.WaitGroup
	for m := 0; m < a.numMaps; m++ {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := MapID(m)
			BuildMapHierarchy(a.layout, id, a.pageFlags, a.hFlags)
			for level := uint32(0); level < a.layout.MaxMipLevels(); level++ {
				a.pageRects[m*int(a.layout.MaxMipLevels())+int(level)] =
					mapLevelRect(a.layout, id, a.pageFlags, level)
			}
		}()
	}
	wg.Wait()
	a.phase = phaseHier
}

// ClearPhysicalPages prepares physical slot content for rendering:
// freshly allocated slots are zeroed, reused slots are seeded from the
// previous frame's pool content with the recorded depth offset applied.
// Must run before external content generation touches the pool.
func (a *Array) ClearPhysicalPages() {
	if a.phase != phaseHier {
		panic("ClearPhysicalPages before BuildHierarchicalFlags")
	}
	const slotsPerItem = 64
	capacity := a.pool.Capacity()
	texelsPerPage := a.layout.PageSize() * a.layout.PageSize()
	var wg sync.WaitGroup
	for start := uint32(0); start < capacity; start += slotsPerItem {
		start := start
		wg.Add(1)
		go func() {
			defer wg.Done()
			end := start + slotsPerItem
			if end > capacity {
				end = capacity
			}
			for slot := start; slot < end; slot++ {
				switch a.pool.Meta[slot].State {
				case PageAllocated:
					dst := a.pool.PageTexels(PhysPage(slot))
					for i := range dst {
						dst[i] = 0
					}
				case PageCached:
					info := a.cachedInfo[slot]
					if !info.Valid || a.prev == nil {
						continue
					}
					dst := a.pool.PageTexels(PhysPage(slot))
					base := uint32(info.PrevSlot) * texelsPerPage
					src := a.prev.Texels[base : base+texelsPerPage]
					for i := range dst {
						dst[i] = src[i] + info.DepthOffset
					}
				}
			}
		}()
	}
	wg.Wait()
	a.phase = phaseCleared
}

// MarkPhysicalPagesRendered promotes the mapped slots of every map whose
// rendered flag is set: freshly allocated slots become cached-valid with
// this frame's age. Reused slots keep their previous age; their content
// was carried, not re-rendered.
func (a *Array) MarkPhysicalPagesRendered(rendered []bool) {
	if a.phase != phaseCleared {
		panic("MarkPhysicalPagesRendered before ClearPhysicalPages")
	}
	if len(rendered) != a.numMaps {
		panic("rendered flag count does not match registered maps")
	}
	size := a.layout.PageTableSize()
	for m := 0; m < a.numMaps; m++ {
		if !rendered[m] {
			continue
		}
		base := uint32(m) * size
		for i := base; i < base+size; i++ {
			slot := a.table[i]
			if slot == UnmappedPage {
				continue
			}
			if a.pool.Meta[slot].State == PageAllocated {
				a.pool.Meta[slot].State = PageCached
				a.pool.Meta[slot].Age = a.frame
			}
		}
	}
}

// Extract ends the frame: the committed buffers are copied into a
// FrameState handed to the cache as next frame's "previous" state, and
// a statistics snapshot is submitted to the readback when accumulation
// is on. If caching is disabled or nothing was committed, the cache is
// told to drop all previous-frame references instead.
func (a *Array) Extract() {
	if a.phase != phaseCleared {
		panic("Extract before ClearPhysicalPages")
	}
	if a.cache != nil {
		var st *FrameState
		if a.cfg.CacheEnabled && a.stats.MappedPages > 0 {
			meta := make([]PhysPageMeta, len(a.pool.Meta))
			copy(meta, a.pool.Meta)
			texels := make([]float32, len(a.pool.Texels()))
			copy(texels, a.pool.Texels())
			st = &FrameState{
				Layout:      a.layout,
				Frame:       a.frame,
				NumMaps:     a.numMaps,
				Table:       a.table.Clone(),
				PageFlags:   a.pageFlags.Clone(),
				HFlags:      a.hFlags.Clone(),
				CasterFlags: a.casterFlags.Clone(),
				Meta:        meta,
				Texels:      texels,
			}
		}
		a.cache.Extract(st)
	}
	if a.accumulateStats {
		a.readback.Submit(a.stats.Snapshot())
	}
	a.phase = phaseIdle
}

// Lookup returns the physical slot backing a page, or false when the
// page is unmapped this frame.
func (a *Array) Lookup(id MapID, level, x, y uint32) (PhysPage, bool) {
	slot := a.table[a.layout.MapPageIndex(id, level, x, y)]
	return slot, slot != UnmappedPage
}

// PageFlag reports whether a page was mapped this frame.
func (a *Array) PageFlag(id MapID, level, x, y uint32) bool {
	return a.pageFlags.Get(a.layout.MapPageIndex(id, level, x, y))
}

// HierFlag reports the h-th hierarchical reduction flag over a map's
// level flags.
func (a *Array) HierFlag(id MapID, level, h, x, y uint32) bool {
	return a.hFlags.Get(a.layout.MapHIndex(id, level, h, x, y))
}

// PageRect returns the tight bounding rectangle of mapped pages for one
// (map, level) pair, for culling batch work against committed pages.
func (a *Array) PageRect(id MapID, level uint32) Rect {
	return a.pageRects[int(id)*int(a.layout.MaxMipLevels())+int(level)]
}

// PageTexels exposes one slot's content storage to the external content
// generation step.
func (a *Array) PageTexels(slot PhysPage) []float32 {
	return a.pool.PageTexels(slot)
}
