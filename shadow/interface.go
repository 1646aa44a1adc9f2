package shadow

// MapCacheData is the per-map answer a PageCache gives the mapping pass:
// which previous-frame map backs a current map, and how the current page
// window relates to the previous one.
type MapCacheData struct {
	// PrevID is the previous frame's ID for this producer's map, or
	// InvalidMapID when no reuse is possible.
	PrevID MapID

	// PageOffset translates a current level-0 page coordinate into the
	// previous frame's page space. Zero for non-scrolling maps.
	PageOffset Point

	// DepthOffset is added to carried texels when a scrolled map's
	// depth range shifted between frames.
	DepthOffset float32
}

// NoMapCache is the MapCacheData denying all reuse.
var NoMapCache = MapCacheData{PrevID: InvalidMapID}

// FrameState is one frame's committed page management state, extracted
// at frame end and owned by the cache until the next frame consumes it
// as "previous" state. All buffers are read-only to the next frame's
// mapping pass; only invalidation may clear bits in them.
type FrameState struct {
	Layout  *Layout
	Frame   uint32
	NumMaps int

	Table       PageTable
	PageFlags   Bitmap
	HFlags      Bitmap
	CasterFlags Bitmap
	Meta        []PhysPageMeta
	Texels      []float32
}

// PageCache is what the mapping pass consults to reuse previous-frame
// pages. Implemented by shadow/cache; the core only depends on this
// contract.
type PageCache interface {
	// PrevState returns the previous frame's committed state with any
	// queued invalidations applied, or nil when no cached state is
	// usable this frame (cold start, caching freshly enabled, or
	// nothing committed last frame).
	PrevState() *FrameState

	// MapCacheData reports the previous-frame identity and offsets for
	// a current map ID. Must return NoMapCache for unknown maps.
	MapCacheData(id MapID) MapCacheData

	// Extract hands the current frame's committed state to the cache.
	// A nil state drops all previous-frame references so the next
	// frame starts cold.
	Extract(st *FrameState)
}
