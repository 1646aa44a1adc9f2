package shadow

import "math/bits"

// MapID identifies one virtual shadow map within a frame. IDs are dense,
// assigned from zero in the order maps are registered, and are only
// meaningful within the frame that assigned them.
type MapID int32

// InvalidMapID is the sentinel for "no map", used by cache entries to
// signal that no previous-frame identity is available.
const InvalidMapID MapID = -1

// PhysPage is the index of a physical page slot in the pool.
type PhysPage uint32

// UnmappedPage is the page table sentinel for a virtual page with no
// physical backing this frame.
const UnmappedPage PhysPage = ^PhysPage(0)

// Point is a signed coordinate in page units.
type Point struct {
	X, Y int32
}

// Rect is an inclusive integer rectangle in page units.
// It is empty when MinX > MaxX.
type Rect struct {
	MinX, MinY int32
	MaxX, MaxY int32
}

// Empty reports whether no page lies within r.
func (r Rect) Empty() bool {
	return r.MinX > r.MaxX || r.MinY > r.MaxY
}

// Layout computes the flat offsets of every detail level's page-table
// region and hierarchical-flag region for one virtual map. All maps share
// a single layout; buffers for N maps are N back-to-back copies of the
// per-map regions.
//
// Level 0 is the finest level with Level0DimPages pages on a side; each
// coarser level halves the dimension. The hierarchical region for a base
// level L holds the successive 2x OR-reductions of that level's page
// flags, shaped exactly like the page grids of levels L+1 and coarser.
// The coarsest level is 1x1 and has no hierarchical levels.
type Layout struct {
	level0DimPages uint32
	maxMipLevels   uint32
	pageSize       uint32

	levelOffsets  []uint32
	hLevelOffsets []uint32
	pageTableSize uint32
	hTableSize    uint32
}

// NewLayout constructs a layout. level0DimPages and pageSize must be
// powers of two, and maxMipLevels must not exceed the full mip chain
// of the level-0 grid. Violations panic; these are configuration errors,
// not runtime conditions.
func NewLayout(level0DimPages, maxMipLevels, pageSize uint32) *Layout {
	if level0DimPages == 0 || level0DimPages&(level0DimPages-1) != 0 {
		panic("level-0 page dimension must be a power-of-two")
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic("page size must be a power-of-two")
	}
	if maxMipLevels == 0 || maxMipLevels > uint32(bits.Len32(level0DimPages)) {
		panic("mip level count out of range for the level-0 dimension")
	}
	l := &Layout{
		level0DimPages: level0DimPages,
		maxMipLevels:   maxMipLevels,
		pageSize:       pageSize,
		levelOffsets:   make([]uint32, maxMipLevels),
		hLevelOffsets:  make([]uint32, maxMipLevels),
	}
	offset := uint32(0)
	for level := uint32(0); level < maxMipLevels; level++ {
		l.levelOffsets[level] = offset
		dim := level0DimPages >> level
		offset += dim * dim
	}
	l.pageTableSize = offset

	hOffset := uint32(0)
	for level := uint32(0); level < maxMipLevels-1; level++ {
		l.hLevelOffsets[level] = hOffset
		hOffset += l.pageTableSize - l.levelOffsets[level+1]
	}
	// The coarsest level is 1x1 and has no hierarchical levels.
	l.hLevelOffsets[maxMipLevels-1] = 0
	l.hTableSize = hOffset
	return l
}

// Level0DimPages returns the page dimension of the finest level.
func (l *Layout) Level0DimPages() uint32 { return l.level0DimPages }

// MaxMipLevels returns the number of detail levels per map.
func (l *Layout) MaxMipLevels() uint32 { return l.maxMipLevels }

// PageSize returns the texel dimension of one page.
func (l *Layout) PageSize() uint32 { return l.pageSize }

// PageTableSize returns the number of page-table entries per map.
func (l *Layout) PageTableSize() uint32 { return l.pageTableSize }

// HTableSize returns the number of hierarchical-flag entries per map.
func (l *Layout) HTableSize() uint32 { return l.hTableSize }

// LevelDim returns the page dimension of the given level.
func (l *Layout) LevelDim(level uint32) uint32 {
	return l.level0DimPages >> level
}

// LevelOffset returns the flat offset of the given level's page-table
// region within one map.
func (l *Layout) LevelOffset(level uint32) uint32 {
	return l.levelOffsets[level]
}

// PageIndex returns the flat page-table index of (level, x, y) within
// one map.
func (l *Layout) PageIndex(level, x, y uint32) uint32 {
	return l.levelOffsets[level] + y*l.LevelDim(level) + x
}

// MapPageIndex returns the global flat page-table index of (level, x, y)
// in the given map.
func (l *Layout) MapPageIndex(id MapID, level, x, y uint32) uint32 {
	return uint32(id)*l.pageTableSize + l.PageIndex(level, x, y)
}

// HMipCount returns how many hierarchical reduction levels exist for a
// base level.
func (l *Layout) HMipCount(level uint32) uint32 {
	return l.maxMipLevels - 1 - level
}

// HIndex returns the flat hierarchical-flag index for base level, the
// h-th reduction (h >= 1), and coordinate (x, y) at that reduction's
// dimension, within one map.
func (l *Layout) HIndex(level, h, x, y uint32) uint32 {
	// Within the base level's region, reduction h is shaped like page
	// level level+h; the region packs reductions 1..HMipCount back to
	// back in the page-table level order.
	sub := l.levelOffsets[level+h] - l.levelOffsets[level+1]
	return l.hLevelOffsets[level] + sub + y*l.LevelDim(level+h) + x
}

// MapHIndex returns the global flat hierarchical-flag index in the given
// map.
func (l *Layout) MapHIndex(id MapID, level, h, x, y uint32) uint32 {
	return uint32(id)*l.hTableSize + l.HIndex(level, h, x, y)
}

// Compatible reports whether another layout describes identical page and
// hierarchy regions. Cached state from an incompatible layout cannot be
// reused.
func (l *Layout) Compatible(o *Layout) bool {
	return o != nil &&
		l.level0DimPages == o.level0DimPages &&
		l.maxMipLevels == o.maxMipLevels &&
		l.pageSize == o.pageSize
}
