package shadow

// BuildMapHierarchy recomputes one map's hierarchical flag region from
// its leaf page flags, bottom level up. Every hierarchical entry ends up
// exactly the OR of its four children (or one child on degenerate 1-wide
// axes). Safe to run concurrently for different maps: boundary words
// shared between adjacent map regions are written atomically.
func BuildMapHierarchy(l *Layout, id MapID, pageFlags, hFlags Bitmap) {
	for level := uint32(0); level < l.MaxMipLevels(); level++ {
		for h := uint32(1); h <= l.HMipCount(level); h++ {
			dim := l.LevelDim(level + h)
			childDim := l.LevelDim(level + h - 1)
			for y := uint32(0); y < dim; y++ {
				for x := uint32(0); x < dim; x++ {
					set := false
					for cy := y * 2; cy < y*2+2 && cy < childDim; cy++ {
						for cx := x * 2; cx < x*2+2 && cx < childDim; cx++ {
							if h == 1 {
								set = set || pageFlags.Get(l.MapPageIndex(id, level, cx, cy))
							} else {
								set = set || hFlags.Get(l.MapHIndex(id, level, h-1, cx, cy))
							}
						}
					}
					idx := l.MapHIndex(id, level, h, x, y)
					if set {
						hFlags.SetAtomic(idx)
					} else {
						hFlags.ClearAtomic(idx)
					}
				}
			}
		}
	}
}

// mapLevelRect computes the tight bounding rectangle, in page units, of
// the set leaf flags for one (map, level) pair. The rectangle is empty
// when no page at that level is flagged.
func mapLevelRect(l *Layout, id MapID, pageFlags Bitmap, level uint32) Rect {
	dim := l.LevelDim(level)
	r := Rect{
		MinX: int32(dim), MinY: int32(dim),
		MaxX: -1, MaxY: -1,
	}
	for y := uint32(0); y < dim; y++ {
		for x := uint32(0); x < dim; x++ {
			if !pageFlags.Get(l.MapPageIndex(id, level, x, y)) {
				continue
			}
			if int32(x) < r.MinX {
				r.MinX = int32(x)
			}
			if int32(y) < r.MinY {
				r.MinY = int32(y)
			}
			if int32(x) > r.MaxX {
				r.MaxX = int32(x)
			}
			if int32(y) > r.MaxY {
				r.MaxY = int32(y)
			}
		}
	}
	return r
}
