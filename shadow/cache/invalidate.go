package cache

import (
	"math"
	"sync"

	"github.com/renderward/vsm/shadow"
)

// Footprint is the bounding sphere of moved or removed geometry, in
// world units.
type Footprint struct {
	Center [3]float32
	Radius float32
}

// InstanceRange names a contiguous run of scene instances that mutated
// since last frame, with their combined bounds. Cached pages the bounds
// touch hold stale depths and must not be reused.
type InstanceRange struct {
	First, Count uint32
	Bounds       Footprint
}

// Invalidate queues mutated instance ranges. The queue is applied to
// the previous frame's state the next time the mapping pass consults
// it; queueing is cheap and may happen many times per frame.
func (m *Manager) Invalidate(ranges []InstanceRange) {
	m.pending = append(m.pending, ranges...)
}

// applyInvalidations clears cached pages touched by the pending ranges
// in every previous-frame map, then rebuilds the affected hierarchical
// flags so they remain an exact OR of their children. Maps are
// processed in parallel; each goroutine touches only its own map's
// flag regions and its own pages' slots.
func (m *Manager) applyInvalidations() {
	if len(m.pending) == 0 {
		return
	}
	var entries []*Entry
	for _, e := range m.active {
		if e.prevID != shadow.InvalidMapID {
			entries = append(entries, e)
		}
	}
	for _, e := range m.prev {
		if e.prevID != shadow.InvalidMapID {
			entries = append(entries, e)
		}
	}
	counts := make([]uint64, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		i, e := i, e
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i] = m.invalidateEntry(e)
		}()
	}
	wg.Wait()
	var total uint64
	for _, n := range counts {
		total += n
	}
	if m.stats != nil && total > 0 {
		m.stats.InvalidatedPages += total
	}
}

// invalidateEntry applies every pending range to one map and returns
// how many cached pages it released.
func (m *Manager) invalidateEntry(e *Entry) uint64 {
	st := m.prevState
	l := st.Layout
	dim := l.Level0DimPages()
	var count uint64
	dirty := false
	for i := range m.pending {
		r, ok := e.footprintRect(l, m.pending[i].Bounds)
		if !ok {
			continue
		}
		for level := uint32(0); level < l.MaxMipLevels(); level++ {
			lr := shadow.Rect{
				MinX: r.MinX >> level, MinY: r.MinY >> level,
				MaxX: r.MaxX >> level, MaxY: r.MaxY >> level,
			}
			ldim := int32(dim >> level)
			if lr.MaxX >= ldim {
				lr.MaxX = ldim - 1
			}
			if lr.MaxY >= ldim {
				lr.MaxY = ldim - 1
			}
			for y := lr.MinY; y <= lr.MaxY; y++ {
				for x := lr.MinX; x <= lr.MaxX; x++ {
					pidx := l.MapPageIndex(e.prevID, level, uint32(x), uint32(y))
					if !st.PageFlags.Get(pidx) {
						continue
					}
					st.PageFlags.ClearAtomic(pidx)
					if slot := st.Table[pidx]; slot != shadow.UnmappedPage &&
						st.Meta[slot].State == shadow.PageCached {
						st.Meta[slot].State = shadow.PageEmpty
					}
					count++
					dirty = true
				}
			}
		}
	}
	if dirty {
		shadow.BuildMapHierarchy(l, e.prevID, st.PageFlags, st.HFlags)
	}
	return count
}

// footprintRect projects a footprint into a map's level-0 page space.
// It returns false when the footprint cannot touch the map. The
// clamped rectangle is conservative: a footprint the projection cannot
// bound precisely invalidates the whole map rather than risk keeping a
// stale page.
func (e *Entry) footprintRect(l *shadow.Layout, f Footprint) (shadow.Rect, bool) {
	dim := int32(l.Level0DimPages())
	whole := shadow.Rect{MinX: 0, MinY: 0, MaxX: dim - 1, MaxY: dim - 1}
	if e.clipmap {
		// The scrolling projection is orthographic along its axis; the
		// footprint maps to pages directly through the page origin and
		// world-per-page scale.
		wpp := float64(e.prevWorldPerPage())
		minX := int32(math.Floor(float64(f.Center[0]-f.Radius)/wpp)) - e.prevPageOrigin.X
		maxX := int32(math.Floor(float64(f.Center[0]+f.Radius)/wpp)) - e.prevPageOrigin.X
		minY := int32(math.Floor(float64(f.Center[1]-f.Radius)/wpp)) - e.prevPageOrigin.Y
		maxY := int32(math.Floor(float64(f.Center[1]+f.Radius)/wpp)) - e.prevPageOrigin.Y
		return clampRect(shadow.Rect{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}, dim)
	}
	// Project the eight corners of the footprint's bounding box. A
	// corner at or behind the projection plane makes the screen-space
	// bounds unbounded, so the whole map is invalidated.
	const wEpsilon = 1e-6
	first := true
	var minU, minV, maxU, maxV float64
	for c := 0; c < 8; c++ {
		px := f.Center[0] + sign(c&1)*f.Radius
		py := f.Center[1] + sign(c&2)*f.Radius
		pz := f.Center[2] + sign(c&4)*f.Radius
		m := &e.key.M
		cx := float64(m[0]*px + m[1]*py + m[2]*pz + m[3])
		cy := float64(m[4]*px + m[5]*py + m[6]*pz + m[7])
		cw := float64(m[12]*px + m[13]*py + m[14]*pz + m[15])
		if cw <= wEpsilon {
			return whole, true
		}
		u := (cx/cw + 1) * 0.5
		v := (cy/cw + 1) * 0.5
		if first {
			minU, maxU, minV, maxV = u, u, v, v
			first = false
		} else {
			minU = math.Min(minU, u)
			maxU = math.Max(maxU, u)
			minV = math.Min(minV, v)
			maxV = math.Max(maxV, v)
		}
	}
	fdim := float64(dim)
	r := shadow.Rect{
		MinX: int32(math.Floor(minU * fdim)),
		MinY: int32(math.Floor(minV * fdim)),
		MaxX: int32(math.Floor(maxU * fdim)),
		MaxY: int32(math.Floor(maxV * fdim)),
	}
	return clampRect(r, dim)
}

// prevWorldPerPage returns the scale the previous frame's pages were
// laid out with. The scale is part of the reuse key, so it matches the
// current one whenever prevID is valid.
func (e *Entry) prevWorldPerPage() float32 {
	return e.worldPerPage
}

func sign(bit int) float32 {
	if bit != 0 {
		return 1
	}
	return -1
}

// clampRect intersects a page rectangle with the level-0 grid,
// reporting false when they do not overlap.
func clampRect(r shadow.Rect, dim int32) (shadow.Rect, bool) {
	if r.MaxX < 0 || r.MaxY < 0 || r.MinX >= dim || r.MinY >= dim {
		return shadow.Rect{}, false
	}
	if r.MinX < 0 {
		r.MinX = 0
	}
	if r.MinY < 0 {
		r.MinY = 0
	}
	if r.MaxX >= dim {
		r.MaxX = dim - 1
	}
	if r.MaxY >= dim {
		r.MaxY = dim - 1
	}
	return r, true
}
