package shadow

import "sync"

// buildResult accumulates one work item's counters so the parallel
// mapping pass merges statistics once at the end instead of contending
// on shared counters per page.
type buildResult struct {
	requested uint64
	mapped    uint64
	reused    uint64
	allocated uint64
	dropped   uint64
	duplicate uint64
}

func (r *buildResult) merge(o buildResult) {
	r.requested += o.requested
	r.mapped += o.mapped
	r.reused += o.reused
	r.allocated += o.allocated
	r.dropped += o.dropped
	r.duplicate += o.duplicate
}

// statDuplicateReuse counts requests that matched a cached slot another
// page had already claimed this frame, forcing a fresh allocation.
const statDuplicateReuse = "duplicate-reuse"

// BuildMapping turns this frame's request flags into the page table:
// every requested page either reuses its previous-frame slot, gets a
// fresh slot, or is dropped when the pool is exhausted. Maps are
// processed in parallel; the pass is a barrier and the table, page
// flags, metadata, and cached-page records are complete when it
// returns.
func (a *Array) BuildMapping() {
	if a.phase != phaseRequest {
		panic("BuildMapping before Reset")
	}
	a.table.Reset()
	a.pageFlags.Reset()
	a.hFlags.Reset()
	a.claims.Reset()

	if a.cfg.CacheEnabled && a.cache != nil {
		a.prev = a.cache.PrevState()
		if a.prev != nil && !a.layout.Compatible(a.prev.Layout) {
			a.prev = nil
		}
	}

	results := make([]buildResult, a.numMaps)
	var wg sync.WaitGroup
	for m := 0; m < a.numMaps; m++ {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[m] = a.buildMapPages(MapID(m))
		}()
	}
	wg.Wait()

	var total buildResult
	for i := range results {
		total.merge(results[i])
	}
	a.stats.RequestedPages += total.requested
	a.stats.MappedPages += total.mapped
	a.stats.ReusedPages += total.reused
	a.stats.AllocatedPages += total.allocated
	a.stats.DroppedPages += total.dropped
	a.stats.AddOther(statDuplicateReuse, total.duplicate)
	a.phase = phaseMapped
}

// buildMapPages maps every requested page of one map.
func (a *Array) buildMapPages(id MapID) buildResult {
	var res buildResult
	cd := NoMapCache
	if a.prev != nil {
		cd = a.cache.MapCacheData(id)
		if cd.PrevID < 0 || int(cd.PrevID) >= a.prev.NumMaps {
			cd = NoMapCache
		}
	}
	for level := uint32(0); level < a.layout.MaxMipLevels(); level++ {
		dim := a.layout.LevelDim(level)
		for y := uint32(0); y < dim; y++ {
			for x := uint32(0); x < dim; x++ {
				gidx := a.layout.MapPageIndex(id, level, x, y)
				if !a.requestFlags.Get(gidx) {
					continue
				}
				res.requested++
				if slot, ok := a.tryReuse(id, cd, level, x, y, gidx); ok {
					a.commitPage(id, gidx, slot)
					res.reused++
					res.mapped++
					continue
				} else if slot != UnmappedPage {
					// A cached slot matched but another page claimed it
					// first; fall through to a fresh allocation.
					res.duplicate++
				}
				slot, ok := a.allocateFresh()
				if !ok {
					res.dropped++
					continue
				}
				a.commitPage(id, gidx, slot)
				a.pool.Meta[slot].State = PageAllocated
				res.allocated++
				res.mapped++
			}
		}
	}
	return res
}

// tryReuse checks whether the previous frame cached usable content for
// a page and, if so, claims that slot. It returns (slot, true) on a
// successful claim, (slot, false) when the slot was already claimed by
// another page this frame, and (UnmappedPage, false) when no cached
// content is applicable at all.
func (a *Array) tryReuse(id MapID, cd MapCacheData, level, x, y uint32, gidx uint32) (PhysPage, bool) {
	if a.prev == nil || cd.PrevID == InvalidMapID {
		return UnmappedPage, false
	}
	// A page-space offset that is not a multiple of the level's page
	// granularity cannot be expressed at this level; deny reuse rather
	// than carry misaligned content.
	mask := int32(1)<<level - 1
	if cd.PageOffset.X&mask != 0 || cd.PageOffset.Y&mask != 0 {
		return UnmappedPage, false
	}
	dim := a.layout.LevelDim(level)
	px := int32(x) + cd.PageOffset.X>>level
	py := int32(y) + cd.PageOffset.Y>>level
	if px < 0 || py < 0 || uint32(px) >= dim || uint32(py) >= dim {
		return UnmappedPage, false
	}
	pidx := a.layout.MapPageIndex(cd.PrevID, level, uint32(px), uint32(py))
	if !a.prev.PageFlags.Get(pidx) || a.prev.CasterFlags.Get(pidx) {
		return UnmappedPage, false
	}
	slot := a.prev.Table[pidx]
	if slot == UnmappedPage || a.prev.Meta[slot].State != PageCached {
		return UnmappedPage, false
	}
	if !a.claims.SetAtomic(uint32(slot)) {
		return slot, false
	}
	a.pool.Meta[slot] = PhysPageMeta{
		Owner:    gidx,
		Age:      a.prev.Meta[slot].Age,
		OwnerMap: id,
		State:    PageCached,
	}
	a.cachedInfo[slot] = CachedPageInfo{
		PrevSlot:    slot,
		DepthOffset: cd.DepthOffset,
		Valid:       true,
	}
	return slot, true
}

// commitPage records a page-to-slot binding in the table and the leaf
// page flags. The flag word may be shared with pages mapped by other
// goroutines, so the flag write is atomic.
func (a *Array) commitPage(id MapID, gidx uint32, slot PhysPage) {
	a.table[gidx] = slot
	a.pageFlags.SetAtomic(gidx)
	a.pool.Meta[slot].Owner = gidx
	a.pool.Meta[slot].OwnerMap = id
}

// allocateFresh claims the next free slot from the frame's counter,
// skipping slots whose previous-frame content is still cached; those
// remain reusable by their owning pages until invalidation releases
// them.
func (a *Array) allocateFresh() (PhysPage, bool) {
	for {
		n := a.alloc.AllocateOne()
		if n >= a.pool.Capacity() {
			return UnmappedPage, false
		}
		if a.prev != nil && a.prev.Meta[n].State == PageCached {
			continue
		}
		return PhysPage(n), true
	}
}
