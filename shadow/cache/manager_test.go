package cache

import (
	"testing"

	"github.com/renderward/vsm/shadow"
)

func newScene(t *testing.T) (*shadow.Array, *Manager) {
	t.Helper()
	layout := shadow.NewLayout(8, 3, 4)
	mgr := NewManager(layout)
	arr := shadow.NewArray(shadow.Config{
		Level0DimPages: 8,
		MaxMipLevels:   3,
		PageSize:       4,
		PoolPagesX:     4,
		PoolPagesY:     4,
		CacheEnabled:   true,
	}, mgr)
	mgr.AttachStats(arr.Stats())
	return arr, mgr
}

// finishFrame runs the pass sequence and renders every map.
func finishFrame(a *shadow.Array, m *Manager) {
	m.BeginFrame(a.NumMaps())
	a.BuildMapping()
	a.BuildHierarchicalFlags()
	a.ClearPhysicalPages()
	rendered := make([]bool, a.NumMaps())
	for i := range rendered {
		rendered[i] = true
	}
	a.MarkPhysicalPagesRendered(rendered)
	a.Extract()
}

// translationKey builds a projection that shifts page space by tx in
// clip space, with w fixed at 1.
func translationKey(tx float32) Key {
	var k Key
	k.M[0], k.M[5], k.M[10], k.M[15] = 1, 1, 1, 1
	k.M[3] = tx
	return k
}

var identityRot = RotationKey{M: [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}}

func TestManagerIdentityReuse(t *testing.T) {
	a, m := newScene(t)
	pid := ProducerID{Light: 1}
	key := translationKey(0)

	a.Reset(1)
	id := a.NewMap()
	m.EntryFor(pid).Update(id, key)
	a.RequestPage(id, 0, 2, 3)
	finishFrame(a, m)

	a.Reset(2)
	id = a.NewMap()
	m.EntryFor(pid).Update(id, key)
	a.RequestPage(id, 0, 2, 3)
	finishFrame(a, m)

	if s := a.Stats(); s.ReusedPages != 1 || s.AllocatedPages != 0 {
		t.Errorf("got reused/allocated = %d/%d, want 1/0", s.ReusedPages, s.AllocatedPages)
	}
}

func TestProjectionChangeDropsCache(t *testing.T) {
	a, m := newScene(t)
	pid := ProducerID{Light: 1}

	a.Reset(1)
	id := a.NewMap()
	m.EntryFor(pid).Update(id, translationKey(0))
	a.RequestPage(id, 0, 2, 3)
	finishFrame(a, m)

	a.Reset(2)
	id = a.NewMap()
	m.EntryFor(pid).Update(id, translationKey(0.5))
	a.RequestPage(id, 0, 2, 3)
	finishFrame(a, m)

	if s := a.Stats(); s.ReusedPages != 0 || s.AllocatedPages != 1 {
		t.Errorf("got reused/allocated = %d/%d, want 0/1", s.ReusedPages, s.AllocatedPages)
	}
}

func TestClipmapScrollReuse(t *testing.T) {
	a, m := newScene(t)
	pid := ProducerID{Light: 1, Index: 2}

	a.Reset(1)
	id := a.NewMap()
	m.EntryFor(pid).UpdateClipmap(id, identityRot, shadow.Point{}, 4, 0)
	a.RequestPage(id, 0, 5, 1)
	finishFrame(a, m)

	// The window scrolled one page in X; the content at current (4, 1)
	// was rendered at (5, 1) last frame.
	a.Reset(2)
	id = a.NewMap()
	m.EntryFor(pid).UpdateClipmap(id, identityRot, shadow.Point{X: 1}, 4, 0)
	a.RequestPage(id, 0, 4, 1)
	finishFrame(a, m)

	if s := a.Stats(); s.ReusedPages != 1 || s.AllocatedPages != 0 {
		t.Errorf("got reused/allocated = %d/%d, want 1/0", s.ReusedPages, s.AllocatedPages)
	}
}

func TestClipmapRotationChangeDropsCache(t *testing.T) {
	a, m := newScene(t)
	pid := ProducerID{Light: 1}

	a.Reset(1)
	id := a.NewMap()
	m.EntryFor(pid).UpdateClipmap(id, identityRot, shadow.Point{}, 4, 0)
	a.RequestPage(id, 0, 5, 1)
	finishFrame(a, m)

	rot := identityRot
	rot.M[0] = 0.5
	a.Reset(2)
	id = a.NewMap()
	m.EntryFor(pid).UpdateClipmap(id, rot, shadow.Point{}, 4, 0)
	a.RequestPage(id, 0, 5, 1)
	finishFrame(a, m)

	if s := a.Stats(); s.ReusedPages != 0 {
		t.Errorf("reused %d pages across a rotation change", s.ReusedPages)
	}
}

func TestAbsentProducerDropped(t *testing.T) {
	a, m := newScene(t)
	pid := ProducerID{Light: 1}
	key := translationKey(0)

	a.Reset(1)
	id := a.NewMap()
	m.EntryFor(pid).Update(id, key)
	a.RequestPage(id, 0, 0, 0)
	finishFrame(a, m)

	// The light sits out a frame; its entry is pruned.
	a.Reset(2)
	finishFrame(a, m)

	a.Reset(3)
	id = a.NewMap()
	m.EntryFor(pid).Update(id, key)
	a.RequestPage(id, 0, 0, 0)
	finishFrame(a, m)

	if s := a.Stats(); s.ReusedPages != 0 || s.AllocatedPages != 1 {
		t.Errorf("got reused/allocated = %d/%d, want 0/1", s.ReusedPages, s.AllocatedPages)
	}
}

func TestInvalidationReleasesTouchedPages(t *testing.T) {
	a, m := newScene(t)
	pidA := ProducerID{Light: 1}
	pidB := ProducerID{Light: 2}
	keyA := translationKey(0)
	keyB := translationKey(1)

	a.Reset(1)
	idA := a.NewMap()
	m.EntryFor(pidA).Update(idA, keyA)
	idB := a.NewMap()
	m.EntryFor(pidB).Update(idB, keyB)
	a.RequestPage(idA, 0, 0, 0)
	a.RequestPage(idB, 0, 0, 0)
	finishFrame(a, m)

	// The footprint projects onto A's page (0, 0) but, through B's
	// shifted projection, onto a page B never mapped.
	m.Invalidate([]InstanceRange{{
		First: 10, Count: 5,
		Bounds: Footprint{Center: [3]float32{-0.9, -0.9, 0}, Radius: 0.05},
	}})

	a.Reset(2)
	idA = a.NewMap()
	m.EntryFor(pidA).Update(idA, keyA)
	idB = a.NewMap()
	m.EntryFor(pidB).Update(idB, keyB)
	a.RequestPage(idA, 0, 0, 0)
	a.RequestPage(idB, 0, 0, 0)
	finishFrame(a, m)

	s := a.Stats()
	if s.ReusedPages != 1 || s.AllocatedPages != 1 {
		t.Errorf("got reused/allocated = %d/%d, want 1/1", s.ReusedPages, s.AllocatedPages)
	}
	if s.InvalidatedPages != 1 {
		t.Errorf("InvalidatedPages = %d, want 1", s.InvalidatedPages)
	}
}

func TestInvalidationBehindPlaneReleasesWholeMap(t *testing.T) {
	a, m := newScene(t)
	pid := ProducerID{Light: 1}
	// A projection with w = z: geometry behind the plane has no
	// bounded screen footprint.
	var key Key
	key.M[0], key.M[5], key.M[10] = 1, 1, 1
	key.M[14] = 1

	a.Reset(1)
	id := a.NewMap()
	m.EntryFor(pid).Update(id, key)
	a.RequestPage(id, 0, 1, 1)
	a.RequestPage(id, 0, 6, 6)
	finishFrame(a, m)

	m.Invalidate([]InstanceRange{{
		Bounds: Footprint{Center: [3]float32{0, 0, -5}, Radius: 1},
	}})

	a.Reset(2)
	id = a.NewMap()
	m.EntryFor(pid).Update(id, key)
	a.RequestPage(id, 0, 1, 1)
	a.RequestPage(id, 0, 6, 6)
	finishFrame(a, m)

	s := a.Stats()
	if s.ReusedPages != 0 || s.AllocatedPages != 2 {
		t.Errorf("got reused/allocated = %d/%d, want 0/2", s.ReusedPages, s.AllocatedPages)
	}
	if s.InvalidatedPages != 2 {
		t.Errorf("InvalidatedPages = %d, want 2", s.InvalidatedPages)
	}
}

func TestInvalidationKeepsHierarchyExact(t *testing.T) {
	a, m := newScene(t)
	pid := ProducerID{Light: 1}
	key := translationKey(0)

	a.Reset(1)
	id := a.NewMap()
	m.EntryFor(pid).Update(id, key)
	a.RequestPage(id, 0, 0, 0)
	a.RequestPage(id, 0, 7, 7)
	finishFrame(a, m)

	m.Invalidate([]InstanceRange{{
		Bounds: Footprint{Center: [3]float32{-0.9, -0.9, 0}, Radius: 0.05},
	}})
	st := m.PrevState()
	if st == nil {
		t.Fatalf("no previous state")
	}
	l := st.Layout
	if st.PageFlags.Get(l.MapPageIndex(0, 0, 0, 0)) {
		t.Errorf("invalidated page still flagged")
	}
	if !st.PageFlags.Get(l.MapPageIndex(0, 0, 7, 7)) {
		t.Errorf("untouched page lost its flag")
	}
	// The reduction over the cleared corner must have been rebuilt;
	// the one over the surviving corner must still be set.
	if st.HFlags.Get(l.MapHIndex(0, 0, 2, 0, 0)) {
		t.Errorf("hierarchy over cleared corner still set")
	}
	if !st.HFlags.Get(l.MapHIndex(0, 0, 2, 1, 1)) {
		t.Errorf("hierarchy over surviving corner cleared")
	}
}
