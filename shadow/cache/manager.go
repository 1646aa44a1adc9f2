package cache

import "github.com/renderward/vsm/shadow"

// ProducerID names the stable source of one shadow map: a light plus a
// sub-map index (a clipmap level or a cube face). Per-frame map IDs are
// dense and unstable; producers are how identity survives frames.
type ProducerID struct {
	Light uint64
	Index int32
}

// Manager implements shadow.PageCache. It owns the previous frame's
// extracted state, the per-producer entries, and the queue of
// invalidations to apply before that state is consulted again.
//
// The manager is single-goroutine: producers register their maps, the
// frame passes run, and extraction rotates state, all from the frame
// loop. Only the mapping pass's MapCacheData calls arrive from worker
// goroutines, and those only read state frozen before the pass began.
type Manager struct {
	layout *shadow.Layout

	active map[ProducerID]*Entry
	prev   map[ProducerID]*Entry

	prevState *shadow.FrameState

	// byID indexes active entries by current map ID, built lazily on
	// the first MapCacheData call each frame.
	byID []*Entry

	pending []InstanceRange
	applied bool

	stats *shadow.Stats
}

// NewManager creates a cache manager for one page layout. Extracted
// state from an incompatible layout is rejected at consumption.
func NewManager(layout *shadow.Layout) *Manager {
	return &Manager{
		layout: layout,
		active: make(map[ProducerID]*Entry),
		prev:   make(map[ProducerID]*Entry),
	}
}

// AttachStats points the manager at a statistics sample to report
// invalidation counts into. May be nil to stop reporting.
func (m *Manager) AttachStats(s *shadow.Stats) {
	m.stats = s
}

// EntryFor returns the producer's entry, carrying it over from the
// previous frame when the producer was present then, or creating a
// cold one. The caller must then register the map with Update or
// UpdateClipmap.
func (m *Manager) EntryFor(pid ProducerID) *Entry {
	if e, ok := m.active[pid]; ok {
		return e
	}
	if e, ok := m.prev[pid]; ok {
		delete(m.prev, pid)
		m.active[pid] = e
		return e
	}
	e := &Entry{prevID: shadow.InvalidMapID, currentID: shadow.InvalidMapID}
	m.active[pid] = e
	return e
}

// PrevState returns the previous frame's committed state with queued
// invalidations applied, or nil when nothing usable is cached.
func (m *Manager) PrevState() *shadow.FrameState {
	if m.prevState != nil && !m.layout.Compatible(m.prevState.Layout) {
		m.prevState = nil
	}
	if m.prevState != nil && !m.applied {
		m.applyInvalidations()
	}
	m.applied = true
	m.pending = m.pending[:0]
	return m.prevState
}

// MapCacheData reports the previous-frame identity and offsets for a
// current map ID. Safe to call from the mapping pass's worker
// goroutines once PrevState has been consulted.
func (m *Manager) MapCacheData(id shadow.MapID) shadow.MapCacheData {
	if id < 0 || int(id) >= len(m.byID) || m.byID[id] == nil {
		return shadow.NoMapCache
	}
	return m.byID[id].cacheData()
}

// BeginFrame must run after every producer registered its maps and
// before the mapping pass: it freezes the map ID index the pass reads.
func (m *Manager) BeginFrame(numMaps int) {
	if cap(m.byID) < numMaps {
		m.byID = make([]*Entry, numMaps)
	}
	m.byID = m.byID[:numMaps]
	for i := range m.byID {
		m.byID[i] = nil
	}
	for _, e := range m.active {
		if e.touched && e.currentID >= 0 && int(e.currentID) < numMaps {
			m.byID[e.currentID] = e
		}
	}
}

// Extract stores the frame's committed state and rotates entries: each
// touched entry's current identity becomes its previous one, and
// producers absent this frame are dropped. A nil state leaves the next
// frame cold.
func (m *Manager) Extract(st *shadow.FrameState) {
	m.prevState = st
	m.applied = false
	m.prev = make(map[ProducerID]*Entry, len(m.active))
	for pid, e := range m.active {
		if !e.touched {
			continue
		}
		e.commit(st != nil)
		m.prev[pid] = e
	}
	m.active = make(map[ProducerID]*Entry, len(m.prev))
	m.byID = m.byID[:0]
}
