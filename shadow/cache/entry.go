// Package cache tracks per-producer shadow map identity across frames
// and implements the shadow.PageCache contract: it stores each frame's
// extracted state, matches this frame's maps to last frame's, and
// applies mutation-driven invalidation before the state is reused.
package cache

import "github.com/renderward/vsm/shadow"

// Key identifies a non-scrolling map's projection: the full combined
// view-projection matrix, row major. Any change denies reuse, since
// cached depths are only valid under the exact projection that
// rendered them.
type Key struct {
	M [16]float32
}

// RotationKey identifies a scrolling map's orientation only, row major.
// Scrolling maps translate with their subject, so translation is
// excluded from the identity; a translation becomes a page-space offset
// instead of a cache drop.
type RotationKey struct {
	M [9]float32
}

// Entry is the cross-frame record for one producer's map. The producer
// updates it every frame it emits the map; the manager rotates current
// state into previous state at extraction.
type Entry struct {
	prevID    shadow.MapID
	currentID shadow.MapID
	touched   bool

	clipmap bool

	// Non-scrolling identity.
	key Key

	// Scrolling identity and window placement.
	rotKey       RotationKey
	pageOrigin   shadow.Point
	worldPerPage float32
	depthRef     float32

	prevPageOrigin shadow.Point
	prevDepthRef   float32
}

// Update registers a non-scrolling map for this frame. Reuse survives
// only when the projection is unchanged from the previous frame.
func (e *Entry) Update(newID shadow.MapID, key Key) {
	if e.clipmap || key != e.key {
		e.prevID = shadow.InvalidMapID
	}
	e.currentID = newID
	e.clipmap = false
	e.key = key
	e.touched = true
}

// UpdateClipmap registers a scrolling map for this frame. A rotation or
// scale change denies reuse; a translation is expressed as the page
// origin moving, which the mapping pass resolves per level.
func (e *Entry) UpdateClipmap(newID shadow.MapID, rot RotationKey, pageOrigin shadow.Point, worldPerPage, depthRef float32) {
	if !e.clipmap || rot != e.rotKey || worldPerPage != e.worldPerPage {
		e.prevID = shadow.InvalidMapID
	}
	e.currentID = newID
	e.clipmap = true
	e.rotKey = rot
	e.pageOrigin = pageOrigin
	e.worldPerPage = worldPerPage
	e.depthRef = depthRef
	e.touched = true
}

// CurrentID returns the map ID the producer registered this frame.
func (e *Entry) CurrentID() shadow.MapID { return e.currentID }

// cacheData builds the mapping pass's view of this entry.
func (e *Entry) cacheData() shadow.MapCacheData {
	if e.prevID == shadow.InvalidMapID {
		return shadow.NoMapCache
	}
	cd := shadow.MapCacheData{PrevID: e.prevID}
	if e.clipmap {
		// A current page coordinate plus the offset lands on the page
		// that covered the same world position last frame.
		cd.PageOffset = shadow.Point{
			X: e.pageOrigin.X - e.prevPageOrigin.X,
			Y: e.pageOrigin.Y - e.prevPageOrigin.Y,
		}
		// Carried texels were measured against last frame's depth
		// reference; shift them onto this frame's.
		cd.DepthOffset = e.prevDepthRef - e.depthRef
	}
	return cd
}

// commit rotates this frame's identity into previous-frame state. When
// usable is false the next frame starts cold for this entry.
func (e *Entry) commit(usable bool) {
	if usable {
		e.prevID = e.currentID
	} else {
		e.prevID = shadow.InvalidMapID
	}
	e.currentID = shadow.InvalidMapID
	e.prevPageOrigin = e.pageOrigin
	e.prevDepthRef = e.depthRef
	e.touched = false
}
