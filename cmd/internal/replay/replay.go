// Package replay drives the page management core from a frame trace:
// it turns trace events into map registrations, page requests, and
// invalidations, and runs the frame pass sequence at each frame end.
package replay

import (
	"fmt"

	"github.com/renderward/vsm"
	"github.com/renderward/vsm/shadow"
	"github.com/renderward/vsm/shadow/cache"
)

// Config carries the core parameters a replay runs with.
type Config struct {
	Level0DimPages uint32
	MaxMipLevels   uint32
	PageSize       uint32
	PoolPagesX     uint32
	PoolPagesY     uint32

	CacheEnabled    bool
	AccumulateStats bool
}

// Harness owns one replay's core state. Process consumes events in
// trace order; OnFrame, if set, runs after each frame's passes with
// the frame's state still committed, before extraction.
type Harness struct {
	Array   *shadow.Array
	Manager *cache.Manager

	OnFrame func(h *Harness) error

	frame     uint32
	inFrame   bool
	producers map[cache.ProducerID]shadow.MapID
	rendered  []bool
}

// New builds a harness around a fresh core.
func New(cfg Config) *Harness {
	layout := shadow.NewLayout(cfg.Level0DimPages, cfg.MaxMipLevels, cfg.PageSize)
	mgr := cache.NewManager(layout)
	arr := shadow.NewArray(shadow.Config{
		Level0DimPages:  cfg.Level0DimPages,
		MaxMipLevels:    cfg.MaxMipLevels,
		PageSize:        cfg.PageSize,
		PoolPagesX:      cfg.PoolPagesX,
		PoolPagesY:      cfg.PoolPagesY,
		CacheEnabled:    cfg.CacheEnabled,
		AccumulateStats: cfg.AccumulateStats,
	}, mgr)
	mgr.AttachStats(arr.Stats())
	return &Harness{
		Array:     arr,
		Manager:   mgr,
		producers: make(map[cache.ProducerID]shadow.MapID),
	}
}

// Frame returns the frame currently being assembled or just completed.
func (h *Harness) Frame() uint32 { return h.frame }

// MapFor resolves a producer to this frame's map ID.
func (h *Harness) MapFor(light uint64, index int32) (shadow.MapID, bool) {
	id, ok := h.producers[cache.ProducerID{Light: light, Index: index}]
	return id, ok
}

// Process consumes one trace event. Events must arrive in trace order:
// grouped by frame, each frame terminated by its end marker.
func (h *Harness) Process(ev vsm.Event) error {
	if !h.inFrame {
		h.frame = ev.Frame
		h.inFrame = true
		h.Array.Reset(ev.Frame)
		for pid := range h.producers {
			delete(h.producers, pid)
		}
	} else if ev.Frame != h.frame {
		return fmt.Errorf("frame %d event arrived before frame %d ended", ev.Frame, h.frame)
	}
	pid := cache.ProducerID{Light: ev.Light, Index: ev.Index}
	switch ev.Kind {
	case vsm.EventLightUpdate:
		if _, ok := h.producers[pid]; ok {
			return fmt.Errorf("frame %d: light %d/%d updated twice", ev.Frame, ev.Light, ev.Index)
		}
		id := h.Array.NewMap()
		h.Manager.EntryFor(pid).Update(id, cache.Key{M: ev.Matrix})
		h.producers[pid] = id
	case vsm.EventClipmapUpdate:
		if _, ok := h.producers[pid]; ok {
			return fmt.Errorf("frame %d: light %d/%d updated twice", ev.Frame, ev.Light, ev.Index)
		}
		id := h.Array.NewMap()
		var rot cache.RotationKey
		copy(rot.M[:], ev.Matrix[:9])
		h.Manager.EntryFor(pid).UpdateClipmap(id,
			rot,
			shadow.Point{X: ev.OriginX, Y: ev.OriginY},
			ev.WorldPerPage, ev.DepthRef)
		h.producers[pid] = id
	case vsm.EventPageRequest, vsm.EventCasterPage:
		id, ok := h.producers[pid]
		if !ok {
			return fmt.Errorf("frame %d: page event for light %d/%d before its update", ev.Frame, ev.Light, ev.Index)
		}
		l := h.Array.Layout()
		if ev.Level >= l.MaxMipLevels() || ev.X >= l.LevelDim(ev.Level) || ev.Y >= l.LevelDim(ev.Level) {
			return fmt.Errorf("frame %d: page (%d, %d, %d) out of range", ev.Frame, ev.Level, ev.X, ev.Y)
		}
		if ev.Kind == vsm.EventCasterPage {
			h.Array.MarkCasterPage(id, ev.Level, ev.X, ev.Y)
		} else {
			h.Array.RequestPage(id, ev.Level, ev.X, ev.Y)
		}
	case vsm.EventInstanceMove, vsm.EventInstanceRemove:
		h.Manager.Invalidate([]cache.InstanceRange{{
			First: ev.First,
			Count: ev.Count,
			Bounds: cache.Footprint{
				Center: ev.Center,
				Radius: ev.Radius,
			},
		}})
	case vsm.EventFrameEnd:
		return h.endFrame()
	default:
		return fmt.Errorf("frame %d: unknown event kind %d", ev.Frame, ev.Kind)
	}
	return nil
}

// endFrame runs the pass sequence over the assembled frame.
func (h *Harness) endFrame() error {
	h.Manager.BeginFrame(h.Array.NumMaps())
	h.Array.BuildMapping()
	h.Array.BuildHierarchicalFlags()
	h.Array.ClearPhysicalPages()
	if n := h.Array.NumMaps(); cap(h.rendered) < n {
		h.rendered = make([]bool, n)
	} else {
		h.rendered = h.rendered[:n]
	}
	// A replay renders everything it mapped.
	for i := range h.rendered {
		h.rendered[i] = true
	}
	h.Array.MarkPhysicalPagesRendered(h.rendered)
	if h.OnFrame != nil {
		if err := h.OnFrame(h); err != nil {
			return err
		}
	}
	h.Array.Extract()
	h.inFrame = false
	return nil
}
