package vsm

// EventKind indicates what kind of frame trace event is captured and
// returned.
type EventKind uint8

const (
	EventBad           EventKind = iota
	EventLightUpdate             // A non-scrolling map's projection for the frame.
	EventClipmapUpdate           // A scrolling map's placement for the frame.
	EventPageRequest             // One page needed this frame.
	EventCasterPage              // One page containing a movable caster.
	EventInstanceMove            // Scene instances moved.
	EventInstanceRemove          // Scene instances removed.
	EventFrameEnd                // All of a frame's events have been seen.
)

// Event represents a single frame trace event.
type Event struct {
	// Frame is the frame number this event belongs to. Valid for all
	// events.
	Frame uint32

	// Light identifies the light producing a map. Valid when Kind is
	// EventLightUpdate, EventClipmapUpdate, EventPageRequest, or
	// EventCasterPage.
	Light uint64

	// Index is the light's sub-map index, a clipmap level or cube face.
	// Valid whenever Light is.
	Index int32

	// Level, X, Y address one page within the map. Valid when Kind is
	// EventPageRequest or EventCasterPage.
	Level, X, Y uint32

	// Matrix carries the map's projection, row major. All 16 entries
	// are valid for EventLightUpdate; only the first 9 (the rotation)
	// are valid for EventClipmapUpdate.
	Matrix [16]float32

	// OriginX, OriginY place a scrolling map's page window. Valid when
	// Kind == EventClipmapUpdate.
	OriginX, OriginY int32

	// WorldPerPage is a scrolling map's world units per page. Valid
	// when Kind == EventClipmapUpdate.
	WorldPerPage float32

	// DepthRef is a scrolling map's depth reference for the frame.
	// Valid when Kind == EventClipmapUpdate.
	DepthRef float32

	// Center and Radius bound mutated scene geometry. Valid when Kind
	// is EventInstanceMove or EventInstanceRemove.
	Center [3]float32
	Radius float32

	// First and Count name the run of mutated instances. Valid when
	// Kind is EventInstanceMove or EventInstanceRemove.
	First, Count uint32

	// Stream indicates which trace stream carried the event.
	// Valid for all events.
	Stream int32

	// Kind indicates what kind of event this is.
	// This may be assumed to always be valid.
	Kind EventKind
}
