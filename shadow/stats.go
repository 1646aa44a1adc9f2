package shadow

import "sort"

// Stats is a sample of per-frame page management statistics.
type Stats struct {
	// Frame is the frame number the sample was taken on.
	Frame uint32

	// RequestedPages is the number of page requests seen by the
	// mapping pass.
	RequestedPages uint64

	// MappedPages is the number of requests that received a physical
	// slot, whether fresh or reused.
	MappedPages uint64

	// ReusedPages is the number of mapped pages carried over from the
	// previous frame without re-rendering.
	ReusedPages uint64

	// AllocatedPages is the number of freshly allocated slots.
	AllocatedPages uint64

	// DroppedPages is the number of requests left unmapped because the
	// pool was exhausted.
	DroppedPages uint64

	// InvalidatedPages is the number of previously cached pages whose
	// reuse was denied by invalidation this frame.
	InvalidatedPages uint64

	// other holds named statistics registered by collaborators, usually
	// a breakdown of the fixed counters or something else entirely.
	other map[string]uint64
}

// NewStats creates a new valid Stats object.
//
// Must be used instead of constructing a Stats object directly, since
// there are unexported fields which may need to be initialized.
func NewStats() *Stats {
	return &Stats{
		other: make(map[string]uint64),
	}
}

// OtherStats returns the sorted names of registered named statistics.
func (s *Stats) OtherStats() []string {
	names := make([]string, 0, len(s.other))
	for name := range s.other {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOther returns the value of a named statistic, or 0 if it is not
// registered.
func (s *Stats) GetOther(name string) uint64 {
	return s.other[name]
}

// RegisterOther registers a new named statistic.
//
// This operation is idempotent and safe to perform again, even after a
// statistic has been modified.
func (s *Stats) RegisterOther(name string) {
	if _, ok := s.other[name]; !ok {
		s.other[name] = 0
	}
}

// AddOther adds an amount to a named statistic. Panics if the statistic
// has not been registered.
func (s *Stats) AddOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val + amount
	} else {
		panic("attempted to add to non-existing stat")
	}
}

// Snapshot returns an independent copy of the sample.
func (s *Stats) Snapshot() Stats {
	c := *s
	c.other = make(map[string]uint64, len(s.other))
	for name, val := range s.other {
		c.other[name] = val
	}
	return c
}

// resetCounters zeroes every counter for a new frame, keeping
// registered names.
func (s *Stats) resetCounters(frame uint32) {
	*s = Stats{Frame: frame, other: s.other}
	for name := range s.other {
		s.other[name] = 0
	}
}
