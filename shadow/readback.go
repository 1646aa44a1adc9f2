package shadow

import "sync/atomic"

// readbackOp is one in-flight statistics snapshot. The producer fills
// the sample on its own goroutine and flips ready; consumers poll.
type readbackOp struct {
	sample Stats
	ready  uint32
}

// Readback is a bounded queue of statistics snapshots flowing from
// frame extraction to whoever consumes them, typically one or more
// frames later. Snapshots are taken asynchronously so extraction never
// blocks on the copy; Poll returns a sample only once it is complete.
//
// Submit and Poll must each be called from a single goroutine, but the
// two goroutines may differ.
type Readback struct {
	ops  []*readbackOp
	head int
	tail int
	size int
}

// readbackDepth bounds how many snapshots may be in flight. Submitting
// past the bound drops the oldest unconsumed sample.
const readbackDepth = 4

// NewReadback creates an empty readback queue.
func NewReadback() *Readback {
	return &Readback{ops: make([]*readbackOp, readbackDepth)}
}

// Submit enqueues a snapshot. The copy completes on a separate
// goroutine; the sample becomes visible to Poll once done.
func (r *Readback) Submit(sample Stats) {
	if r.size == readbackDepth {
		// Consumer fell behind; the oldest sample is lost.
		r.head = (r.head + 1) % readbackDepth
		r.size--
	}
	op := &readbackOp{}
	r.ops[r.tail] = op
	r.tail = (r.tail + 1) % readbackDepth
	r.size++
	go func() {
		op.sample = sample.Snapshot()
		atomic.StoreUint32(&op.ready, 1)
	}()
}

// Poll returns the oldest completed snapshot, or false when none has
// completed yet. Samples complete in submission order.
func (r *Readback) Poll() (Stats, bool) {
	if r.size == 0 {
		return Stats{}, false
	}
	op := r.ops[r.head]
	if atomic.LoadUint32(&op.ready) == 0 {
		return Stats{}, false
	}
	r.ops[r.head] = nil
	r.head = (r.head + 1) % readbackDepth
	r.size--
	return op.sample, true
}

// Pending returns how many submitted snapshots have not been polled
// yet, completed or not.
func (r *Readback) Pending() int {
	return r.size
}

// Discard drops every in-flight snapshot without waiting for the
// copies to complete.
func (r *Readback) Discard() {
	for i := range r.ops {
		r.ops[i] = nil
	}
	r.head, r.tail, r.size = 0, 0, 0
}
