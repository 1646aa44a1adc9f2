package shadow

import (
	"runtime"
	"testing"
	"time"
)

func pollWait(t *testing.T, r *Readback) Stats {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := r.Poll(); ok {
			return s
		}
		runtime.Gosched()
	}
	t.Fatalf("snapshot never completed")
	return Stats{}
}

func TestReadbackOrder(t *testing.T) {
	r := NewReadback()
	for frame := uint32(1); frame <= 3; frame++ {
		s := NewStats()
		s.Frame = frame
		s.MappedPages = uint64(frame) * 10
		r.Submit(s.Snapshot())
	}
	for frame := uint32(1); frame <= 3; frame++ {
		s := pollWait(t, r)
		if s.Frame != frame {
			t.Errorf("polled frame %d, want %d", s.Frame, frame)
		}
		if s.MappedPages != uint64(frame)*10 {
			t.Errorf("frame %d mapped = %d, want %d", frame, s.MappedPages, frame*10)
		}
	}
	if _, ok := r.Poll(); ok {
		t.Errorf("empty readback returned a sample")
	}
}

func TestReadbackOverflowDropsOldest(t *testing.T) {
	r := NewReadback()
	for frame := uint32(1); frame <= 6; frame++ {
		s := NewStats()
		s.Frame = frame
		r.Submit(s.Snapshot())
	}
	if got := r.Pending(); got != 4 {
		t.Fatalf("Pending() = %d, want 4", got)
	}
	if s := pollWait(t, r); s.Frame != 3 {
		t.Errorf("oldest surviving frame = %d, want 3", s.Frame)
	}
}

func TestReadbackDiscard(t *testing.T) {
	r := NewReadback()
	s := NewStats()
	s.Frame = 7
	r.Submit(s.Snapshot())
	r.Discard()
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending() after Discard = %d, want 0", got)
	}
	if _, ok := r.Poll(); ok {
		t.Errorf("discarded readback returned a sample")
	}
}

func TestReadbackSnapshotIsIndependent(t *testing.T) {
	r := NewReadback()
	s := NewStats()
	s.Frame = 1
	s.MappedPages = 5
	r.Submit(s.Snapshot())
	s.MappedPages = 99
	got := pollWait(t, r)
	if got.MappedPages != 5 {
		t.Errorf("sample mapped = %d, want 5", got.MappedPages)
	}
}
