package vsm

import (
	"bytes"
	"fmt"
	"io"
	"testing"
)

type memSource struct {
	*bytes.Reader
}

func (m memSource) Len() int { return int(m.Size()) }

func sourceFor(t *testing.T, events []Event, streams int) Source {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, streams)
	if err != nil {
		t.Fatalf("creating writer: %v", err)
	}
	for _, ev := range events {
		if err := w.Add(ev); err != nil {
			t.Fatalf("adding event: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return memSource{bytes.NewReader(buf.Bytes())}
}

func readAll(t *testing.T, src Source) []Event {
	t.Helper()
	p, err := NewParser(src)
	if err != nil {
		t.Fatalf("creating parser: %v", err)
	}
	var out []Event
	for {
		ev, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("parsing events: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

// eventKey normalizes an event for multiset comparison; stream
// assignment is a writer detail.
func eventKey(ev Event) string {
	ev.Stream = 0
	return fmt.Sprintf("%+v", ev)
}

func testEvents() []Event {
	var events []Event
	for frame := uint32(0); frame < 3; frame++ {
		events = append(events, Event{
			Frame: frame,
			Kind:  EventClipmapUpdate,
			Light: 0, Index: 1,
			Matrix:       [16]float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
			OriginX:      int32(frame) * 2,
			OriginY:      -1,
			WorldPerPage: 4,
			DepthRef:     0.25 * float32(frame),
		})
		events = append(events, Event{
			Frame: frame,
			Kind:  EventLightUpdate,
			Light: 7, Index: 0,
			Matrix: [16]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		})
		for i := uint32(0); i < 5; i++ {
			events = append(events, Event{
				Frame: frame,
				Kind:  EventPageRequest,
				Light: 7,
				Level: i % 3, X: i, Y: i + 1,
			})
		}
		events = append(events, Event{
			Frame: frame,
			Kind:  EventCasterPage,
			Light: 7,
			Level: 0, X: 2, Y: 3,
		})
		if frame == 1 {
			events = append(events, Event{
				Frame:  frame,
				Kind:   EventInstanceMove,
				First:  100,
				Count:  12,
				Center: [3]float32{1.5, -2.5, 3.5},
				Radius: 0.75,
			})
			events = append(events, Event{
				Frame: frame,
				Kind:  EventInstanceRemove,
				First: 200,
				Count: 1,
			})
		}
		events = append(events, Event{Frame: frame, Kind: EventFrameEnd})
	}
	return events
}

func TestWriterParserRoundTrip(t *testing.T) {
	for _, streams := range []int{1, 3} {
		t.Run(fmt.Sprintf("streams=%d", streams), func(t *testing.T) {
			events := testEvents()
			got := readAll(t, sourceFor(t, events, streams))
			if len(got) != len(events) {
				t.Fatalf("parsed %d events, want %d", len(got), len(events))
			}

			// Events come back grouped by frame, with each frame's end
			// marker last.
			lastFrame := uint32(0)
			ended := false
			for i, ev := range got {
				if ev.Frame < lastFrame {
					t.Fatalf("event %d went back to frame %d after frame %d", i, ev.Frame, lastFrame)
				}
				if ev.Frame > lastFrame {
					if !ended {
						t.Fatalf("frame %d began before frame %d ended", ev.Frame, lastFrame)
					}
					lastFrame = ev.Frame
					ended = false
				}
				if ev.Kind == EventFrameEnd {
					ended = true
				} else if ended {
					t.Fatalf("event %d arrived after its frame ended", i)
				}
			}
			if !ended {
				t.Fatalf("last frame never ended")
			}

			// Same multiset of events, independent of intra-frame order.
			want := make(map[string]int)
			for _, ev := range events {
				want[eventKey(ev)]++
			}
			for _, ev := range got {
				want[eventKey(ev)]--
			}
			for key, n := range want {
				if n != 0 {
					t.Errorf("event %s off by %d", key, n)
				}
			}
		})
	}
}

func TestWriterSplitsLargeFrames(t *testing.T) {
	// Enough events to overflow several batches on one stream.
	var events []Event
	for frame := uint32(0); frame < 2; frame++ {
		for i := 0; i < 1500; i++ {
			events = append(events, Event{
				Frame: frame,
				Kind:  EventPageRequest,
				Light: 1,
				Level: 0, X: uint32(i % 64), Y: uint32(i % 64),
			})
		}
		events = append(events, Event{Frame: frame, Kind: EventFrameEnd})
	}
	src := sourceFor(t, events, 1)
	if src.Len()%batchSize != headerSize {
		t.Fatalf("trace length %d is not header plus whole batches", src.Len())
	}
	if src.Len() < headerSize+2*batchSize {
		t.Fatalf("trace length %d, want multiple batches", src.Len())
	}
	got := readAll(t, src)
	if len(got) != len(events) {
		t.Fatalf("parsed %d events, want %d", len(got), len(events))
	}
}

func TestParserRejectsBadInput(t *testing.T) {
	empty := sourceFor(t, nil, 1)
	if _, err := NewParser(empty); err != nil {
		t.Errorf("empty trace rejected: %v", err)
	}

	bad := memSource{bytes.NewReader([]byte{'X', 'Y', 0, 1})}
	if _, err := NewParser(bad); err == nil {
		t.Errorf("bad magic accepted")
	}

	truncated := memSource{bytes.NewReader(make([]byte, headerSize+batchSize-1))}
	if _, err := NewParser(truncated); err == nil {
		t.Errorf("truncated trace accepted")
	}
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 1 << 20, ^uint64(0)} {
		buf := appendVarint(nil, v)
		n, got, err := parseVarint(buf)
		if err != nil {
			t.Fatalf("parseVarint(%d): %v", v, err)
		}
		if n != len(buf) || got != v {
			t.Errorf("varint %d round-tripped to %d (%d of %d bytes)", v, got, n, len(buf))
		}
	}
}

func TestZigzagRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, -64, 1 << 30, -(1 << 30)} {
		if got := unzigzag(zigzag(v)); got != v {
			t.Errorf("zigzag %d round-tripped to %d", v, got)
		}
	}
}

func TestOrderKey(t *testing.T) {
	if !(orderKey(3, false) < orderKey(3, true)) {
		t.Errorf("frame end does not sort after its frame's events")
	}
	if !(orderKey(3, true) < orderKey(4, false)) {
		t.Errorf("frame end does not sort before the next frame")
	}
	if orderKey(^uint32(0), true) == doneKey {
		t.Errorf("real key collides with the done sentinel")
	}
}
