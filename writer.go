package vsm

import (
	"fmt"
	"io"
	"math"
)

// Writer encodes frame trace events into the batched format Parser
// reads. Events are sharded across streams by light so replay can
// interleave them; each stream's batches are written in frame order.
//
// Events must be added in nondecreasing frame order. The Writer is not
// safe for concurrent use.
type Writer struct {
	w       io.Writer
	streams []streamWriter
	scratch []byte
}

type streamWriter struct {
	buf       []byte
	syncFrame uint32
	started   bool
}

// NewWriter creates a Writer emitting to w with the given number of
// streams. The file header is written immediately.
func NewWriter(w io.Writer, streams int) (*Writer, error) {
	if streams <= 0 {
		streams = 1
	}
	header := [headerSize]byte{'V', 'S', byte(supportedVersion >> 8), byte(supportedVersion)}
	if _, err := w.Write(header[:]); err != nil {
		return nil, err
	}
	sw := make([]streamWriter, streams)
	for i := range sw {
		sw[i].buf = make([]byte, 0, batchSize)
	}
	return &Writer{w: w, streams: sw}, nil
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendSvarint(buf []byte, v int64) []byte {
	return appendVarint(buf, zigzag(v))
}

func appendFloat32(buf []byte, f float32) []byte {
	return appendVarint(buf, uint64(math.Float32bits(f)))
}

// Add encodes one event. Frame end markers go to stream 0; everything
// else is sharded by light or instance run so streams stay balanced.
func (w *Writer) Add(ev Event) error {
	w.scratch = w.scratch[:0]
	switch ev.Kind {
	case EventLightUpdate:
		w.scratch = append(w.scratch, vsEvLightUpdate)
		w.scratch = appendVarint(w.scratch, ev.Light)
		w.scratch = appendSvarint(w.scratch, int64(ev.Index))
		for _, f := range ev.Matrix {
			w.scratch = appendFloat32(w.scratch, f)
		}
	case EventClipmapUpdate:
		w.scratch = append(w.scratch, vsEvClipmapUpdate)
		w.scratch = appendVarint(w.scratch, ev.Light)
		w.scratch = appendSvarint(w.scratch, int64(ev.Index))
		for i := 0; i < 9; i++ {
			w.scratch = appendFloat32(w.scratch, ev.Matrix[i])
		}
		w.scratch = appendSvarint(w.scratch, int64(ev.OriginX))
		w.scratch = appendSvarint(w.scratch, int64(ev.OriginY))
		w.scratch = appendFloat32(w.scratch, ev.WorldPerPage)
		w.scratch = appendFloat32(w.scratch, ev.DepthRef)
	case EventPageRequest, EventCasterPage:
		kind := vsEvPageRequest
		if ev.Kind == EventCasterPage {
			kind = vsEvCasterPage
		}
		w.scratch = append(w.scratch, kind)
		w.scratch = appendVarint(w.scratch, ev.Light)
		w.scratch = appendSvarint(w.scratch, int64(ev.Index))
		w.scratch = appendVarint(w.scratch, uint64(ev.Level))
		w.scratch = appendVarint(w.scratch, uint64(ev.X))
		w.scratch = appendVarint(w.scratch, uint64(ev.Y))
	case EventInstanceMove, EventInstanceRemove:
		kind := vsEvInstanceMove
		if ev.Kind == EventInstanceRemove {
			kind = vsEvInstanceRemove
		}
		w.scratch = append(w.scratch, kind)
		w.scratch = appendVarint(w.scratch, uint64(ev.First))
		w.scratch = appendVarint(w.scratch, uint64(ev.Count))
		for _, f := range ev.Center {
			w.scratch = appendFloat32(w.scratch, f)
		}
		w.scratch = appendFloat32(w.scratch, ev.Radius)
	case EventFrameEnd:
		w.scratch = append(w.scratch, vsEvFrameEnd)
	default:
		return fmt.Errorf("cannot encode event of kind %d", ev.Kind)
	}
	return w.append(w.pick(ev), ev.Frame, w.scratch)
}

// pick routes an event to a stream.
func (w *Writer) pick(ev Event) int {
	switch ev.Kind {
	case EventFrameEnd:
		return 0
	case EventInstanceMove, EventInstanceRemove:
		return int(uint64(ev.First) % uint64(len(w.streams)))
	default:
		return int(ev.Light % uint64(len(w.streams)))
	}
}

// append places an encoded event into a stream's current batch,
// flushing the batch first when the event (plus a possible sync and
// the end marker) would not fit.
func (w *Writer) append(stream int, frame uint32, enc []byte) error {
	sw := &w.streams[stream]
	// Worst case we also need a sync event and the batch end marker.
	const syncMax = 1 + 5
	if sw.started && len(sw.buf)+len(enc)+syncMax+1 > batchSize {
		if err := w.flush(stream); err != nil {
			return err
		}
	}
	if !sw.started {
		sw.buf = append(sw.buf, vsEvBatchStart)
		sw.buf = appendVarint(sw.buf, uint64(stream))
		sw.buf = append(sw.buf, vsEvSync)
		sw.buf = appendVarint(sw.buf, uint64(frame))
		sw.syncFrame = frame
		sw.started = true
	} else if frame != sw.syncFrame {
		sw.buf = append(sw.buf, vsEvSync)
		sw.buf = appendVarint(sw.buf, uint64(frame))
		sw.syncFrame = frame
	}
	sw.buf = append(sw.buf, enc...)
	return nil
}

// flush pads a stream's batch to the fixed size and writes it out.
func (w *Writer) flush(stream int) error {
	sw := &w.streams[stream]
	if !sw.started {
		return nil
	}
	sw.buf = append(sw.buf, vsEvBatchEnd)
	for len(sw.buf) < batchSize {
		sw.buf = append(sw.buf, 0)
	}
	_, err := w.w.Write(sw.buf)
	sw.buf = sw.buf[:0]
	sw.started = false
	return err
}

// Close flushes every stream's open batch. The Writer must not be used
// afterwards.
func (w *Writer) Close() error {
	for stream := range w.streams {
		if err := w.flush(stream); err != nil {
			return err
		}
	}
	return nil
}
