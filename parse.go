package vsm

import (
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const batchSize = 4 << 10

// Parser contains the frame trace parsing state.
type Parser struct {
	src          Source
	index        [][]batchOffset
	batches      []batchReader
	totalBatches uint64
}

// Source is a frame trace source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the frame trace in bytes.
	Len() int
}

type batchOffset struct {
	startFrame uint32
	headerLen  int
	fileOffset int64
}

// before orders batches by frame, breaking ties by file position so a
// frame spanning several batches replays in the order it was written.
func (b batchOffset) before(o batchOffset) bool {
	if b.startFrame != o.startFrame {
		return b.startFrame < o.startFrame
	}
	return b.fileOffset < o.fileOffset
}

const (
	vsEvBad uint8 = iota
	vsEvLightUpdate
	vsEvClipmapUpdate
	vsEvPageRequest
	vsEvCasterPage
	vsEvInstanceMove
	vsEvInstanceRemove
	vsEvFrameEnd
	vsEvSync
	vsEvBatchStart
	vsEvBatchEnd
)

func parseVarint(buf []byte) (int, uint64, error) {
	result := uint64(0)
	shift := uint(0)
	i := 0
loop:
	if i >= len(buf) {
		return 0, 0, fmt.Errorf("not enough bytes left to decode varint")
	}
	result |= uint64(buf[i]&0x7f) << shift
	if buf[i]&(1<<7) == 0 {
		return i + 1, result, nil
	}
	shift += 7
	i++
	if shift >= 64 {
		return 0, 0, fmt.Errorf("varint too long")
	}
	goto loop
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// decoder walks one batch's event payloads with a sticky error, so
// multi-field events read cleanly without per-field error plumbing.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) uvarint(what string) uint64 {
	if d.err != nil {
		return 0
	}
	n, v, err := parseVarint(d.buf[d.off:])
	if err != nil {
		d.err = fmt.Errorf("parsing %s: %v", what, err)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) svarint(what string) int64 {
	return unzigzag(d.uvarint(what))
}

func (d *decoder) float32(what string) float32 {
	return math.Float32frombits(uint32(d.uvarint(what)))
}

func parseBatchHeader(buf []byte) (int32, uint32, int, error) {
	idx := 0
	if buf[idx] != vsEvBatchStart {
		return 0, 0, 0, fmt.Errorf("expected batch start event")
	}
	idx++

	n, stream, err := parseVarint(buf[idx:])
	if err != nil {
		return 0, 0, 0, err
	}
	idx += n

	if buf[idx] != vsEvSync {
		return 0, 0, 0, fmt.Errorf("expected sync event")
	}
	idx++

	n, frame, err := parseVarint(buf[idx:])
	if err != nil {
		return 0, 0, 0, err
	}
	idx += n
	return int32(stream), uint32(frame), idx, nil
}

const headerSize = 4

const supportedVersion uint16 = 1

func parseHeader(r Source) (uint16, error) {
	var header [headerSize]byte
	n, err := r.ReadAt(header[:], 0)
	if n != 4 || err != nil {
		return 0, err
	}
	if header[0] != 'V' || header[1] != 'S' {
		return 0, fmt.Errorf("bad magic")
	}
	version := uint16(header[2])<<8 | uint16(header[3])
	return version, nil
}

// NewParser creates and initializes a new Parser given a Source.
//
// Initialization may involve ordering the trace, which may be
// computationally expensive.
//
// NewParser may fail if initialization, which may involve parsing
// part of or all of the trace, fails.
func NewParser(r Source) (*Parser, error) {
	// Check some basic properties, like the size and the header.
	if r.Len()%batchSize != headerSize {
		return nil, fmt.Errorf("bad format: file must be a multiple of %d bytes", batchSize)
	}
	version, err := parseHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %v", err)
	}
	if version != supportedVersion {
		return nil, fmt.Errorf("unsupported version")
	}

	// Figure out how to break up the initialization phase.
	shards := runtime.GOMAXPROCS(-1)
	numBatches := (r.Len() - headerSize) / batchSize
	if shards > numBatches {
		shards = 1
	}
	batchesPerShard := numBatches / shards
	if numBatches%shards != 0 {
		batchesPerShard = numBatches / (shards - 1)
	}

	// Build up a per-shard index.
	perShardIndex := make([][][]batchOffset, shards)
	var eg errgroup.Group
	for i := 0; i < shards; i++ {
		i := i
		eg.Go(func() error {
			const bufSize = 16
			var buf [bufSize]byte

			// Generate the index for this shard.
			index := make([][]batchOffset, 4)
			start := int64(batchesPerShard * i)
			end := int64(batchesPerShard * (i + 1))
			if end > int64(numBatches) {
				end = int64(numBatches)
			}
			for idx := start*batchSize + headerSize; idx < end*batchSize+headerSize; idx += batchSize {
				n, err := r.ReadAt(buf[:], idx)
				if n < bufSize {
					return err
				}
				stream, frame, hdrLen, err := parseBatchHeader(buf[:])
				if err != nil {
					return err
				}
				if int(stream) >= len(index) {
					index = append(index, make([][]batchOffset, int(stream)-len(index)+1)...)
				}
				index[stream] = append(index[stream], batchOffset{
					startFrame: frame,
					headerLen:  hdrLen,
					fileOffset: idx,
				})
			}
			// For each stream, sort the batches in the index.
			for stream := range index {
				sort.Slice(index[stream], func(i, j int) bool {
					return index[stream][i].before(index[stream][j])
				})
			}
			perShardIndex[i] = index
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Count the maximum number of streams we need to account for.
	// Note that this may be more than the number of streams actually
	// represented in the trace.
	maxStream := 0
	for i := range perShardIndex {
		if s := len(perShardIndex[i]); s > maxStream {
			maxStream = s
		}
	}

	// Count up how many batches there are for each stream.
	perStreamBatches := make([]int, maxStream)
	for stream := range perStreamBatches {
		for i := 0; i < shards; i++ {
			if stream < len(perShardIndex[i]) {
				perStreamBatches[stream] += len(perShardIndex[i][stream])
			}
		}
	}

	// Merge the per-shard indicies into one index, parallelizing
	// across streams.
	index := make([][]batchOffset, maxStream)
	streamChan := make(chan int, shards)
	var wg sync.WaitGroup
	for i := 0; i < shards; i++ {
		go func() {
			for {
				stream, ok := <-streamChan
				if !ok {
					return
				}
				for len(index[stream]) < perStreamBatches[stream] {
					minBatch := batchOffset{startFrame: ^uint32(0), fileOffset: int64(^uint64(0) >> 1)}
					minShard := -1
					for i := 0; i < shards; i++ {
						if stream < len(perShardIndex[i]) && len(perShardIndex[i][stream]) > 0 && perShardIndex[i][stream][0].before(minBatch) {
							minBatch = perShardIndex[i][stream][0]
							minShard = i
						}
					}
					perShardIndex[minShard][stream] = perShardIndex[minShard][stream][1:]
					index[stream] = append(index[stream], minBatch)
				}
				wg.Done()
			}
		}()
	}
	for stream := range index {
		if perStreamBatches[stream] != 0 {
			wg.Add(1)
			streamChan <- stream
		}
	}
	wg.Wait()
	close(streamChan)

	p := &Parser{
		src:          r,
		index:        index,
		batches:      make([]batchReader, maxStream),
		totalBatches: uint64(r.Len()-headerSize) / batchSize,
	}
	for stream := range index {
		p.batches[stream].key = doneKey
		if _, err := p.next(stream); err != nil {
			return nil, fmt.Errorf("initializing parser: %v", err)
		}
	}
	return p, nil
}

// doneKey orders an exhausted stream after every real event. Real keys
// put a frame's end marker after everything else in that frame, so a
// consumer sees a complete frame before being told it ended.
const doneKey = ^uint64(0)

func orderKey(frame uint32, end bool) uint64 {
	key := uint64(frame) << 1
	if end {
		key |= 1
	}
	return key
}

var streamEnd = errors.New("stream end")

type batchReader struct {
	next      Event
	key       uint64
	syncFrame uint32
	readBuf   []byte
	batchBuf  [batchSize]byte
}

func (b *batchReader) nextEvent() error {
	if len(b.readBuf) == 0 {
		return streamEnd
	}
	haveEvent := false
	b.next = Event{}
	for !haveEvent {
		d := decoder{buf: b.readBuf, off: 1}
		switch evKind := b.readBuf[0]; evKind {
		case vsEvLightUpdate:
			haveEvent = true
			b.next.Kind = EventLightUpdate
			b.next.Light = d.uvarint("light for light update")
			b.next.Index = int32(d.svarint("index for light update"))
			for i := range b.next.Matrix {
				b.next.Matrix[i] = d.float32("matrix for light update")
			}
		case vsEvClipmapUpdate:
			haveEvent = true
			b.next.Kind = EventClipmapUpdate
			b.next.Light = d.uvarint("light for clipmap update")
			b.next.Index = int32(d.svarint("index for clipmap update"))
			for i := 0; i < 9; i++ {
				b.next.Matrix[i] = d.float32("rotation for clipmap update")
			}
			b.next.OriginX = int32(d.svarint("origin for clipmap update"))
			b.next.OriginY = int32(d.svarint("origin for clipmap update"))
			b.next.WorldPerPage = d.float32("scale for clipmap update")
			b.next.DepthRef = d.float32("depth for clipmap update")
		case vsEvCasterPage:
			b.next.Kind = EventCasterPage
			fallthrough
		case vsEvPageRequest:
			haveEvent = true
			if b.next.Kind == EventBad {
				b.next.Kind = EventPageRequest
			}
			b.next.Light = d.uvarint("light for page event")
			b.next.Index = int32(d.svarint("index for page event"))
			b.next.Level = uint32(d.uvarint("level for page event"))
			b.next.X = uint32(d.uvarint("x for page event"))
			b.next.Y = uint32(d.uvarint("y for page event"))
		case vsEvInstanceRemove:
			b.next.Kind = EventInstanceRemove
			fallthrough
		case vsEvInstanceMove:
			haveEvent = true
			if b.next.Kind == EventBad {
				b.next.Kind = EventInstanceMove
			}
			b.next.First = uint32(d.uvarint("first for instance event"))
			b.next.Count = uint32(d.uvarint("count for instance event"))
			for i := range b.next.Center {
				b.next.Center[i] = d.float32("center for instance event")
			}
			b.next.Radius = d.float32("radius for instance event")
		case vsEvFrameEnd:
			haveEvent = true
			b.next.Kind = EventFrameEnd
		case vsEvSync:
			b.syncFrame = uint32(d.uvarint("sync event frame"))
		case vsEvBatchEnd:
			return streamEnd
		case vsEvBatchStart:
			return fmt.Errorf("unexpected header found")
		default:
			return fmt.Errorf("unknown event type %d", evKind)
		}
		if d.err != nil {
			return d.err
		}
		b.readBuf = b.readBuf[d.off:]
	}
	b.next.Frame = b.syncFrame
	b.key = orderKey(b.syncFrame, b.next.Kind == EventFrameEnd)
	return nil
}

func (p *Parser) peek(stream int) uint64 {
	return p.batches[stream].key
}

func (p *Parser) refill(stream int) error {
	// If we're out of batches, just mark this stream as done.
	if len(p.index[stream]) == 0 {
		p.batches[stream].key = doneKey
		return nil
	}
	// Grab the next batch for this stream.
	bo := p.index[stream][0]
	p.index[stream] = p.index[stream][1:]

	// Read in the batch.
	br := &p.batches[stream]
	n, err := p.src.ReadAt(br.batchBuf[:], bo.fileOffset)
	if n != len(br.batchBuf) {
		return err
	}

	// Skip the header.
	br.readBuf = br.batchBuf[bo.headerLen:]

	// Set the sync frame for this batch, which was present in the
	// header.
	br.syncFrame = bo.startFrame

	// Read the next event.
	if err := br.nextEvent(); err != nil && err != streamEnd {
		return fmt.Errorf("refill: stream %d: %v", stream, err)
	} else if err == streamEnd {
		return p.refill(stream)
	}
	return nil
}

func (p *Parser) next(stream int) (Event, error) {
	// Grab the current event first.
	ev := p.batches[stream].next
	ev.Stream = int32(stream)

	// Get the next event.
	if err := p.batches[stream].nextEvent(); err != nil && err != streamEnd {
		return Event{}, fmt.Errorf("stream %d: %v", stream, err)
	} else if err == streamEnd {
		// We've run out of things to parse for this stream! Refill.
		if err := p.refill(stream); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of parsing through the file.
func (p *Parser) Progress() float64 {
	left := uint64(0)
	for _, perStreamBatches := range p.index {
		left += uint64(len(perStreamBatches))
	}
	return float64(p.totalBatches-left) / float64(p.totalBatches)
}

// Next returns the next event in the trace, or an error if the parser
// failed to parse the next event out of the trace.
//
// Events are ordered by frame, with each frame's end marker last
// within its frame. Ordering between events of the same frame on
// different streams is unspecified.
func (p *Parser) Next() (Event, error) {
	// Compute which stream has the next event.
	minStream := -1
	minKey := doneKey
	for stream := range p.batches {
		if k := p.peek(stream); k < minKey {
			minKey = k
			minStream = stream
		}
	}

	// If there's no such event, signal that we're done.
	if minStream < 0 {
		return Event{}, io.EOF
	}

	// Return the event, and compute the next.
	return p.next(minStream)
}
