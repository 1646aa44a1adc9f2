package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/renderward/vsm"
)

var (
	outFile  string
	frames   uint
	lights   uint
	clipmaps uint
	dim      uint
	levels   uint
	seed     int64
	streams  uint
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that generates a synthetic frame trace: a scrolling\n")
		fmt.Fprintf(flag.CommandLine.Output(), "directional light, wandering local lights, and moving geometry.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&outFile, "o", "./trace.vsm", "output file for the trace")
	flag.UintVar(&frames, "frames", 240, "number of frames to generate")
	flag.UintVar(&lights, "lights", 8, "number of local lights")
	flag.UintVar(&clipmaps, "clipmaps", 4, "clipmap levels for the directional light")
	flag.UintVar(&dim, "dim", 128, "level-0 page dimension the trace targets")
	flag.UintVar(&levels, "levels", 8, "detail levels the trace targets")
	flag.Int64Var(&seed, "seed", 1, "seed for the random number generator")
	flag.UintVar(&streams, "streams", 4, "trace streams to shard events across")
}

func checkFlags() error {
	if frames == 0 {
		return errors.New("-frames must be non-zero")
	}
	if dim == 0 || dim&(dim-1) != 0 {
		return errors.New("-dim must be a power of two")
	}
	if levels == 0 || uint(1)<<(levels-1) > dim {
		return errors.New("-levels out of range for -dim")
	}
	return nil
}

// localLight is a wandering perspective light. Its projection is a
// translation in page space; moving it changes the projection and
// drops its cached pages, so lights are biased to sit still.
type localLight struct {
	id     uint64
	tx, ty float32
	cx, cy int32
	moved  bool
}

func (ll *localLight) matrix() (m [16]float32) {
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	m[3] = ll.tx
	m[7] = ll.ty
	return m
}

// clipmapLevel is one ring of the directional light's scrolling map.
type clipmapLevel struct {
	index    int32
	originX  int32
	originY  int32
	depthRef float32
}

func run() error {
	f, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating trace file: %v", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	w, err := vsm.NewWriter(bw, int(streams))
	if err != nil {
		return fmt.Errorf("creating writer: %v", err)
	}

	rng := rand.New(rand.NewSource(seed))

	cls := make([]clipmapLevel, clipmaps)
	for i := range cls {
		cls[i] = clipmapLevel{index: int32(i)}
	}
	lls := make([]localLight, lights)
	for i := range lls {
		lls[i] = localLight{
			id: uint64(i) + 1,
			cx: rng.Int31n(int32(dim)),
			cy: rng.Int31n(int32(dim)),
		}
	}

	// Identity rotation, row major 3x3.
	var identity [16]float32
	identity[0], identity[4], identity[8] = 1, 1, 1

	add := func(ev vsm.Event) error { return w.Add(ev) }
	for frame := uint32(0); frame < uint32(frames); frame++ {
		// The directional light scrolls steadily; its depth reference
		// drifts as the camera height changes.
		for i := range cls {
			cl := &cls[i]
			if frame > 0 && frame%8 == 0 {
				// Scroll aligned to the coarsest level so every level
				// can express the offset.
				step := int32(1) << (levels - 1)
				cl.originX += step
			}
			cl.depthRef = float32(frame) * 0.001
			if err := add(vsm.Event{
				Frame:        frame,
				Kind:         vsm.EventClipmapUpdate,
				Light:        0,
				Index:        cl.index,
				Matrix:       identity,
				OriginX:      cl.originX,
				OriginY:      cl.originY,
				WorldPerPage: float32(int32(1) << uint(cl.index)),
				DepthRef:     cl.depthRef,
			}); err != nil {
				return err
			}
			if err := requestBlob(add, frame, 0, cl.index, int32(dim)/2, int32(dim)/2, 6, uint32(levels), int32(dim), rng); err != nil {
				return err
			}
		}

		for i := range lls {
			ll := &lls[i]
			ll.moved = rng.Intn(32) == 0
			if ll.moved {
				// Teleport: new projection, cold cache next frame.
				ll.tx = rng.Float32()
				ll.ty = rng.Float32()
				ll.cx = rng.Int31n(int32(dim))
				ll.cy = rng.Int31n(int32(dim))
			} else {
				ll.cx += rng.Int31n(3) - 1
				ll.cy += rng.Int31n(3) - 1
			}
			if err := add(vsm.Event{
				Frame:  frame,
				Kind:   vsm.EventLightUpdate,
				Light:  ll.id,
				Index:  0,
				Matrix: ll.matrix(),
			}); err != nil {
				return err
			}
			if err := requestBlob(add, frame, ll.id, 0, ll.cx, ll.cy, 4, uint32(levels), int32(dim), rng); err != nil {
				return err
			}
		}

		// Geometry churns in bursts.
		if rng.Intn(4) == 0 {
			n := 1 + rng.Intn(3)
			for j := 0; j < n; j++ {
				kind := vsm.EventInstanceMove
				if rng.Intn(8) == 0 {
					kind = vsm.EventInstanceRemove
				}
				if err := add(vsm.Event{
					Frame:  frame,
					Kind:   kind,
					First:  uint32(rng.Intn(1 << 16)),
					Count:  uint32(1 + rng.Intn(64)),
					Center: [3]float32{rng.Float32() * 100, rng.Float32() * 100, rng.Float32() * 100},
					Radius: 1 + rng.Float32()*10,
				}); err != nil {
					return err
				}
			}
		}

		if err := add(vsm.Event{Frame: frame, Kind: vsm.EventFrameEnd}); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing writer: %v", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing trace: %v", err)
	}
	return nil
}

// requestBlob emits page requests in a square around a page-space
// center, at every level, with the occasional caster page mixed in.
func requestBlob(add func(vsm.Event) error, frame uint32, light uint64, index int32, cx, cy, radius int32, levels uint32, dim int32, rng *rand.Rand) error {
	for level := uint32(0); level < levels; level++ {
		ldim := dim >> level
		lcx, lcy := cx>>level, cy>>level
		r := radius >> level
		if r == 0 {
			r = 1
		}
		for y := lcy - r; y <= lcy+r; y++ {
			for x := lcx - r; x <= lcx+r; x++ {
				if x < 0 || y < 0 || x >= ldim || y >= ldim {
					continue
				}
				ev := vsm.Event{
					Frame: frame,
					Kind:  vsm.EventPageRequest,
					Light: light,
					Index: index,
					Level: level,
					X:     uint32(x),
					Y:     uint32(y),
				}
				if err := add(ev); err != nil {
					return err
				}
				if rng.Intn(64) == 0 {
					ev.Kind = vsm.EventCasterPage
					if err := add(ev); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func main() {
	flag.Parse()
	if err := checkFlags(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
