package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/renderward/vsm"
	"github.com/renderward/vsm/cmd/internal/replay"
	"github.com/renderward/vsm/cmd/internal/spinner"
	"github.com/renderward/vsm/shadow"

	"golang.org/x/exp/mmap"
)

var (
	dim      uint
	levels   uint
	pageSize uint
	poolX    uint
	poolY    uint
	noCache  bool
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that sanity-checks frame traces by replaying them\n")
		fmt.Fprintf(flag.CommandLine.Output(), "and verifying per-frame mapping invariants.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <frame-trace-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.UintVar(&dim, "dim", 128, "level-0 page dimension, a power of two")
	flag.UintVar(&levels, "levels", 8, "detail levels per map")
	flag.UintVar(&pageSize, "pagesize", 128, "texels per page side, a power of two")
	flag.UintVar(&poolX, "pool-x", 64, "physical pool width in pages, a power of two")
	flag.UintVar(&poolY, "pool-y", 64, "physical pool height in pages")
	flag.BoolVar(&noCache, "nocache", false, "disable cross-frame page reuse")
}

func handleError(err error, usage bool) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if usage {
		flag.Usage()
	}
	os.Exit(1)
}

const maxErrors = 20

// checker verifies one frame's committed state after the passes run.
type checker struct {
	problems []string
	seen     shadow.Bitmap

	frames  uint64
	reqs    uint64
	mapped  uint64
	reused  uint64
	dropped uint64
}

func (c *checker) reportf(format string, args ...interface{}) {
	if len(c.problems) <= maxErrors {
		c.problems = append(c.problems, fmt.Sprintf(format, args...))
	}
}

func (c *checker) check(h *replay.Harness) error {
	arr := h.Array
	l := arr.Layout()
	frame := arr.Frame()

	if c.seen == nil {
		c.seen = shadow.NewBitmap(arr.Pool().Capacity())
	}
	c.seen.Reset()

	for m := 0; m < arr.NumMaps(); m++ {
		id := shadow.MapID(m)
		for level := uint32(0); level < l.MaxMipLevels(); level++ {
			dim := l.LevelDim(level)
			for y := uint32(0); y < dim; y++ {
				for x := uint32(0); x < dim; x++ {
					slot, ok := arr.Lookup(id, level, x, y)
					if ok != arr.PageFlag(id, level, x, y) {
						c.reportf("frame %d: map %d page (%d, %d, %d) flag disagrees with table", frame, m, level, x, y)
					}
					if !ok {
						continue
					}
					if uint32(slot) >= arr.Pool().Capacity() {
						c.reportf("frame %d: map %d page (%d, %d, %d) mapped out of pool bounds", frame, m, level, x, y)
						continue
					}
					if !c.seen.SetAtomic(uint32(slot)) {
						c.reportf("frame %d: slot %d mapped by more than one page", frame, slot)
					}
					if arr.Pool().Meta[slot].State == shadow.PageEmpty {
						c.reportf("frame %d: slot %d mapped but marked empty", frame, slot)
					}
				}
			}
		}
		c.checkHierarchy(arr, id)
	}

	s := arr.Stats()
	c.frames++
	c.reqs += s.RequestedPages
	c.mapped += s.MappedPages
	c.reused += s.ReusedPages
	c.dropped += s.DroppedPages
	if len(c.problems) > maxErrors {
		return errors.New("too many invariant violations")
	}
	return nil
}

// checkHierarchy verifies every hierarchical flag is exactly the OR of
// its children.
func (c *checker) checkHierarchy(arr *shadow.Array, id shadow.MapID) {
	l := arr.Layout()
	frame := arr.Frame()
	for level := uint32(0); level < l.MaxMipLevels(); level++ {
		for h := uint32(1); h <= l.HMipCount(level); h++ {
			dim := l.LevelDim(level + h)
			childDim := l.LevelDim(level + h - 1)
			for y := uint32(0); y < dim; y++ {
				for x := uint32(0); x < dim; x++ {
					want := false
					for cy := y * 2; cy < y*2+2 && cy < childDim; cy++ {
						for cx := x * 2; cx < x*2+2 && cx < childDim; cx++ {
							if h == 1 {
								want = want || arr.PageFlag(id, level, cx, cy)
							} else {
								want = want || arr.HierFlag(id, level, h-1, cx, cy)
							}
						}
					}
					if got := arr.HierFlag(id, level, h, x, y); got != want {
						c.reportf("frame %d: map %d hierarchy (%d, %d, %d, %d) is %t, want %t", frame, id, level, h, x, y, got, want)
					}
				}
			}
		}
	}
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		handleError(errors.New("incorrect number of arguments"), true)
	}
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		handleError(fmt.Errorf("failed to map trace: %v", err), false)
	}
	defer r.Close()
	fmt.Println("Generating parser...")
	p, err := vsm.NewParser(r)
	if err != nil {
		handleError(fmt.Errorf("creating parser: %v", err), false)
	}
	fmt.Println("Replaying events...")

	h := replay.New(replay.Config{
		Level0DimPages: uint32(dim),
		MaxMipLevels:   uint32(levels),
		PageSize:       uint32(pageSize),
		PoolPagesX:     uint32(poolX),
		PoolPagesY:     uint32(poolY),
		CacheEnabled:   !noCache,
	})
	c := new(checker)
	h.OnFrame = c.check

	var pMu sync.Mutex
	spinner.Start(func() float64 {
		pMu.Lock()
		prog := p.Progress()
		pMu.Unlock()
		return prog
	}, spinner.Format("Processing... %.4f%%"))

	for {
		pMu.Lock()
		ev, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			handleError(fmt.Errorf("parsing events: %v", err), false)
		}
		if err := h.Process(ev); err != nil {
			fmt.Fprintf(os.Stderr, "replay stopped: %v\n", err)
			break
		}
	}
	spinner.Stop()

	if n := len(c.problems); n != 0 {
		tooMany := n > maxErrors
		if tooMany {
			n = maxErrors
			fmt.Fprintf(os.Stderr, "found >%d invariant violations:\n", maxErrors)
		} else {
			fmt.Fprintf(os.Stderr, "found %d invariant violations:\n", n)
		}
		for i := 0; i < n; i++ {
			fmt.Fprintf(os.Stderr, "  %s\n", c.problems[i])
		}
		if tooMany {
			fmt.Fprintf(os.Stderr, "too many violations\n")
		}
	}
	fmt.Printf("Frames:    %d\n", c.frames)
	fmt.Printf("Requested: %d\n", c.reqs)
	fmt.Printf("Mapped:    %d\n", c.mapped)
	fmt.Printf("Reused:    %d\n", c.reused)
	fmt.Printf("Dropped:   %d\n", c.dropped)
}
