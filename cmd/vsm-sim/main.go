package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/renderward/vsm"
	"github.com/renderward/vsm/cmd/internal/replay"
	"github.com/renderward/vsm/cmd/internal/spinner"

	"golang.org/x/exp/mmap"
)

var (
	outFile   string
	dim       uint
	levels    uint
	pageSize  uint
	poolX     uint
	poolY     uint
	period    uint
	noCache   bool
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that replays a frame trace through the page cache\n")
		fmt.Fprintf(flag.CommandLine.Output(), "and generates a CSV of per-frame statistics.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <frame-trace-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&outFile, "o", "./out.csv", "output file for the per-frame statistics")
	flag.UintVar(&dim, "dim", 128, "level-0 page dimension, a power of two")
	flag.UintVar(&levels, "levels", 8, "detail levels per map")
	flag.UintVar(&pageSize, "pagesize", 128, "texels per page side, a power of two")
	flag.UintVar(&poolX, "pool-x", 64, "physical pool width in pages, a power of two")
	flag.UintVar(&poolY, "pool-y", 64, "physical pool height in pages")
	flag.UintVar(&period, "period", 1, "frames between statistics samples")
	flag.BoolVar(&noCache, "nocache", false, "disable cross-frame page reuse")
}

func checkFlags() error {
	if flag.NArg() != 1 {
		return errors.New("incorrect number of arguments")
	}
	if period == 0 {
		return errors.New("-period must be non-zero")
	}
	return nil
}

func run() error {
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to map trace: %v", err)
	}
	defer r.Close()
	fmt.Println("Generating parser...")
	p, err := vsm.NewParser(r)
	if err != nil {
		return fmt.Errorf("creating parser: %v", err)
	}

	out, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating statistics file: %v", err)
	}
	defer out.Close()

	h := replay.New(replay.Config{
		Level0DimPages:  uint32(dim),
		MaxMipLevels:    uint32(levels),
		PageSize:        uint32(pageSize),
		PoolPagesX:      uint32(poolX),
		PoolPagesY:      uint32(poolY),
		CacheEnabled:    !noCache,
		AccumulateStats: true,
	})

	fmt.Fprintf(out, "Frame,Requested,Mapped,Reused,Allocated,Dropped,Invalidated")
	for _, name := range h.Array.Stats().OtherStats() {
		fmt.Fprintf(out, ",%s", name)
	}
	fmt.Fprintln(out)

	// Completed frames get drained from the readback on the frame
	// after the snapshot was submitted, so samples trail the replay by
	// a frame or two.
	drain := func() {
		for {
			s, ok := h.Array.Readback().Poll()
			if !ok {
				break
			}
			if uint(s.Frame)%period != 0 {
				continue
			}
			fmt.Fprintf(out, "%d,%d,%d,%d,%d,%d,%d", s.Frame,
				s.RequestedPages, s.MappedPages, s.ReusedPages,
				s.AllocatedPages, s.DroppedPages, s.InvalidatedPages)
			for _, name := range s.OtherStats() {
				fmt.Fprintf(out, ",%d", s.GetOther(name))
			}
			fmt.Fprintln(out)
		}
	}
	h.OnFrame = func(*replay.Harness) error {
		drain()
		return nil
	}

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
			return fmt.Errorf("parsing events: %v", err)
		}
		if err := h.Process(ev); err != nil {
			return fmt.Errorf("replaying events: %v", err)
		}
	}
	spinner.Stop()
	// The last snapshots may still be copying; wait them out.
	for h.Array.Readback().Pending() > 0 {
		drain()
		runtime.Gosched()
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
