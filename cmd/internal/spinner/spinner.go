// Package spinner prints a periodically refreshed progress line to
// standard output while a long replay runs.
package spinner

import (
	"fmt"
	"sync"
	"time"
)

// Option configures the spinner.
type Option func(cfg *config)

// Format sets the progress line's format string. The string must have
// exactly one verb accepting a float64, the percent completion.
func Format(ft string) Option {
	return func(cfg *config) {
		cfg.format = ft
	}
}

// Period sets the delay between refreshes.
func Period(p time.Duration) Option {
	return func(cfg *config) {
		cfg.period = p
	}
}

type config struct {
	period time.Duration
	format string
}

var global struct {
	mu   sync.Mutex
	stop chan struct{}
	done sync.WaitGroup
}

// Start begins refreshing a progress line on standard output. sample
// is polled at every refresh and must return a value between 0 and 1.
//
// Only one spinner may run at a time; Start panics if one already is.
func Start(sample func() float64, options ...Option) {
	cfg := config{
		period: time.Second,
		format: "Progress: %.1f%%",
	}
	for _, opt := range options {
		opt(&cfg)
	}
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.stop != nil {
		panic("tried to start spinner twice")
	}
	stop := make(chan struct{})
	global.stop = stop
	global.done.Add(1)
	go func() {
		defer global.done.Done()
		tick := time.NewTicker(cfg.period)
		defer tick.Stop()
		for {
			fmt.Printf(cfg.format+"\r", sample()*100)
			select {
			case <-stop:
				fmt.Println()
				return
			case <-tick.C:
			}
		}
	}()
}

// Stop halts the running spinner, if any, and waits for its final
// line to be printed.
func Stop() {
	global.mu.Lock()
	stop := global.stop
	global.stop = nil
	global.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	global.done.Wait()
}
