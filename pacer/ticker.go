// Package pacer provides pacing sources for framepipe, standing in for a display's refresh
// callback.
package pacer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-framepipe"
)

// DefaultRate is the refresh rate used when a non-positive rate is given.
const DefaultRate = 60.0

// ErrRunning is returned by Start if the ticker is already running.
var ErrRunning = errors.New("pacer: ticker already running")

// Ticker calls its tick function at a fixed rate, from its own goroutine, and supports a
// single immediate follow-up tick on request. It may be started again after it is stopped.
type Ticker struct {
	mu       sync.Mutex
	interval time.Duration
	running  bool
	quit     chan struct{}
	done     chan struct{}

	// rate holds at most one pending interval change
	rate chan time.Duration
	// immediate holds at most one pending follow-up request
	immediate chan struct{}

	ticks      atomic.Uint64
	immediates atomic.Uint64
}

var _ framepipe.Pacer = (*Ticker)(nil)

// NewTicker returns a stopped ticker, firing hz times per second once started.
func NewTicker(hz float64) *Ticker {
	return &Ticker{
		interval:  rateToInterval(hz),
		rate:      make(chan time.Duration, 1),
		immediate: make(chan struct{}, 1),
	}
}

// Start launches the tick goroutine. The tick function must not block for long, as ticks do
// not queue up behind it.
func (t *Ticker) Start(tick func(immediate bool)) error {
	if tick == nil {
		return errors.New("pacer: nil tick function")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrRunning
	}

	// requests made while stopped are stale
	select {
	case <-t.immediate:
	default:
	}
	select {
	case <-t.rate:
	default:
	}

	t.running = true
	t.quit = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(tick, t.interval, t.quit, t.done)
	return nil
}

// Stop halts the tick goroutine, and waits for it to exit. Stopping a stopped ticker is a
// no-op.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.quit)
	done := t.done
	t.mu.Unlock()

	<-done
}

// RequestImmediate asks for one extra tick as soon as possible. Requests made before the
// previous one was served are coalesced.
func (t *Ticker) RequestImmediate() {
	select {
	case t.immediate <- struct{}{}:
	default:
	}
}

// SetRate changes the tick rate. If running, the change takes effect immediately.
func (t *Ticker) SetRate(hz float64) {
	interval := rateToInterval(hz)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.interval = interval
	if !t.running {
		return
	}

	// replace any pending value
	select {
	case t.rate <- interval:
	default:
		select {
		case <-t.rate:
		default:
		}
		t.rate <- interval
	}
}

// Interval returns the current tick interval.
func (t *Ticker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Ticks returns the number of periodic and immediate ticks delivered so far.
func (t *Ticker) Ticks() (periodic, immediate uint64) {
	return t.ticks.Load(), t.immediates.Load()
}

func (t *Ticker) loop(tick func(immediate bool), interval time.Duration, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			t.ticks.Add(1)
			tick(false)
		case <-t.immediate:
			t.immediates.Add(1)
			tick(true)
		case newInterval := <-t.rate:
			ticker.Reset(newInterval)
		}
	}
}

func rateToInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = DefaultRate
	}
	interval := time.Duration(float64(time.Second) / hz)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return interval
}
