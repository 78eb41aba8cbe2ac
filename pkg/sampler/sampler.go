// Package sampler runs a Scale on its own goroutine, either at a fixed rate
// or back-to-back, and exposes only the newest reading to the control loop,
// so a slow or jittery sensor read never blocks the dosing step.
package sampler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cesuratx/doser-go/pkg/clock"
	"github.com/cesuratx/doser-go/pkg/fixedpoint"
	"github.com/cesuratx/doser-go/pkg/hw"
)

// Mode selects the producer goroutine's read cadence.
type Mode int

const (
	// ModeEvent blocks on Scale.Read back-to-back, relying on the sensor's
	// own data-ready signaling (or the read timeout) to pace samples.
	ModeEvent Mode = iota
	// ModePaced reads at a fixed rate on absolute deadlines: each deadline is
	// the previous one plus one period, so read time and sleep overshoot do
	// not accumulate as drift.
	ModePaced
)

// Sampler owns a background goroutine reading from a Scale and publishes
// only the latest value through a mutex-guarded single-value slot. This is
// the same "newest wins, stale drops" semantics as a bounded(1) channel
// drained with try_iter().last(); a plain mutex and a pointer field read
// just as clearly in Go and avoid pulling in a queue library for a queue
// depth of one.
type Sampler struct {
	scale   hw.Scale
	timeout time.Duration
	mode    Mode
	hz      uint32
	clk     clock.Clock
	epoch   time.Time

	mu     sync.Mutex
	latest *int32

	lastOkMs atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// Spawn starts the background producer goroutine and returns immediately.
// Stop must be called to release it.
func Spawn(scale hw.Scale, mode Mode, hz uint32, timeout time.Duration, clk clock.Clock) *Sampler {
	if clk == nil {
		clk = clock.New()
	}
	s := &Sampler{
		scale:   scale,
		timeout: timeout,
		mode:    mode,
		hz:      hz,
		clk:     clk,
		epoch:   clk.Now(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.lastOkMs.Store(s.clk.MsSince(s.epoch))
	go s.run()
	return s
}

func (s *Sampler) run() {
	defer close(s.doneCh)

	var periodUs uint64
	var next time.Time
	if s.mode == ModePaced {
		periodUs = fixedpoint.PeriodUs(s.hz)
		next = s.clk.Now()
	}

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		v, err := s.scale.Read(s.timeout)
		if err == nil {
			s.mu.Lock()
			val := v
			s.latest = &val
			s.mu.Unlock()
			s.lastOkMs.Store(s.clk.MsSince(s.epoch))
		}

		if s.mode == ModePaced {
			next = next.Add(time.Duration(periodUs) * time.Microsecond)
			if wait := next.Sub(s.clk.Now()); wait > 0 {
				s.clk.Sleep(wait)
			}
		}
	}
}

// Latest returns the most recent reading and clears the slot, or false if
// no new reading has arrived since the last call.
func (s *Sampler) Latest() (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return 0, false
	}
	v := *s.latest
	s.latest = nil
	return v, true
}

// StalledFor returns how many milliseconds have elapsed since the last
// successful read, given the caller's current clock reading.
func (s *Sampler) StalledFor(nowMs uint64) uint64 {
	last := s.lastOkMs.Load()
	if last > nowMs {
		return 0
	}
	return nowMs - last
}

// Stop signals the producer goroutine to exit and waits for it, bounded by
// the given timeout so a blocked Scale.Read (beyond its own timeout) cannot
// hang shutdown indefinitely.
func (s *Sampler) Stop(wait time.Duration) {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(wait):
	}
}
