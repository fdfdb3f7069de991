// Package stopwatch provides the bounded-wait primitive used by the scheduler loop.
//
// A Watch is not safe for concurrent use; each wait operation owns its own instance.
package stopwatch

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrNotStarted = errors.New("stopwatch not started")

// Watch measures elapsed time and optionally expires after a fixed duration.
// A zero or negative duration means the watch never expires.
type Watch struct {
	clk      clock.Clock
	duration time.Duration

	started   time.Time
	stoppedAt time.Time
	// paused accumulates time spent stopped, so Resume continues where Stop left off.
	paused  time.Duration
	running bool
}

// New returns an unstarted watch. A nil clock uses the wall clock.
func New(clk clock.Clock, duration time.Duration) *Watch {
	if clk == nil {
		clk = clock.New()
	}
	return &Watch{clk: clk, duration: duration}
}

// StartNew is New followed by Start.
func StartNew(clk clock.Clock, duration time.Duration) *Watch {
	w := New(clk, duration)
	w.Start()
	return w
}

// Start (re)starts timing from now.
func (w *Watch) Start() {
	w.started = w.clk.Now()
	w.stoppedAt = time.Time{}
	w.paused = 0
	w.running = true
}

// Stop freezes the elapsed time.
func (w *Watch) Stop() error {
	if w.started.IsZero() {
		return ErrNotStarted
	}
	if w.running {
		w.stoppedAt = w.clk.Now()
		w.running = false
	}
	return nil
}

// Resume continues a stopped watch. Resuming a never-started watch starts it.
func (w *Watch) Resume() {
	if w.started.IsZero() {
		w.Start()
		return
	}
	if w.running {
		return
	}
	w.paused += w.clk.Now().Sub(w.stoppedAt)
	w.stoppedAt = time.Time{}
	w.running = true
}

// Elapsed returns the time since Start, excluding stopped intervals.
func (w *Watch) Elapsed() (time.Duration, error) {
	if w.started.IsZero() {
		return 0, ErrNotStarted
	}
	end := w.clk.Now()
	if !w.running {
		end = w.stoppedAt
	}
	return end.Sub(w.started) - w.paused, nil
}

// Duration is the configured bound (0 when unbounded).
func (w *Watch) Duration() time.Duration {
	if w.duration < 0 {
		return 0
	}
	return w.duration
}

// Expired reports whether elapsed time exceeds the configured duration.
// An unbounded or unstarted watch never expires.
func (w *Watch) Expired() bool {
	if w.duration <= 0 {
		return false
	}
	el, err := w.Elapsed()
	if err != nil {
		return false
	}
	return el > w.duration
}

// Leftover returns the time remaining until expiry: 0 once expired, -1 when unbounded.
func (w *Watch) Leftover() time.Duration {
	if w.duration <= 0 {
		return -1
	}
	el, err := w.Elapsed()
	if err != nil {
		return w.duration
	}
	if left := w.duration - el; left > 0 {
		return left
	}
	return 0
}
