// Package runqueue holds the time-ordered list of pending audit invocations.
//
// The queue has two writers: the serializer appends whole batches and the
// scheduler loop pops the contiguous equal-time head. Both go through one mutex.
package runqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrClosed     = errors.New("run queue closed")
	ErrOutOfOrder = errors.New("run queue batch out of order")
)

// ScheduledRun is one future audit invocation.
type ScheduledRun struct {
	Time  time.Time
	Audit string
}

type Queue struct {
	mu     sync.Mutex
	runs   []ScheduledRun
	closed bool

	// wake has capacity 1; Extend pokes it so waiters don't have to poll.
	wake chan struct{}
	clk  clock.Clock
}

func New() *Queue { return NewWithClock(nil) }

// NewWithClock builds a queue whose Wait timeouts follow clk.
func NewWithClock(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{wake: make(chan struct{}, 1), clk: clk}
}

// SortRuns stable-sorts runs by time ascending.
func SortRuns(runs []ScheduledRun) {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Time.Before(runs[j].Time) })
}

// Extend appends a batch atomically: either every run is committed or none is.
// The batch must be sorted and must not start before the current tail.
func (q *Queue) Extend(batch []ScheduledRun) error {
	if len(batch) == 0 {
		return nil
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].Time.Before(batch[i-1].Time) {
			return ErrOutOfOrder
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if n := len(q.runs); n > 0 && batch[0].Time.Before(q.runs[n-1].Time) {
		q.mu.Unlock()
		return ErrOutOfOrder
	}
	q.runs = append(q.runs, batch...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// PopBatch removes the head run and every following run sharing its time.
func (q *Queue) PopBatch() (time.Time, []ScheduledRun, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.runs) == 0 {
		return time.Time{}, nil, false
	}
	at := q.runs[0].Time
	n := 1
	for n < len(q.runs) && q.runs[n].Time.Equal(at) {
		n++
	}
	batch := make([]ScheduledRun, n)
	copy(batch, q.runs[:n])

	// Shift instead of reslicing so the backing array doesn't pin popped runs forever.
	rest := copy(q.runs, q.runs[n:])
	for i := rest; i < len(q.runs); i++ {
		q.runs[i] = ScheduledRun{}
	}
	q.runs = q.runs[:rest]
	return at, batch, true
}

// Wait blocks until the queue is extended, d elapses, or ctx is done.
// It returns true when woken by an Extend. A non-positive d waits without bound.
func (q *Queue) Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-q.wake:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := q.clk.Timer(d)
	defer t.Stop()
	select {
	case <-q.wake:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Clear discards every pending run.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.runs)
	q.runs = nil
	q.mu.Unlock()
	return n
}

// Close clears the queue and rejects all later Extend calls.
func (q *Queue) Close() int {
	q.mu.Lock()
	n := len(q.runs)
	q.runs = nil
	q.closed = true
	q.mu.Unlock()
	return n
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runs)
}

// Snapshot returns a copy of the pending runs in queue order.
func (q *Queue) Snapshot() []ScheduledRun {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ScheduledRun, len(q.runs))
	copy(out, q.runs)
	return out
}
