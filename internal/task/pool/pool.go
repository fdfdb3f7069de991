// Package pool is a bounded worker pool for short-lived units of work.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"entropy/internal/runtime/supervisor"
	"entropy/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Pool struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	q        chan queuedTask
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopping bool

	// running counts queued + executing tasks per name.
	runMu   sync.Mutex
	running map[string]int

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32

	completed        uint64
	failed           uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		log:     log,
		running: map[string]int{},
	}
}

// Start launches the workers. Tasks run with contexts derived from ctx.
// Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.q = make(chan queuedTask, p.cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopping = false
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))

	stopCh, queue := p.stopCh, p.q
	for i := 0; i < p.cfg.Workers; i++ {
		// Workers are restarted if they exit unexpectedly.
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker exited unexpectedly")
		})
	}
	p.log.Debug("worker pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops accepting tasks, cancels running ones and waits for workers
// bounded by ctx. Queued tasks that did not start are discarded.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopCh == nil || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	err := sup.Stop(ctx)

	p.mu.Lock()
	q := p.q
	p.q = nil
	p.stopCh = nil
	p.sup = nil
	p.mu.Unlock()
	if q != nil {
		for {
			select {
			case qt := <-q:
				p.release(qt.task.Name)
				continue
			default:
			}
			break
		}
	}
	if err != nil {
		p.log.Warn("worker pool stop incomplete", logx.Err(err))
		return err
	}
	p.log.Debug("worker pool stopped")
	return nil
}

// Enqueue adds a task without blocking; a full queue returns ErrQueueFull.
func (p *Pool) Enqueue(t Task) error {
	return p.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx is done or the pool stops.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	return p.enqueue(ctx, t, true)
}

func (p *Pool) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("run-%x-%x", now.UnixNano(), atomic.AddUint64(&p.idSeq, 1))
	}

	p.mu.Lock()
	q, stopCh, stopping := p.q, p.stopCh, p.stopping
	p.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	if !p.acquire(t.Name, t.SkipIfRunning) {
		p.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			p.release(t.Name)
			p.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		p.release(t.Name)
		return ctx.Err()
	case <-stopCh:
		p.release(t.Name)
		return ErrStopping
	}
}

func (p *Pool) acquire(name string, exclusive bool) bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if exclusive && p.running[name] > 0 {
		return false
	}
	p.running[name]++
	return true
}

func (p *Pool) release(name string) {
	p.runMu.Lock()
	if n := p.running[name]; n <= 1 {
		delete(p.running, name)
	} else {
		p.running[name] = n - 1
	}
	p.runMu.Unlock()
}

// Running returns the sorted names of queued or executing tasks.
func (p *Pool) Running() []string {
	p.runMu.Lock()
	out := make([]string, 0, len(p.running))
	for n := range p.running {
		out = append(out, n)
	}
	p.runMu.Unlock()
	sort.Strings(out)
	return out
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	q := p.q
	p.mu.Unlock()
	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Workers:          p.cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&p.inFlight)),
		Running:          p.Running(),
		Completed:        atomic.LoadUint64(&p.completed),
		Failed:           atomic.LoadUint64(&p.failed),
		DroppedQueueFull: atomic.LoadUint64(&p.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&p.droppedStale),
		History:          h,
	}
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}

func (p *Pool) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&p.droppedQueueFull, 1)
	prev := atomic.LoadInt64(&p.lastQueueFullWarnAt)
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if !atomic.CompareAndSwapInt64(&p.lastQueueFullWarnAt, prev, now.UnixNano()) {
		return
	}
	p.log.Warn("task dropped: queue full",
		logx.String("task", t.Name),
		logx.String("id", t.ID),
		logx.Int("queue_len", len(q)),
		logx.Int("queue_cap", cap(q)),
		logx.Uint64("dropped_queue_full", atomic.LoadUint64(&p.droppedQueueFull)),
	)
}
