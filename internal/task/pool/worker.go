package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"entropy/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			atomic.AddInt32(&p.inFlight, 1)
			p.execOne(ctx, qt)
			atomic.AddInt32(&p.inFlight, -1)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, qt queuedTask) {
	defer p.release(qt.task.Name)

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}

	if p.cfg.MaxQueueDelay > 0 && queueDelay > p.cfg.MaxQueueDelay {
		atomic.AddUint64(&p.droppedStale, 1)
		item.Error = "stale_queue_delay"
		p.record(item)
		p.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		return
	}

	runCtx := ctx
	cancel := func() {}
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	// A panicking task must not kill the worker.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return qt.task.Run(runCtx)
	}()
	cancel()

	item.Duration = time.Since(start)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		item.Error = err.Error()
		p.log.Debug("task failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", item.Duration))
	} else {
		atomic.AddUint64(&p.completed, 1)
		p.log.Trace("task completed", logx.String("task", qt.task.Name), logx.Duration("dur", item.Duration))
	}
	p.record(item)
}
