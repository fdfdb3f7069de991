package engine

import (
	"context"
	"errors"
	"time"

	"entropy/internal/runqueue"
	"entropy/internal/task/pool"
	"entropy/pkg/logx"
	"entropy/pkg/stopwatch"
)

// WaitNext pops the next batch of runs sharing the earliest time, waiting
// while the queue is empty. It returns ErrTimeout once the queue stayed empty
// for timeout (timeout <= 0 waits without bound) and ctx.Err() if ctx ends.
func (e *Engine) WaitNext(ctx context.Context, timeout time.Duration) (time.Time, []runqueue.ScheduledRun, error) {
	sw := stopwatch.StartNew(e.clk, timeout)
	for {
		if at, batch, ok := e.queue.PopBatch(); ok {
			return at, batch, nil
		}
		if sw.Expired() {
			return time.Time{}, nil, ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return time.Time{}, nil, err
		}
		left := sw.Leftover()
		switch {
		case left < 0:
			left = 0 // unbounded
		case left == 0:
			// elapsed == timeout exactly; Expired needs strictly more
			left = time.Millisecond
		}
		e.queue.Wait(ctx, left)
	}
}

func (e *Engine) schedulerLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || !e.Enabled() {
			return nil
		}
		at, batch, err := e.WaitNext(ctx, e.cfg.EngineTimeout)
		if errors.Is(err, ErrTimeout) {
			e.log.Debug("no scheduled runs", logx.Duration("timeout", e.cfg.EngineTimeout))
			continue
		}
		if err != nil {
			return nil
		}
		if !e.sleepUntil(ctx, at) {
			return nil
		}
		if !e.Enabled() {
			e.log.Info("engine disabled; discarding due batch", logx.Time("due", at), logx.Int("runs", len(batch)))
			return nil
		}
		for _, run := range batch {
			e.submitAudit(ctx, run)
		}
	}
}

// submitAudit hands one run to the pool, waiting for a free queue slot
// rather than dropping the run when every worker is busy.
func (e *Engine) submitAudit(ctx context.Context, run runqueue.ScheduledRun) {
	err := e.pool.Submit(ctx, pool.Task{
		Name: run.Audit,
		Run:  func(ctx context.Context) error { return e.dispatchAudit(ctx, run) },
	})
	if err != nil && ctx.Err() != nil {
		e.log.Info("audit not dispatched; engine stopping", logx.String("audit", run.Audit), logx.Time("due", run.Time))
		return
	}
	if err != nil {
		e.recordAudit(run.Audit, run.Time, err)
		e.log.Warn("audit not dispatched",
			logx.String("audit", run.Audit),
			logx.Time("due", run.Time),
			logx.Err(err),
		)
	}
}
