package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"entropy/internal/runqueue"
	"entropy/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Expand lists every occurrence of every schedule in (from, until], sorted
// by time. Runs sharing a time are ordered by audit name.
func Expand(schedules map[string]cron.Schedule, from, until time.Time) []runqueue.ScheduledRun {
	names := make([]string, 0, len(schedules))
	for n := range schedules {
		names = append(names, n)
	}
	sort.Strings(names)

	var runs []runqueue.ScheduledRun
	for _, name := range names {
		sched := schedules[name]
		for t := sched.Next(from); !t.IsZero() && !t.After(until); t = sched.Next(t) {
			runs = append(runs, runqueue.ScheduledRun{Time: t, Audit: name})
		}
	}
	runqueue.SortRuns(runs)
	return runs
}

// serializerLoop ticks once at start, then at every serializer cron tick.
// Each tick covers the window up to the following tick.
func (e *Engine) serializerLoop(ctx context.Context, from time.Time) error {
	for {
		if ctx.Err() != nil || !e.Enabled() {
			return nil
		}
		if _, err := e.serializeTick(ctx, from); err != nil {
			e.log.Error("serializer tick failed", logx.Err(err), logx.Time("tick", from))
		}

		next := e.serializer.Next(from)
		if next.IsZero() {
			e.log.Warn("serializer schedule has no further ticks")
			return nil
		}
		if !e.sleepUntil(ctx, next) {
			return nil
		}
		from = next
	}
}

// serializeTick expands every audit's schedule over (from, serializer.Next(from)]
// and extends the run queue with the whole batch, or with nothing on error.
// It returns the number of runs committed.
func (e *Engine) serializeTick(ctx context.Context, from time.Time) (int, error) {
	until := e.serializer.Next(from)
	n, err := e.expandAndCommit(ctx, from, until)

	e.mu.Lock()
	e.ticks++
	e.lastTick = from
	e.lastTickErr = ""
	if err != nil {
		e.lastTickErr = err.Error()
	}
	e.mu.Unlock()
	return n, err
}

func (e *Engine) expandAndCommit(ctx context.Context, from, until time.Time) (int, error) {
	if !e.Enabled() {
		return 0, nil
	}
	audits, err := e.deps.Backend.ListAudits(ctx)
	if err != nil {
		return 0, &SerializerError{Err: err}
	}
	if len(audits) == 0 {
		return 0, nil
	}

	schedules := make(map[string]cron.Schedule, len(audits))
	for _, a := range audits {
		desc, err := e.deps.Backend.AuditConfig(ctx, a.Name)
		if err != nil {
			return 0, &SerializerError{Audit: a.Name, Err: err}
		}
		sched, err := ParseSchedule(desc.Schedule)
		if err != nil {
			return 0, &SerializerError{Audit: a.Name, Err: err}
		}
		schedules[a.Name] = sched
	}

	runs := Expand(schedules, from, until)
	if len(runs) == 0 {
		return 0, nil
	}
	// Disabled between computation and commit: drop the batch.
	if !e.Enabled() {
		return 0, nil
	}
	if err := e.queue.Extend(runs); err != nil {
		if errors.Is(err, runqueue.ErrClosed) {
			return 0, nil
		}
		return 0, &SerializerError{Err: err}
	}
	e.log.Debug("serializer tick committed",
		logx.Int("runs", len(runs)),
		logx.Time("from", from),
		logx.Time("until", until),
	)
	return len(runs), nil
}

// sleepUntil blocks until the engine clock reaches t. It returns false when
// ctx is done first.
func (e *Engine) sleepUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(e.clk.Now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := e.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
