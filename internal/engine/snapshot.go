package engine

import (
	"sort"
	"time"

	"entropy/internal/runqueue"
	"entropy/internal/runtime/supervisor"
	"entropy/internal/task/pool"
)

// AuditStatus is the per-audit dispatch history.
type AuditStatus struct {
	Name      string    `json:"name"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	Published uint64    `json:"published"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
	LastErrAt time.Time `json:"last_error_at,omitzero"`
}

// Snapshot is a point-in-time view of one engine for operators.
type Snapshot struct {
	Name           string                  `json:"name"`
	State          string                  `json:"state"`
	QueueLen       int                     `json:"queue_len"`
	NextRuns       []runqueue.ScheduledRun `json:"next_runs,omitempty"`
	RunningAudits  []string                `json:"running_audits,omitempty"`
	RunningRepairs []string                `json:"running_repairs,omitempty"`
	Audits         []AuditStatus           `json:"audits,omitempty"`

	SerializerTicks uint64    `json:"serializer_ticks"`
	LastTick        time.Time `json:"last_tick"`
	LastTickError   string    `json:"last_tick_error,omitempty"`

	Pool  pool.Snapshot          `json:"pool"`
	Loops []supervisor.TaskStats `json:"loops,omitempty"`
}

const snapshotNextRuns = 10

func (e *Engine) Snapshot() Snapshot {
	pending := e.queue.Snapshot()
	snap := Snapshot{
		Name:          e.cfg.Name,
		State:         e.State().String(),
		QueueLen:      len(pending),
		RunningAudits: e.pool.Running(),
		Pool:          e.pool.Snapshot(),
	}
	if len(pending) > snapshotNextRuns {
		pending = pending[:snapshotNextRuns]
	}
	snap.NextRuns = pending

	e.mu.Lock()
	for name := range e.runningRepairs {
		snap.RunningRepairs = append(snap.RunningRepairs, name)
	}
	for name, st := range e.audits {
		snap.Audits = append(snap.Audits, AuditStatus{
			Name:      name,
			Runs:      st.runs,
			Failures:  st.failures,
			Published: st.published,
			LastRun:   st.lastRun,
			LastError: st.lastErr,
			LastErrAt: st.lastErrAt,
		})
	}
	snap.SerializerTicks = e.ticks
	snap.LastTick = e.lastTick
	snap.LastTickError = e.lastTickErr
	e.mu.Unlock()

	sort.Strings(snap.RunningRepairs)
	sort.Slice(snap.Audits, func(i, j int) bool { return snap.Audits[i].Name < snap.Audits[j].Name })

	if e.loops != nil {
		snap.Loops = append(snap.Loops, e.loops.Snapshot()...)
	}
	if e.repairs != nil {
		snap.Loops = append(snap.Loops, e.repairs.Snapshot()...)
	}
	return snap
}
