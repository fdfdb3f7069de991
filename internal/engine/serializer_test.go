package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"entropy/internal/backend"
	"entropy/internal/runqueue"

	"github.com/robfig/cron/v3"
)

func mustSchedule(t *testing.T, raw string) cron.Schedule {
	t.Helper()
	s, err := ParseSchedule(raw)
	if err != nil {
		t.Fatalf("ParseSchedule(%q): %v", raw, err)
	}
	return s
}

func TestExpandWindow(t *testing.T) {
	t.Parallel()
	scheds := map[string]cron.Schedule{
		"B": mustSchedule(t, "*/2 * * * *"),
		"A": mustSchedule(t, "* * * * *"),
	}
	got := Expand(scheds, t0, t0.Add(2*time.Minute))
	want := []runqueue.ScheduledRun{
		{Time: t0.Add(time.Minute), Audit: "A"},
		{Time: t0.Add(2 * time.Minute), Audit: "A"},
		{Time: t0.Add(2 * time.Minute), Audit: "B"},
	}
	if len(got) != len(want) {
		t.Fatalf("Expand = %+v, want %+v", got, want)
	}
	for i := range want {
		if !got[i].Time.Equal(want[i].Time) || got[i].Audit != want[i].Audit {
			t.Fatalf("run %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	q := runqueue.New()
	if err := q.Extend(got); err != nil {
		t.Fatal(err)
	}
	at, batch, _ := q.PopBatch()
	if !at.Equal(t0.Add(time.Minute)) || len(batch) != 1 {
		t.Fatalf("first batch = %v %+v", at, batch)
	}
	at, batch, _ = q.PopBatch()
	if !at.Equal(t0.Add(2*time.Minute)) || len(batch) != 2 || batch[0].Audit != "A" || batch[1].Audit != "B" {
		t.Fatalf("second batch = %v %+v", at, batch)
	}
}

func TestExpandExcludesWindowStart(t *testing.T) {
	t.Parallel()
	scheds := map[string]cron.Schedule{"A": mustSchedule(t, "*/5 * * * *")}
	got := Expand(scheds, t0, t0.Add(5*time.Minute))
	if len(got) != 1 || !got[0].Time.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("Expand = %+v, want only the window end", got)
	}
	if got := Expand(scheds, t0, t0); len(got) != 0 {
		t.Fatalf("empty window expanded to %+v", got)
	}
}

func TestSerializerTicksKeepQueueMonotonic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.backend.addAudit(backend.AuditDescriptor{Name: "every3", Schedule: "*/3 * * * *", Module: "m"})
	h.backend.addAudit(backend.AuditDescriptor{Name: "every4", Schedule: "4m", Module: "m"})
	ctx := context.Background()

	n1, err := h.eng.serializeTick(ctx, t0)
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	n2, err := h.eng.serializeTick(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	// */3 in (0,10] and (10,20]: 3 + 3. Every 4m from 0 and from 10: 2 + 2.
	if n1 != 5 || n2 != 5 {
		t.Fatalf("committed %d then %d runs, want 5 and 5", n1, n2)
	}

	runs := h.eng.Queue().Snapshot()
	if len(runs) != 10 {
		t.Fatalf("queue len = %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].Time.Before(runs[i-1].Time) {
			t.Fatalf("queue not monotonic at %d: %+v", i, runs)
		}
	}
	if last := runs[len(runs)-1].Time; last.After(t0.Add(20 * time.Minute)) {
		t.Fatalf("run past the second window: %v", last)
	}
	if snap := h.eng.Snapshot(); snap.SerializerTicks != 2 || !snap.LastTick.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("snapshot ticks = %d last = %v", snap.SerializerTicks, snap.LastTick)
	}
}

func TestSerializerTickAbandonedOnError(t *testing.T) {
	t.Parallel()

	t.Run("backend", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.backend.addAudit(backend.AuditDescriptor{Name: "ok", Schedule: "* * * * *", Module: "m"})
		boom := errors.New("disk gone")
		h.backend.setListErr(boom)

		n, err := h.eng.serializeTick(context.Background(), t0)
		var serr *SerializerError
		if !errors.As(err, &serr) || !errors.Is(err, boom) {
			t.Fatalf("err = %v, want SerializerError wrapping %v", err, boom)
		}
		if n != 0 || h.eng.Queue().Len() != 0 {
			t.Fatalf("committed %d runs on error", n)
		}
		if !h.eng.Enabled() {
			t.Fatal("serializer error must not disable the engine")
		}
		if h.eng.Snapshot().LastTickError == "" {
			t.Fatal("tick error not recorded")
		}
	})

	t.Run("schedule", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.backend.addAudit(backend.AuditDescriptor{Name: "good", Schedule: "* * * * *", Module: "m"})
		h.backend.addAudit(backend.AuditDescriptor{Name: "bad", Schedule: "61 * * * *", Module: "m"})

		_, err := h.eng.serializeTick(context.Background(), t0)
		var serr *SerializerError
		if !errors.As(err, &serr) || serr.Audit != "bad" {
			t.Fatalf("err = %v, want SerializerError for audit bad", err)
		}
		if n := h.eng.Queue().Len(); n != 0 {
			t.Fatalf("partial batch committed: %d runs", n)
		}
	})
}

func TestSerializerTickWithNoAudits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	n, err := h.eng.serializeTick(context.Background(), t0)
	if err != nil || n != 0 {
		t.Fatalf("tick = %d, %v", n, err)
	}
}
