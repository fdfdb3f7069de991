package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"entropy/pkg/fileutil"
	"entropy/pkg/logx"
)

func TestFSNotifierInvokesCallbackForPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	watched := filepath.Join(dir, "engines.yaml")
	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(watched, []byte("a: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	n := NewFSNotifier(logx.Nop(), 20*time.Millisecond)
	fired := make(chan struct{}, 8)
	var otherFired atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- n.Watch(ctx, map[string]func(){
			watched: func() { fired <- struct{}{} },
			filepath.Join(dir, "audit.yaml"): func() { otherFired.Add(1) },
		})
	}()

	// Keep touching the file until the watcher is up and reports it.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for got := false; !got; {
		select {
		case <-fired:
			got = true
		case <-tick.C:
			_ = os.WriteFile(other, []byte("x\n"), 0o644)
			_ = fileutil.WriteAtomic(watched, []byte("a: {enabled: false}\n"), 0o644)
		case <-deadline:
			t.Fatal("callback not invoked")
		}
	}
	if otherFired.Load() != 0 {
		t.Fatal("callback fired for unrelated path")
	}

	n.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after Stop")
	}
	n.Stop()
}

func TestFSNotifierRequiresPaths(t *testing.T) {
	t.Parallel()
	n := NewFSNotifier(logx.Nop(), 0)
	if err := n.Watch(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty watch set")
	}
}
