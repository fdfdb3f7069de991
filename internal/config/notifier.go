package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"entropy/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// Notifier invokes a callback when one of the watched paths is modified.
type Notifier interface {
	// Watch blocks until ctx is done or Stop is called.
	Watch(ctx context.Context, callbacks map[string]func()) error
	Stop()
}

const DefaultDebounce = 250 * time.Millisecond

// FSNotifier is a Notifier backed by fsnotify.
//
// Parent directories are watched rather than the files themselves so editors
// and atomic renames (which replace the inode) keep being observed.
type FSNotifier struct {
	log      logx.Logger
	debounce time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewFSNotifier(log logx.Logger, debounce time.Duration) *FSNotifier {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &FSNotifier{log: log, debounce: debounce, stopCh: make(chan struct{})}
}

// Stop ends every running Watch. It is safe to call more than once.
func (n *FSNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

func (n *FSNotifier) Watch(ctx context.Context, callbacks map[string]func()) error {
	if len(callbacks) == 0 {
		return errors.New("notifier: nothing to watch")
	}
	targets := make(map[string]func(), len(callbacks))
	dirSet := map[string]struct{}{}
	for p, fn := range callbacks {
		if fn == nil {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		abs = filepath.Clean(abs)
		targets[abs] = fn
		dirSet[filepath.Dir(abs)] = struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// When fsnotify gets into a bad state the watcher may stop delivering
	// events or close its channels. Self-heal by recreating it with backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}
	sleep := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	// debounce per path to avoid firing on partial writes
	var (
		timerMu sync.Mutex
		timers  = map[string]*time.Timer{}
	)
	defer func() {
		timerMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timerMu.Unlock()
	}()
	schedule := func(path string) {
		fn := targets[path]
		timerMu.Lock()
		defer timerMu.Unlock()
		if t := timers[path]; t != nil {
			t.Stop()
		}
		n.log.Debug("change detected; scheduling callback", logx.String("path", path))
		timers[path] = time.AfterFunc(n.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			fn()
		})
	}
	scheduleAll := func() {
		for p := range targets {
			schedule(p)
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			n.log.Warn("watch init failed", logx.Err(err))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		addErr := error(nil)
		for dir := range dirSet {
			if err := w.Add(dir); err != nil {
				addErr = err
				n.log.Warn("watch add failed", logx.Err(err), logx.String("dir", dir))
				break
			}
		}
		if addErr != nil {
			_ = w.Close()
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		// success; reset backoff so transient issues don't cause long restart delays
		backoff = restartBackoffBase
		n.log.Debug("watcher started", logx.Int("paths", len(targets)), logx.Int("dirs", len(dirSet)))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
					continue
				}
				p := filepath.Clean(ev.Name)
				if _, ok := targets[p]; ok {
					schedule(p)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; fire everything once.
				if errors.Is(err, fsnotify.ErrEventOverflow) || strings.Contains(strings.ToLower(err.Error()), "overflow") {
					n.log.Warn("watch overflow; firing all callbacks", logx.Err(err))
					scheduleAll()
					continue
				}
				n.log.Warn("watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		n.log.Warn("watcher stopped; restarting", logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}
