package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"entropy/internal/backend"
	"entropy/internal/bus"
	"entropy/internal/config"
	"entropy/internal/plugin"
	"entropy/pkg/logx"

	"github.com/benbjohnson/clock"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu      sync.Mutex
	audits  map[string]backend.AuditDescriptor
	repairs map[string]backend.RepairDescriptor
	listErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		audits:  map[string]backend.AuditDescriptor{},
		repairs: map[string]backend.RepairDescriptor{},
	}
}

func (f *fakeBackend) addAudit(d backend.AuditDescriptor) {
	f.mu.Lock()
	f.audits[d.Name] = d
	f.mu.Unlock()
}

func (f *fakeBackend) addRepair(d backend.RepairDescriptor) {
	f.mu.Lock()
	f.repairs[d.Name] = d
	f.mu.Unlock()
}

func (f *fakeBackend) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

func sortedScripts[T any](m map[string]T) []backend.Script {
	out := make([]backend.Script, 0, len(m))
	for name := range m {
		out = append(out, backend.Script{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *fakeBackend) ListAudits(context.Context) ([]backend.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return sortedScripts(f.audits), nil
}

func (f *fakeBackend) ListRepairs(context.Context) ([]backend.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return sortedScripts(f.repairs), nil
}

func (f *fakeBackend) AuditConfig(_ context.Context, name string) (backend.AuditDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.audits[name]
	if !ok {
		return backend.AuditDescriptor{}, backend.ErrNotFound
	}
	return d, nil
}

func (f *fakeBackend) RepairConfig(_ context.Context, name string) (backend.RepairDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.repairs[name]
	if !ok {
		return backend.RepairDescriptor{}, backend.ErrNotFound
	}
	return d, nil
}

func (f *fakeBackend) ScriptExists(_ context.Context, kind backend.Kind, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == backend.KindAudit {
		_, ok := f.audits[name]
		return ok, nil
	}
	_, ok := f.repairs[name]
	return ok, nil
}

func (f *fakeBackend) AddScript(context.Context, backend.Kind, string, map[string]any) error {
	return errors.New("not supported")
}

func (f *fakeBackend) RemoveScript(_ context.Context, kind backend.Kind, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == backend.KindAudit {
		delete(f.audits, name)
	} else {
		delete(f.repairs, name)
	}
	return nil
}

func (f *fakeBackend) Close() error { return nil }

// fakeNotifier hands the registered callbacks to the test instead of
// watching files.
type fakeNotifier struct {
	mu       sync.Mutex
	cbs      map[string]func()
	watching chan struct{}
	stop     chan struct{}
	once     sync.Once
	stopOnce sync.Once
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{watching: make(chan struct{}), stop: make(chan struct{})}
}

func (n *fakeNotifier) Watch(ctx context.Context, cbs map[string]func()) error {
	n.mu.Lock()
	n.cbs = cbs
	n.mu.Unlock()
	n.once.Do(func() { close(n.watching) })
	select {
	case <-ctx.Done():
	case <-n.stop:
	}
	return nil
}

func (n *fakeNotifier) Stop() { n.stopOnce.Do(func() { close(n.stop) }) }

func (n *fakeNotifier) fire(t *testing.T, path string) {
	t.Helper()
	select {
	case <-n.watching:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier never started watching")
	}
	n.mu.Lock()
	cb := n.cbs[path]
	n.mu.Unlock()
	if cb == nil {
		t.Fatalf("no callback registered for %s", path)
	}
	cb()
}

type engineSource struct {
	mu  sync.Mutex
	cfg config.EngineConfig
	err error
}

func (s *engineSource) set(cfg config.EngineConfig, err error) {
	s.mu.Lock()
	s.cfg, s.err = cfg, err
	s.mu.Unlock()
}

func (s *engineSource) Get(string) (config.EngineConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.err
}

type harness struct {
	eng     *Engine
	clk     *clock.Mock
	backend *fakeBackend
	plugins *plugin.Registry
	dialer  *bus.MemoryDialer
	notify  *fakeNotifier
	source  *engineSource
}

const testEnginePath = "/etc/entropy/engines.yaml"

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clk:     clock.NewMock(),
		backend: newFakeBackend(),
		plugins: plugin.NewRegistry(),
		dialer:  bus.NewMemoryDialer(),
		notify:  newFakeNotifier(),
		source:  &engineSource{},
	}
	h.clk.Set(t0)
	cfg := Config{
		Name:               "test",
		SerializerSchedule: "*/10 * * * *",
		EngineTimeout:      50 * time.Millisecond,
		AuditTimeout:       time.Second,
		MaxWorkers:         2,
		QueueSize:          16,
		EnginePath:         testEnginePath,
		Logger:             logx.Nop(),
		Clock:              h.clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg, Deps{
		Backend:  h.backend,
		Plugins:  h.plugins,
		Dialer:   h.dialer,
		Notifier: h.notify,
		Engines:  h.source,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		_ = h.dialer.Close()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// subscribe binds a test queue on the engine exchange.
func (h *harness) subscribe(t *testing.T, queue string) <-chan bus.Delivery {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := h.dialer.Bus()
	if err := b.DeclareExchange(ctx, h.eng.cfg.Exchange); err != nil {
		t.Fatalf("DeclareExchange: %v", err)
	}
	ch, err := b.Subscribe(ctx, bus.Binding{Queue: queue, Exchange: h.eng.cfg.Exchange.Name})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("nothing received")
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected receive: %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

// advanceUntil moves the mock clock a minute, then in small steps, until ch
// yields. The scheduler may arm its timer just after an Add.
func advanceUntil[T any](t *testing.T, clk *clock.Mock, ch <-chan T) T {
	t.Helper()
	clk.Add(time.Minute)
	for i := 0; i < 30; i++ {
		select {
		case v := <-ch:
			return v
		case <-time.After(100 * time.Millisecond):
			clk.Add(5 * time.Second)
		}
	}
	t.Fatal("nothing received while advancing the clock")
	var zero T
	return zero
}

func boolPtr(v bool) *bool { return &v }

func TestNewValidates(t *testing.T) {
	t.Parallel()
	deps := Deps{Backend: newFakeBackend(), Plugins: plugin.NewRegistry(), Dialer: bus.NewMemoryDialer()}

	if _, err := New(Config{Name: " "}, deps); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := New(Config{Name: "x"}, Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
	if _, err := New(Config{Name: "x", SerializerSchedule: "not a schedule"}, deps); err == nil {
		t.Fatal("expected error for bad serializer schedule")
	}

	e, err := New(Config{Name: "x"}, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.cfg.SerializerSchedule != config.DefaultSerializerSchedule {
		t.Fatalf("serializer schedule = %q", e.cfg.SerializerSchedule)
	}
	if e.cfg.EngineTimeout != config.DefaultEngineTimeout || e.cfg.AuditTimeout != config.DefaultEngineTimeout {
		t.Fatalf("timeouts = %v/%v", e.cfg.EngineTimeout, e.cfg.AuditTimeout)
	}
	if e.cfg.Exchange.Name != config.DefaultExchange || e.cfg.Exchange.Kind != bus.KindFanout {
		t.Fatalf("exchange = %+v", e.cfg.Exchange)
	}
	if !e.Enabled() || e.State().String() != "enabled" {
		t.Fatalf("fresh engine state = %v", e.State())
	}
}

func TestStartPropagatesBackendErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	boom := errors.New("registry unreadable")
	h.backend.setListErr(boom)

	if err := h.eng.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start err = %v, want %v", err, boom)
	}
}

func TestStartRetriesAfterBackendError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.backend.setListErr(errors.New("registry unreadable"))
	if err := h.eng.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing backend")
	}

	h.backend.setListErr(nil)
	h.start(t)
	if h.eng.State() != StateEnabled {
		t.Fatalf("state = %v", h.eng.State())
	}
}

func TestStopAfterFailedStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.backend.setListErr(errors.New("registry unreadable"))
	if err := h.eng.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing backend")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.eng.State() != StateDisabled {
		t.Fatalf("state = %v", h.eng.State())
	}
}

func TestStartTwiceAndAfterDisable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)
	if err := h.eng.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v", err)
	}

	h2 := newHarness(t, nil)
	h2.eng.Disable()
	if err := h2.eng.Start(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Start after Disable err = %v", err)
	}
}

func TestEngineRunsDueAudits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.backend.addAudit(backend.AuditDescriptor{Name: "vmcheck", Schedule: "* * * * *", Module: "vmcheck"})
	if err := h.plugins.RegisterAudit("vmcheck", func(plugin.Deps) (plugin.AuditPlugin, error) {
		return plugin.AuditFunc(func(context.Context) (any, error) {
			return map[string]int{"vm_count": 3}, nil
		}), nil
	}); err != nil {
		t.Fatal(err)
	}
	results := h.subscribe(t, "vmcheck-results")
	h.start(t)

	waitFor(t, "first serializer tick", func() bool { return h.eng.Snapshot().SerializerTicks >= 1 })

	d := advanceUntil(t, h.clk, results)
	if d.Message.Source != "vmcheck" {
		t.Fatalf("source = %q", d.Message.Source)
	}
	var payload map[string]int
	if err := d.Message.Decode(&payload); err != nil || payload["vm_count"] != 3 {
		t.Fatalf("payload = %v (%v)", payload, err)
	}
	waitFor(t, "published counter", func() bool {
		for _, a := range h.eng.Snapshot().Audits {
			if a.Name == "vmcheck" && a.Published >= 1 && a.Failures == 0 {
				return true
			}
		}
		return false
	})
}

func TestDisableOnRegistryChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.backend.addAudit(backend.AuditDescriptor{Name: "vmcheck", Schedule: "* * * * *", Module: "vmcheck"})
	h.start(t)
	waitFor(t, "first serializer tick", func() bool { return h.eng.Queue().Len() > 0 })

	h.source.set(config.EngineConfig{Enabled: boolPtr(false)}, nil)
	h.notify.fire(t, testEnginePath)

	if h.eng.Enabled() {
		t.Fatal("engine still enabled after enabled=false")
	}
	select {
	case <-h.eng.Done():
	default:
		t.Fatal("Done not closed")
	}
	if n := h.eng.Queue().Len(); n != 0 {
		t.Fatalf("queue len after disable = %d", n)
	}

	n, err := h.eng.serializeTick(context.Background(), t0.Add(10*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("tick after disable = %d, %v", n, err)
	}
	h.clk.Add(time.Hour)
	if n := h.eng.Queue().Len(); n != 0 {
		t.Fatalf("queue len after later ticks = %d", n)
	}
}

func TestDisableWhenEntryRemoved(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.source.set(config.EngineConfig{}, config.ErrNoSuchEngine)
	h.notify.fire(t, testEnginePath)
	if h.eng.Enabled() {
		t.Fatal("engine still enabled after its entry was removed")
	}
}

func TestConfigChangeWithoutDisableKeepsRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.source.set(config.EngineConfig{Enabled: boolPtr(true), MaxWorkers: 4}, nil)
	h.notify.fire(t, testEnginePath)
	if !h.eng.Enabled() {
		t.Fatal("engine disabled by an unrelated change")
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)
	h.eng.Disable()
	h.eng.Disable()
	if h.eng.State() != StateDisabled {
		t.Fatalf("state = %v", h.eng.State())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
