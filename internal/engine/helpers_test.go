package engine

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/metrics"
	"github.com/vpittamp/i3pm/internal/proc"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

const testConfig = `
projects:
  - name: alpha
  - name: beta
outputs:
  order: [DP-1, HDMI-1]
  profiles:
    - name: dual
      count: 2
      workspaces:
        primary: [1, 2]
        secondary: [3]
`

func testLogger() *util.Logger {
	return util.NewLoggerWithWriter(util.LevelError, io.Discard)
}

type fakeCommander struct {
	mu         sync.Mutex
	commands   []string
	fail       map[string]error
	workspaces []state.Workspace
	delay      time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeCommander) Dispatch(ctx context.Context, command string) error {
	return f.DispatchBatch(ctx, []string{command})
}

func (f *fakeCommander) DispatchBatch(_ context.Context, commands []string) error {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		prev := f.maxInflight.Load()
		if n <= prev || f.maxInflight.CompareAndSwap(prev, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	joined := strings.Join(commands, "; ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, joined)
	for prefix, err := range f.fail {
		if strings.HasPrefix(joined, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeCommander) Workspaces(context.Context) ([]state.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]state.Workspace(nil), f.workspaces...), nil
}

func (f *fakeCommander) failOn(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]error{}
	}
	f.fail[prefix] = err
}

func (f *fakeCommander) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.commands
	f.commands = nil
	return out
}

func (f *fakeCommander) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeResolver struct {
	mu      sync.Mutex
	byPID   map[int]proc.Classification
	evicted []int
}

func (r *fakeResolver) Resolve(_ context.Context, pid int) (proc.Classification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byPID[pid]; ok {
		return c, nil
	}
	return proc.Classification{}, proc.ErrResolverUnavailable
}

func (r *fakeResolver) Evict(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, pid)
}

func (r *fakeResolver) evictions() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.evicted...)
}

type fakeLayouts struct {
	mu    sync.Mutex
	saved map[string]layouts.Layout
}

func (f *fakeLayouts) key(project, name string) string { return project + "/" + name }

func (f *fakeLayouts) Save(_ context.Context, l layouts.Layout) (layouts.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]layouts.Layout{}
	}
	l.ID = f.key(l.Project, l.Name)
	f.saved[l.ID] = l
	return l, nil
}

func (f *fakeLayouts) Get(_ context.Context, project, name string) (layouts.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.saved[f.key(project, name)]
	if !ok {
		return layouts.Layout{}, layouts.ErrNotFound
	}
	return l, nil
}

func (f *fakeLayouts) List(_ context.Context, project string) ([]layouts.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []layouts.Layout
	for _, l := range f.saved {
		if project == "" || l.Project == project {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeLayouts) Delete(_ context.Context, project, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.saved[f.key(project, name)]; !ok {
		return layouts.ErrNotFound
	}
	delete(f.saved, f.key(project, name))
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []eventlog.Record
}

func (n *recordingNotifier) Publish(rec eventlog.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.records))
	for _, r := range n.records {
		out = append(out, r.Type)
	}
	return out
}

type harness struct {
	t         *testing.T
	engine    *Engine
	events    chan ipc.Event
	commander *fakeCommander
	resolver  *fakeResolver
	layouts   *fakeLayouts
	notifier  *recordingNotifier
	metrics   *metrics.Collector
	ctx       context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith runs setup before the loop starts.
func newHarnessWith(t *testing.T, setup func(*Engine)) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Daemon.StateDir = t.TempDir()
	h := &harness{
		t:         t,
		events:    make(chan ipc.Event),
		commander: &fakeCommander{},
		resolver: &fakeResolver{byPID: map[int]proc.Classification{
			100: {Project: "alpha", Scope: proc.ScopeScoped, AppName: "terminal"},
			101: {Project: "alpha", Scope: proc.ScopeScoped, AppName: "editor"},
			200: {Project: "beta", Scope: proc.ScopeScoped, AppName: "terminal"},
			400: {Scope: proc.ScopeGlobal, AppName: "browser"},
		}},
		layouts:  &fakeLayouts{},
		notifier: &recordingNotifier{},
		metrics:  metrics.NewCollector(),
	}
	h.engine = New(Options{
		Config:      cfg,
		Resolver:    h.resolver,
		Commander:   h.commander,
		Layouts:     h.layouts,
		ContextFile: state.NewContextFile(cfg.Daemon.StateDir),
		Metrics:     h.metrics,
		Logger:      testLogger(),
		Events:      h.events,
	})
	h.engine.SetNotifier(h.notifier)
	if setup != nil {
		setup(h.engine)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	go func() { _ = h.engine.Serve(ctx) }()
	go func() { _ = h.engine.Queue().Serve(ctx) }()
	return h
}

// send delivers an event and waits until the loop has applied it.
func (h *harness) send(ev ipc.Event) {
	h.t.Helper()
	select {
	case h.events <- ev:
	case <-time.After(time.Second):
		h.t.Fatalf("event %s not accepted", ev.Kind)
	}
	if err := h.engine.Do(h.ctx, func(*state.Store) {}); err != nil {
		h.t.Fatalf("barrier: %v", err)
	}
}

func win(id int64, pid, ws int) state.Window {
	return state.Window{ID: id, PID: pid, AppID: "app", Workspace: ws}
}

// seed loads three windows: 10 (alpha, ws1), 20 (beta, ws2), 30 (unclassifiable, ws1).
func (h *harness) seed() {
	h.send(ipc.Event{
		Kind:    ipc.KindResync,
		Windows: []state.Window{win(10, 100, 1), win(20, 200, 2), win(30, 300, 1)},
		Workspaces: []state.Workspace{
			{Num: 1, Name: "1", Output: "DP-1", Focused: true, Visible: true},
			{Num: 2, Name: "2", Output: "DP-1"},
		},
		Outputs: []state.Output{{Name: "DP-1", Active: true}},
	})
}

func (h *harness) window(id int64) state.Window {
	h.t.Helper()
	w, ok := h.engine.Snapshot().Window(id)
	if !ok {
		h.t.Fatalf("window %d not tracked", id)
	}
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

func assertConservation(t *testing.T, snap *state.Snapshot, want int) {
	t.Helper()
	if got := len(snap.Visible()) + len(snap.Hidden()); got != want || len(snap.Windows) != want {
		t.Fatalf("visible+hidden = %d (tracked %d), want %d", got, len(snap.Windows), want)
	}
}

var errBoom = errors.New("boom")
