package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/state"
)

func TestNewForeignWindowIsHidden(t *testing.T) {
	h := newHarness(t)
	h.seed()
	if _, err := h.engine.SwitchProject(context.Background(), "alpha"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	h.commander.take()

	h.send(ipc.Event{Kind: ipc.KindWindowNew, Window: win(50, 200, 1)})
	waitFor(t, func() bool { return h.window(50).Hidden })
	if diff := cmp.Diff([]string{"[con_id=50] move scratchpad"}, h.commander.take()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if w := h.window(50); w.LastWorkspace != 1 || w.Project != "beta" {
		t.Fatalf("unexpected window 50: %+v", w)
	}

	h.send(ipc.Event{Kind: ipc.KindWindowNew, Window: win(51, 101, 1)})
	if w := h.window(51); w.Hidden || w.Project != "alpha" {
		t.Fatalf("active project window should stay visible: %+v", w)
	}
}

func TestWindowCloseEvictsResolverCacheForLastWindow(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.send(ipc.Event{Kind: ipc.KindWindowNew, Window: win(11, 100, 1)})

	h.send(ipc.Event{Kind: ipc.KindWindowClose, Window: state.Window{ID: 10}})
	if got := h.resolver.evictions(); len(got) != 0 {
		t.Fatalf("pid 100 still has window 11, evictions %v", got)
	}
	h.send(ipc.Event{Kind: ipc.KindWindowClose, Window: state.Window{ID: 11}})
	if diff := cmp.Diff([]int{100}, h.resolver.evictions()); diff != "" {
		t.Fatalf("evictions mismatch (-want +got):\n%s", diff)
	}
	assertConservation(t, h.engine.Snapshot(), 2)
}

func TestMoveAndFocusEventsUpdateStore(t *testing.T) {
	h := newHarness(t)
	h.seed()

	h.send(ipc.Event{Kind: ipc.KindWindowMove, Window: state.Window{ID: 10, Workspace: 2}})
	if w := h.window(10); w.Workspace != 2 || w.LastWorkspace != 2 {
		t.Fatalf("move not applied: %+v", w)
	}
	h.send(ipc.Event{Kind: ipc.KindWindowMove, Window: state.Window{ID: 10, Hidden: true}})
	if w := h.window(10); !w.Hidden || w.LastWorkspace != 2 {
		t.Fatalf("scratchpad move should keep last workspace: %+v", w)
	}

	h.send(ipc.Event{Kind: ipc.KindWindowFocus, Window: win(60, 400, 1)})
	snap := h.engine.Snapshot()
	if snap.FocusedWindow != 60 {
		t.Fatalf("focused = %d, want 60", snap.FocusedWindow)
	}
	assertConservation(t, snap, 4)

	h.send(ipc.Event{Kind: ipc.KindWorkspaceFocus, Workspace: state.Workspace{Num: 2, Name: "2"}})
	if ws, ok := h.engine.Snapshot().Workspace(2); !ok || !ws.Focused || ws.Output != "DP-1" {
		t.Fatalf("workspace focus not applied: %+v", ws)
	}
}

func TestTickTriggersSwitch(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.send(ipc.Event{Kind: ipc.KindTick, Payload: TickSwitchPrefix + "beta"})
	waitFor(t, func() bool { return h.engine.Snapshot().ActiveProject == "beta" })

	h.send(ipc.Event{Kind: ipc.KindTick, Payload: TickClear})
	waitFor(t, func() bool {
		snap := h.engine.Snapshot()
		return snap.ActiveProject == "" && len(h.engine.Events(0, "project.switch")) == 2
	})
}

func TestRestoreAppliesParkedPlacements(t *testing.T) {
	h := newHarnessWith(t, func(e *Engine) {
		e.Restore(state.SavedContext{
			Project: "alpha",
			Parked:  map[int64]state.ParkedWindow{20: {Project: "beta", Workspace: 3, Floating: true}},
		})
	})
	h.send(ipc.Event{
		Kind:    ipc.KindResync,
		Windows: []state.Window{win(10, 100, 1), {ID: 20, PID: 200, Hidden: true}},
		Outputs: []state.Output{{Name: "DP-1", Active: true}},
	})
	if got := h.engine.Snapshot().ActiveProject; got != "alpha" {
		t.Fatalf("active project = %q, want alpha", got)
	}
	if _, err := h.engine.SwitchProject(context.Background(), "beta"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	want := []string{
		"[con_id=10] move scratchpad",
		"[con_id=20] move container to workspace number 3, floating enable",
	}
	if diff := cmp.Diff(want, h.commander.take()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestRestoreDropsUnknownProject(t *testing.T) {
	h := newHarnessWith(t, func(e *Engine) {
		e.Restore(state.SavedContext{Project: "retired"})
	})
	if got := h.engine.Snapshot().ActiveProject; got != "" {
		t.Fatalf("active project = %q, want global", got)
	}
}

func TestResyncRecordsRemovedWindows(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.send(ipc.Event{
		Kind:    ipc.KindResync,
		Windows: []state.Window{win(10, 100, 1)},
		Outputs: []state.Output{{Name: "DP-1", Active: true}},
	})
	assertConservation(t, h.engine.Snapshot(), 1)
	recs := h.engine.Events(1, "resync")
	if len(recs) != 1 || !containsAll(string(recs[0].Payload), `"removed":[20,30]`) {
		t.Fatalf("unexpected resync record: %+v", recs)
	}
}

func TestFocusAndCloseWindowCommands(t *testing.T) {
	h := newHarness(t)
	h.seed()
	if err := h.engine.FocusWindow(context.Background(), 30); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if err := h.engine.CloseWindow(context.Background(), 20); err != nil {
		t.Fatalf("close: %v", err)
	}
	if diff := cmp.Diff([]string{"[con_id=30] focus", "[con_id=20] kill"}, h.commander.take()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if err := h.engine.FocusWindow(context.Background(), 999); !errors.Is(err, ErrWindowNotFound) {
		t.Fatalf("expected ErrWindowNotFound, got %v", err)
	}
}

func TestStatusReflectsState(t *testing.T) {
	h := newHarness(t)
	h.seed()
	if _, err := h.engine.SwitchProject(context.Background(), "alpha"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	st := h.engine.Status()
	if st.ActiveProject != "alpha" || st.Windows != 3 || st.HiddenWindows != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.SwitchState != SwitchIdle || st.RedistributeState != RedistributeIdle {
		t.Fatalf("engines should be idle: %+v", st)
	}
	diag := h.engine.Diagnostics(5)
	if diag.EventCounts["project.switch"] != 1 || len(diag.Projects) != 2 {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
}

func TestTickSwitchDroppedByFullQueueIsRecorded(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	events := make(chan ipc.Event)
	notifier := &recordingNotifier{}
	e := New(Options{
		Config:    cfg,
		Commander: &fakeCommander{},
		Queue:     NewQueue(1, testLogger(), nil),
		Logger:    testLogger(),
		Events:    events,
	})
	e.SetNotifier(notifier)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Serve(ctx) }()

	for _, name := range []string{"alpha", "beta"} {
		events <- ipc.Event{Kind: ipc.KindTick, Payload: TickSwitchPrefix + name}
		if err := e.Do(ctx, func(*state.Store) {}); err != nil {
			t.Fatalf("barrier: %v", err)
		}
	}

	recs := e.Events(0, "project.switch")
	if len(recs) != 1 {
		t.Fatalf("expected one dropped switch record, got %+v", recs)
	}
	if !strings.Contains(recs[0].Error, ErrQueueFull.Error()) || !strings.Contains(string(recs[0].Payload), `"project":"beta"`) {
		t.Fatalf("unexpected record: %+v payload=%s", recs[0], recs[0].Payload)
	}
	if diff := cmp.Diff([]string{"tick", "project.switch", "tick"}, notifier.types()); diff != "" {
		t.Fatalf("published records mismatch (-want +got):\n%s", diff)
	}
	if e.Queue().Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", e.Queue().Depth())
	}
}

func TestDoFailsAfterLoopStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Options{Logger: testLogger(), Events: make(chan ipc.Event)})
	done := make(chan struct{})
	go func() {
		_ = e.Serve(ctx)
		close(done)
	}()
	cancel()
	<-done
	if err := e.Do(context.Background(), func(*state.Store) {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("expected ErrLoopStopped, got %v", err)
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
