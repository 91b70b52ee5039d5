package ipc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joshuarubin/go-sway"
)

// scriptedSubscribe replays events after the handshake tick and then blocks.
func scriptedSubscribe(calls *atomic.Int32, events func(h sway.EventHandler)) SubscribeFunc {
	return func(ctx context.Context, h sway.EventHandler, _ ...sway.EventType) error {
		calls.Add(1)
		h.Tick(ctx, sway.TickEvent{First: true})
		events(h)
		<-ctx.Done()
		return ctx.Err()
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestSubscriberResyncsBeforeForwarding(t *testing.T) {
	f := &fakeSway{tree: sampleTree(), outputs: []sway.Output{{Name: "eDP-1", Active: true}}}
	out := make(chan Event, 16)
	var calls atomic.Int32
	sub := NewSubscriber(NewClient(staticDial(f), time.Second), scriptedSubscribe(&calls, func(h sway.EventHandler) {
		ctx := context.Background()
		h.Window(ctx, sway.WindowEvent{Change: "new", Container: sway.Node{ID: 20, Type: sway.NodeFloatingCon, PID: pidPtr(200)}})
		h.Window(ctx, sway.WindowEvent{Change: "title", Container: sway.Node{ID: 20}})
		h.Tick(ctx, sway.TickEvent{Payload: "i3pm:clear"})
	}), out, testLogger(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Serve(ctx)

	first := nextEvent(t, out)
	if first.Kind != KindResync || len(first.Windows) != 3 || len(first.Outputs) != 1 {
		t.Fatalf("expected resync first, got %+v", first)
	}
	win := nextEvent(t, out)
	if win.Kind != KindWindowNew || win.Window.Workspace != 2 || !win.Window.Floating {
		t.Fatalf("unexpected window event: %+v", win)
	}
	tick := nextEvent(t, out)
	if tick.Kind != KindTick || tick.Payload != "i3pm:clear" {
		t.Fatalf("title change should be dropped, got %+v", tick)
	}
	waitForCondition(t, time.Second, sub.Connected)

	sub.RequestResync()
	if ev := nextEvent(t, out); ev.Kind != KindResync {
		t.Fatalf("expected requested resync, got %s", ev.Kind)
	}
}

func TestSubscriberEmitsOutputChangeOnPoll(t *testing.T) {
	f := &fakeSway{tree: sampleTree(), outputs: []sway.Output{{Name: "eDP-1", Active: true}}}
	out := make(chan Event, 16)
	var calls atomic.Int32
	sub := NewSubscriber(NewClient(staticDial(f), time.Second), scriptedSubscribe(&calls, func(sway.EventHandler) {}), out, testLogger(), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Serve(ctx)

	if ev := nextEvent(t, out); ev.Kind != KindResync {
		t.Fatalf("expected resync, got %s", ev.Kind)
	}
	f.setOutputs(sway.Output{Name: "eDP-1", Active: true}, sway.Output{Name: "HDMI-A-1", Active: true})
	ev := nextEvent(t, out)
	if ev.Kind != KindOutputChange || len(ev.Outputs) != 2 {
		t.Fatalf("expected output change, got %+v", ev)
	}
	select {
	case extra := <-out:
		t.Fatalf("unchanged topology should not emit, got %s", extra.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberReconnectsAfterStreamEnds(t *testing.T) {
	f := &fakeSway{tree: sampleTree()}
	out := make(chan Event, 16)
	var calls atomic.Int32
	subscribe := func(ctx context.Context, h sway.EventHandler, _ ...sway.EventType) error {
		if calls.Add(1) == 1 {
			h.Tick(ctx, sway.TickEvent{First: true})
			time.Sleep(20 * time.Millisecond)
			return nil
		}
		h.Tick(ctx, sway.TickEvent{First: true})
		<-ctx.Done()
		return ctx.Err()
	}
	sub := NewSubscriber(NewClient(staticDial(f), time.Second), subscribe, out, testLogger(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Serve(ctx)

	if ev := nextEvent(t, out); ev.Kind != KindResync {
		t.Fatalf("expected initial resync, got %s", ev.Kind)
	}
	if ev := nextEvent(t, out); ev.Kind != KindResync {
		t.Fatalf("expected resync after reconnect, got %s", ev.Kind)
	}
	if calls.Load() < 2 || sub.Reconnects() < 1 {
		t.Fatalf("expected a reconnect, calls=%d reconnects=%d", calls.Load(), sub.Reconnects())
	}
}
