package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/state"
)

func topologyHarness(t *testing.T) *harness {
	h := newHarness(t)
	h.commander.workspaces = []state.Workspace{
		{Num: 1, Name: "1", Output: "DP-1", Focused: true},
		{Num: 2, Name: "2", Output: "DP-1"},
		{Num: 3, Name: "3", Output: "DP-1"},
	}
	h.seed()
	return h
}

func lastRedistribution(t *testing.T, h *harness) RedistributeResult {
	t.Helper()
	recs := h.engine.Events(1, "output.redistribute")
	if len(recs) != 1 {
		t.Fatalf("no redistribution recorded")
	}
	var res RedistributeResult
	if err := json.Unmarshal(recs[0].Payload, &res); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return res
}

func TestOutputConnectAppliesProfile(t *testing.T) {
	h := topologyHarness(t)
	h.send(ipc.Event{Kind: ipc.KindOutputChange, Outputs: []state.Output{
		{Name: "DP-1", Active: true},
		{Name: "HDMI-1", Active: true},
	}})
	waitFor(t, func() bool { return len(h.engine.Events(0, "output.redistribute")) == 1 })

	want := []string{
		"workspace number 3; move workspace to output HDMI-1",
		"workspace number 1",
	}
	if diff := cmp.Diff(want, h.commander.take()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	res := lastRedistribution(t, h)
	if res.Profile != "dual" || res.Fallback || len(res.Moves) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	assigned := map[string][]int{}
	for _, o := range h.engine.Snapshot().Outputs {
		assigned[o.Name] = o.Workspaces
	}
	if diff := cmp.Diff(map[string][]int{"DP-1": {1, 2}, "HDMI-1": {3}}, assigned); diff != "" {
		t.Fatalf("assignments mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputDisconnectFallsBackToPrimary(t *testing.T) {
	h := topologyHarness(t)
	h.send(ipc.Event{Kind: ipc.KindOutputChange, Outputs: []state.Output{
		{Name: "DP-1", Active: true},
		{Name: "HDMI-1", Active: true},
	}})
	waitFor(t, func() bool { return len(h.engine.Events(0, "output.redistribute")) == 1 })
	h.commander.take()
	h.commander.mu.Lock()
	h.commander.workspaces[2].Output = "HDMI-1"
	h.commander.mu.Unlock()

	h.send(ipc.Event{Kind: ipc.KindOutputChange, Outputs: []state.Output{
		{Name: "DP-1", Active: true},
		{Name: "HDMI-1", Active: false},
	}})
	waitFor(t, func() bool { return len(h.engine.Events(0, "output.redistribute")) == 2 })

	want := []string{
		"workspace number 3; move workspace to output DP-1",
		"workspace number 1",
	}
	if diff := cmp.Diff(want, h.commander.take()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if res := lastRedistribution(t, h); !res.Fallback {
		t.Fatalf("expected fallback result: %+v", res)
	}
	var hdmi state.Output
	for _, o := range h.engine.Snapshot().Outputs {
		if o.Name == "HDMI-1" {
			hdmi = o
		}
	}
	if hdmi.Active {
		t.Fatalf("HDMI-1 should be kept but inactive: %+v", hdmi)
	}
}

func TestSameOutputCountDoesNotRedistribute(t *testing.T) {
	h := topologyHarness(t)
	h.send(ipc.Event{Kind: ipc.KindOutputChange, Outputs: []state.Output{{Name: "DP-1", Active: true}}})
	if _, err := h.engine.SwitchProject(context.Background(), "alpha"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if n := len(h.engine.Events(0, "output.redistribute")); n != 0 {
		t.Fatalf("unexpected redistribution records: %d", n)
	}
}

func TestRedistributeSkipsWorkspacesAlreadyPlaced(t *testing.T) {
	h := topologyHarness(t)
	res, err := h.engine.Redistribute(context.Background())
	if err != nil {
		t.Fatalf("redistribute: %v", err)
	}
	if !res.Fallback || len(res.Moves) != 0 {
		t.Fatalf("single output should fall back without moves: %+v", res)
	}
	if got := h.commander.sent(); len(got) != 0 {
		t.Fatalf("no commands expected, got %v", got)
	}
}
