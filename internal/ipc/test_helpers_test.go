package ipc

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/joshuarubin/go-sway"

	"github.com/vpittamp/i3pm/internal/util"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	original, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("setenv %s: %v", key, err)
	}
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
			return
		}
		os.Setenv(key, original)
	})
}

func testLogger() *util.Logger {
	return util.NewLoggerWithWriter(util.LevelError, io.Discard)
}

func strPtr(s string) *string { return &s }

func pidPtr(p uint32) *uint32 { return &p }

// fakeSway implements the subset of sway.Client the package uses.
type fakeSway struct {
	sway.Client

	mu        sync.Mutex
	commands  []string
	replies   []sway.RunCommandReply
	runErr    error
	block     chan struct{}
	treeBlock chan struct{}
	tree      *sway.Node
	outputs   []sway.Output
	ticks     []string
}

func (f *fakeSway) RunCommand(ctx context.Context, cmd string) ([]sway.RunCommandReply, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.replies != nil {
		return f.replies, nil
	}
	return []sway.RunCommandReply{{Success: true}}, nil
}

func (f *fakeSway) GetTree(ctx context.Context) (*sway.Node, error) {
	if f.treeBlock != nil {
		select {
		case <-f.treeBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tree, nil
}

func (f *fakeSway) GetWorkspaces(context.Context) ([]sway.Workspace, error) {
	return []sway.Workspace{{Num: 1, Name: "1", Output: "eDP-1", Focused: true, Visible: true}}, nil
}

func (f *fakeSway) GetOutputs(context.Context) ([]sway.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sway.Output(nil), f.outputs...), nil
}

func (f *fakeSway) SendTick(_ context.Context, payload string) (*sway.TickReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, payload)
	return &sway.TickReply{Success: true}, nil
}

func (f *fakeSway) setOutputs(outputs ...sway.Output) {
	f.mu.Lock()
	f.outputs = outputs
	f.mu.Unlock()
}

func (f *fakeSway) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func staticDial(f *fakeSway) DialFunc {
	return func(context.Context) (sway.Client, error) { return f, nil }
}

// sampleTree has a tiled window on workspace 1, a floating window on
// workspace 2 and a hidden window in the scratchpad.
func sampleTree() *sway.Node {
	return &sway.Node{
		ID:   1,
		Type: sway.NodeRoot,
		Nodes: []*sway.Node{
			{
				ID:   2,
				Type: sway.NodeOutput,
				Name: "__i3",
				Nodes: []*sway.Node{{
					ID:   3,
					Type: sway.NodeWorkspace,
					Name: ScratchpadWorkspace,
					FloatingNodes: []*sway.Node{
						{ID: 30, Type: sway.NodeFloatingCon, PID: pidPtr(300), AppID: strPtr("foot")},
					},
				}},
			},
			{
				ID:   4,
				Type: sway.NodeOutput,
				Name: "eDP-1",
				Nodes: []*sway.Node{
					{
						ID:   5,
						Type: sway.NodeWorkspace,
						Name: "1",
						Nodes: []*sway.Node{
							{ID: 10, Type: sway.NodeCon, Name: "editor", PID: pidPtr(100), AppID: strPtr("code"), Focused: true},
						},
					},
					{
						ID:   6,
						Type: sway.NodeWorkspace,
						Name: "2:web",
						FloatingNodes: []*sway.Node{
							{ID: 20, Type: sway.NodeFloatingCon, PID: pidPtr(200), WindowProperties: &sway.WindowProperties{Class: "Firefox"}},
						},
					},
				},
			},
		},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
