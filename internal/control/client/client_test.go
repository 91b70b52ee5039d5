package client

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/control"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/util"
)

func startDaemon(t *testing.T) *Client {
	t.Helper()
	cfg, err := config.Parse([]byte("projects:\n  - name: alpha\n  - name: beta\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	logger := util.NewLoggerWithWriter(util.LevelError, io.Discard)
	eng := engine.New(engine.Options{Config: cfg, Logger: logger})
	path := filepath.Join(t.TempDir(), "daemon.sock")
	srv, err := control.NewServer(eng, logger, control.Options{SocketPath: path})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	eng.SetNotifier(srv)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = eng.Serve(ctx) }()
	go func() { _ = eng.Queue().Serve(ctx) }()
	go func() { _ = srv.Serve(ctx) }()

	cli, err := New(path)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return cli
}

func TestStatusAndSwitch(t *testing.T) {
	cli := startDaemon(t)
	ctx := context.Background()

	if _, err := cli.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	res, err := cli.SwitchProject(ctx, "beta")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if res.Project != "beta" || res.Previous != "global" {
		t.Fatalf("unexpected switch result: %+v", res)
	}
	active, err := cli.ActiveProject(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.Name != "beta" || active.Global {
		t.Fatalf("unexpected active project: %+v", active)
	}
	status, err := cli.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ActiveProject != "beta" || status.LastEventID != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if _, err := cli.ClearProject(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	projects, err := cli.Projects(ctx)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if projects.Active != "global" || len(projects.Projects) != 2 {
		t.Fatalf("unexpected projects: %+v", projects)
	}
}

func TestRemoteErrorsMatchSentinels(t *testing.T) {
	cli := startDaemon(t)
	_, err := cli.SwitchProject(context.Background(), "gamma")
	if !errors.Is(err, engine.ErrUnknownProject) {
		t.Fatalf("expected ErrUnknownProject, got %v", err)
	}
	var rpcErr *control.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != control.CodeUnknownProject {
		t.Fatalf("expected rpc error code %d, got %v", control.CodeUnknownProject, err)
	}
	if err := cli.Call(context.Background(), "bogus", nil, nil); !errors.As(err, &rpcErr) || rpcErr.Code != control.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestSubscribeReplaysAndStreams(t *testing.T) {
	cli := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.SwitchProject(ctx, "alpha"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	got := make(chan eventlog.Record, 4)
	errStop := errors.New("stop")
	done := make(chan error, 1)
	since := uint64(0)
	go func() {
		done <- cli.Subscribe(ctx, &since, func(rec eventlog.Record) error {
			got <- rec
			if rec.ID == 2 {
				return errStop
			}
			return nil
		})
	}()

	first := <-got
	if first.ID != 1 || first.Type != "project.switch" {
		t.Fatalf("unexpected replayed record: %+v", first)
	}
	if _, err := cli.SwitchProject(ctx, "beta"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	second := <-got
	if second.ID != 2 {
		t.Fatalf("unexpected live record: %+v", second)
	}
	if err := <-done; !errors.Is(err, errStop) {
		t.Fatalf("subscribe returned %v", err)
	}
}

func TestCallFailsWithoutDaemon(t *testing.T) {
	cli, err := New(filepath.Join(t.TempDir(), "missing.sock"))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if _, err := cli.Status(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}
