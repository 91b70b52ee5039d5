package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

const initialConfig = `projects:
  - name: alpha
    directory: /src/alpha
`

func newTestReloader(t *testing.T) (*configReloader, *engine.Engine, string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(initialConfig), 0o600); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	cfg, err := config.Parse([]byte(initialConfig))
	if err != nil {
		t.Fatalf("parse initial config: %v", err)
	}
	var logs bytes.Buffer
	logger := util.NewLoggerWithWriter(util.LevelDebug, &logs)
	eng := engine.New(engine.Options{Config: cfg, Logger: logger})
	return newConfigReloader(path, logger, eng, []byte(initialConfig)), eng, path, &logs
}

func TestReloadLogsDiffOnFailureAndKeepsPreviousConfig(t *testing.T) {
	reloader, eng, path, logs := newTestReloader(t)
	bad := initialConfig + "  - name: global\n"
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatalf("write bad config: %v", err)
	}

	_, err := reloader.Reload("test reason")
	if err == nil {
		t.Fatalf("expected reload error, got nil")
	}
	if !strings.Contains(err.Error(), "reserved") {
		t.Fatalf("expected reserved-name error, got %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "config change rejected; diff vs last valid config") {
		t.Fatalf("expected diff log, got %s", out)
	}
	if !strings.Contains(out, "projects[1].name") {
		t.Fatalf("expected lint issue path in log, got %s", out)
	}
	if got := eng.Config().ProjectNames(); !cmp.Equal(got, []string{"alpha"}) {
		t.Fatalf("registry changed after rejected reload: %v", got)
	}
}

func TestReloadAppliesRegistryChanges(t *testing.T) {
	reloader, eng, path, _ := newTestReloader(t)
	next := initialConfig + "  - name: beta\n"
	if err := os.WriteFile(path, []byte(next), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	change, err := reloader.Reload("received SIGHUP")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if diff := cmp.Diff([]string{"beta"}, change.AddedProjects); diff != "" {
		t.Fatalf("added projects mismatch (-want +got):\n%s", diff)
	}
	if change.Empty() {
		t.Fatalf("expected non-empty change")
	}
	if _, ok := eng.Config().Project("beta"); !ok {
		t.Fatalf("engine did not pick up reloaded registry")
	}

	change, err = reloader.Reload("config file updated")
	if err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if !change.Empty() {
		t.Fatalf("expected no change on identical reload, got %+v", change)
	}
}

func TestReloadWarnsWhenActiveProjectRemoved(t *testing.T) {
	reloader, eng, path, logs := newTestReloader(t)
	eng.Restore(state.SavedContext{Project: "alpha"})
	if err := os.WriteFile(path, []byte("projects:\n  - name: beta\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	change, err := reloader.Reload("test")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if diff := cmp.Diff([]string{"alpha"}, change.RemovedProjects); diff != "" {
		t.Fatalf("removed projects mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(logs.String(), `active project "alpha" was removed`) {
		t.Fatalf("expected removal warning, got %s", logs.String())
	}
}

func TestLoadInitialConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, raw, err := loadInitialConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil raw bytes for missing file")
	}
	if len(cfg.Projects) != 0 || cfg.Workspaces.Min != 1 {
		t.Fatalf("unexpected default config: %+v", cfg)
	}
}
