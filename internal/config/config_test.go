package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleConfig = `
projects:
  - name: nixos
    displayName: NixOS
    directory: /etc/nixos
  - name: stacks
outputs:
  order: [eDP-1, HDMI-A-1]
  profiles:
    - name: single
      count: 1
      workspaces:
        primary: [1, 2, 3]
    - name: dual
      count: 2
      workspaces:
        primary: [1, 2]
        secondary: [3, 4]
    - name: desk
      outputs: [DP-1, DP-2]
      workspaces:
        DP-2: [1]
        DP-1: [2, 3]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workspaces.Min != 1 || cfg.Workspaces.Max != 70 {
		t.Fatalf("unexpected workspace range: %+v", cfg.Workspaces)
	}
	if cfg.Daemon.EventBufferSize != 500 || cfg.Daemon.CommandTimeoutMs != 500 {
		t.Fatalf("unexpected daemon defaults: %+v", cfg.Daemon)
	}
	if _, ok := cfg.Project("nixos"); !ok {
		t.Fatalf("expected nixos in registry")
	}
	if _, ok := cfg.Project("missing"); ok {
		t.Fatalf("unexpected project")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.ProjectNames(); !reflect.DeepEqual(got, []string{"nixos", "stacks"}) {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestValidateRejectsReservedAndDuplicateNames(t *testing.T) {
	cases := map[string]string{
		"reserved":  "projects:\n  - name: global\n",
		"duplicate": "projects:\n  - name: a\n  - name: a\n",
		"invalid":   "projects:\n  - name: \"has space\"\n",
		"range":     "workspaces:\n  min: 5\n  max: 2\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLintCollectsAllIssues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
projects:
  - name: global
  - name: ""
outputs:
  profiles:
    - name: broken
      count: 1
      workspaces:
        primary: [1, 99]
        secondary: [1]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	errs, err := LintFile(path)
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	joined := make([]string, 0, len(errs))
	for _, e := range errs {
		joined = append(joined, e.Error())
	}
	text := strings.Join(joined, "\n")
	for _, want := range []string{"reserved", "name is required", "workspace 99 outside", "role exceeds", "already assigned"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in lint output:\n%s", want, text)
		}
	}
}

func TestResolveProfilePrefersExactOutputSet(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	name, assign, err := cfg.ResolveProfile([]string{"DP-2", "DP-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "desk" {
		t.Fatalf("expected desk profile, got %s", name)
	}
	want := map[string][]int{"DP-1": {2, 3}, "DP-2": {1}}
	if !reflect.DeepEqual(assign, want) {
		t.Fatalf("unexpected assignment: %v", assign)
	}
}

func TestResolveProfileMapsRolesByOrder(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	name, assign, err := cfg.ResolveProfile([]string{"HDMI-A-1", "eDP-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "dual" {
		t.Fatalf("expected dual profile, got %s", name)
	}
	want := map[string][]int{"eDP-1": {1, 2}, "HDMI-A-1": {3, 4}}
	if !reflect.DeepEqual(assign, want) {
		t.Fatalf("unexpected assignment: %v", assign)
	}
	if _, _, err := cfg.ResolveProfile([]string{"a", "b", "c"}); err == nil {
		t.Fatalf("expected error for unmatched topology")
	}
}

func TestOrderOutputsFallsBackToName(t *testing.T) {
	cfg := Default()
	cfg.Outputs.Order = []string{"HDMI-A-1"}
	got := cfg.OrderOutputs([]string{"eDP-1", "DP-3", "HDMI-A-1"})
	want := []string{"HDMI-A-1", "DP-3", "eDP-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestEventBuffersAreIndependent(t *testing.T) {
	cfg, err := Parse([]byte("daemon:\n  subscriberBuffer: 8\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Daemon.SubscriberBuffer != 8 || cfg.Daemon.WMEventBuffer != 256 {
		t.Fatalf("unexpected buffers: %+v", cfg.Daemon)
	}
	cfg, err = Parse([]byte("daemon:\n  wmEventBuffer: 1024\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Daemon.SubscriberBuffer != 256 || cfg.Daemon.WMEventBuffer != 1024 {
		t.Fatalf("unexpected buffers: %+v", cfg.Daemon)
	}
	if _, err := Parse([]byte("daemon:\n  wmEventBuffer: -1\n")); err == nil || !strings.Contains(err.Error(), "daemon.wmEventBuffer") {
		t.Fatalf("expected wmEventBuffer lint error, got %v", err)
	}
}
