package config

import (
	"strings"
	"testing"
)

func TestDiffSerialized(t *testing.T) {
	diff := DiffSerialized([]byte("a: 1\nb: 2\n"), []byte("a: 1\nb: 3\n"))
	if !strings.Contains(diff, "b: 2") || !strings.Contains(diff, "b: 3") {
		t.Fatalf("expected both lines in diff, got %s", diff)
	}
	if DiffSerialized([]byte("a: 1\n"), []byte("a: 1")) != "" {
		t.Fatalf("trailing newline should not count as a change")
	}
}

func TestCompareReportsRegistryChanges(t *testing.T) {
	prev := Default()
	prev.Projects = []Project{{Name: "nixos"}, {Name: "stacks"}}
	curr := Default()
	curr.Projects = []Project{{Name: "nixos"}, {Name: "backend"}}
	curr.Daemon.QueueCapacity = 8

	ch := Compare(prev, curr)
	if ch.Empty() {
		t.Fatalf("expected a change")
	}
	if len(ch.AddedProjects) != 1 || ch.AddedProjects[0] != "backend" {
		t.Fatalf("unexpected added projects: %v", ch.AddedProjects)
	}
	if len(ch.RemovedProjects) != 1 || ch.RemovedProjects[0] != "stacks" {
		t.Fatalf("unexpected removed projects: %v", ch.RemovedProjects)
	}
	if !ch.DaemonChanged || ch.OutputsChanged {
		t.Fatalf("unexpected section flags: %+v", ch)
	}
	if !Compare(curr, curr).Empty() {
		t.Fatalf("identical configs should compare empty")
	}
}
