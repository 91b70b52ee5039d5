package config

import (
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

// Change summarises how a reload altered the configuration.
type Change struct {
	AddedProjects   []string `json:"addedProjects,omitempty"`
	RemovedProjects []string `json:"removedProjects,omitempty"`
	OutputsChanged  bool     `json:"outputsChanged"`
	DaemonChanged   bool     `json:"daemonChanged"`
	// Text is a line diff of the re-encoded documents, empty when nothing changed.
	Text string `json:"diff,omitempty"`
}

// Empty reports whether the reload changed nothing.
func (c Change) Empty() bool {
	return c.Text == ""
}

// Compare reports the difference between two loaded configurations.
func Compare(previous, current *Config) Change {
	var ch Change
	if previous == nil {
		previous = &Config{}
	}
	if current == nil {
		current = &Config{}
	}
	before := map[string]bool{}
	for _, name := range previous.ProjectNames() {
		before[name] = true
	}
	for _, name := range current.ProjectNames() {
		if !before[name] {
			ch.AddedProjects = append(ch.AddedProjects, name)
		}
		delete(before, name)
	}
	for name := range before {
		ch.RemovedProjects = append(ch.RemovedProjects, name)
	}
	sort.Strings(ch.RemovedProjects)
	ch.OutputsChanged = !cmp.Equal(previous.Outputs, current.Outputs) || previous.Workspaces != current.Workspaces
	ch.DaemonChanged = previous.Daemon != current.Daemon
	prevData, _ := yaml.Marshal(previous)
	currData, _ := yaml.Marshal(current)
	ch.Text = DiffSerialized(prevData, currData)
	return ch
}

// DiffSerialized returns a line diff between two serialized payloads.
func DiffSerialized(previous, current []byte) string {
	return cmp.Diff(splitLines(previous), splitLines(current))
}

func splitLines(data []byte) []string {
	text := strings.TrimSuffix(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
