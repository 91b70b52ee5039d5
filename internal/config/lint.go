package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// GlobalSentinel is the reserved name clients use for the global context.
const GlobalSentinel = "global"

// LintError describes one configuration issue with the path of the offending field.
type LintError struct {
	Path    string
	Message string
}

func (e LintError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// LintFile loads the file at path and returns every issue found. A non-nil
// error means the file could not be read or decoded at all.
func LintFile(path string) ([]LintError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return cfg.Lint(), nil
}

// Lint returns every validation issue instead of stopping at the first one.
func (c *Config) Lint() []LintError {
	var errs []LintError
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, LintError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	seen := map[string]bool{}
	for i, p := range c.Projects {
		path := fmt.Sprintf("projects[%d]", i)
		switch {
		case p.Name == "":
			add(path+".name", "name is required")
		case p.Name == GlobalSentinel:
			add(path+".name", "%q is reserved", GlobalSentinel)
		case !projectNamePattern.MatchString(p.Name):
			add(path+".name", "invalid project name %q", p.Name)
		case seen[p.Name]:
			add(path+".name", "duplicate project %q", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Workspaces.Min < 1 {
		add("workspaces.min", "must be >= 1")
	}
	if c.Workspaces.Max < c.Workspaces.Min {
		add("workspaces.max", "must be >= workspaces.min")
	}

	for i, p := range c.Outputs.Profiles {
		path := fmt.Sprintf("outputs.profiles[%s]", profileLabel(p, i))
		if len(p.Outputs) == 0 && p.Count <= 0 {
			add(path, "either outputs or count must be set")
		}
		if len(p.Outputs) > 0 && p.Count > 0 && p.Count != len(p.Outputs) {
			add(path+".count", "count %d disagrees with %d listed outputs", p.Count, len(p.Outputs))
		}
		if len(p.Assignments) == 0 {
			add(path+".workspaces", "no workspace assignments")
		}
		owner := map[int]string{}
		for key, list := range p.Assignments {
			if _, role := roleIndex[key]; role {
				if n := expectedOutputs(p); n > 0 && roleIndex[key] >= n {
					add(path+".workspaces."+key, "role exceeds the profile's %d output(s)", n)
				}
			} else if len(p.Outputs) > 0 && !contains(p.Outputs, key) {
				add(path+".workspaces."+key, "output is not listed in the profile")
			}
			for _, ws := range list {
				if !c.Workspaces.Contains(ws) {
					add(path+".workspaces."+key, "workspace %d outside %d..%d", ws, c.Workspaces.Min, c.Workspaces.Max)
				}
				if prev, dup := owner[ws]; dup && prev != key {
					add(path+".workspaces."+key, "workspace %d already assigned to %s", ws, prev)
				}
				owner[ws] = key
			}
		}
	}

	d := c.Daemon
	if d.CommandTimeoutMs < 0 {
		add("daemon.commandTimeoutMs", "must be positive")
	}
	if d.ResolverTimeoutMs < 0 {
		add("daemon.resolverTimeoutMs", "must be positive")
	}
	if d.EventBufferSize < 0 {
		add("daemon.eventBufferSize", "must be positive")
	}
	if d.SubscriberBuffer < 0 {
		add("daemon.subscriberBuffer", "must be positive")
	}
	if d.WMEventBuffer < 0 {
		add("daemon.wmEventBuffer", "must be positive")
	}
	if d.QueueCapacity < 0 {
		add("daemon.queueCapacity", "must be positive")
	}
	if d.OutputPollMs < 0 {
		add("daemon.outputPollMs", "must be positive")
	}
	return errs
}

func expectedOutputs(p OutputProfile) int {
	if len(p.Outputs) > 0 {
		return len(p.Outputs)
	}
	return p.Count
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
