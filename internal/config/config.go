package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Output roles accepted as profile assignment keys in addition to literal output names.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
	RoleTertiary  = "tertiary"
)

var roleIndex = map[string]int{
	RolePrimary:   0,
	RoleSecondary: 1,
	RoleTertiary:  2,
}

// Config is the top-level configuration document.
type Config struct {
	Projects   []Project      `yaml:"projects"`
	Outputs    OutputsConfig  `yaml:"outputs"`
	Workspaces WorkspaceRange `yaml:"workspaces"`
	Daemon     DaemonConfig   `yaml:"daemon"`
}

// Project is a registry entry. Windows reference projects by name only.
type Project struct {
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"displayName" json:"displayName,omitempty"`
	Icon        string `yaml:"icon" json:"icon,omitempty"`
	Directory   string `yaml:"directory" json:"directory,omitempty"`
}

// OutputsConfig holds the workspace-to-output profiles keyed by topology.
type OutputsConfig struct {
	// Order ranks output names when resolving roles; unlisted outputs sort by name.
	Order    []string        `yaml:"order"`
	Profiles []OutputProfile `yaml:"profiles"`
}

// OutputProfile maps workspaces onto outputs for one topology signature.
// A profile matches either an exact output-name set (Outputs) or a count.
type OutputProfile struct {
	Name        string           `yaml:"name"`
	Outputs     []string         `yaml:"outputs"`
	Count       int              `yaml:"count"`
	Assignments map[string][]int `yaml:"workspaces"`
}

// WorkspaceRange bounds the workspace numbers the daemon manages.
type WorkspaceRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Contains reports whether num lies within the range.
func (r WorkspaceRange) Contains(num int) bool {
	return num >= r.Min && num <= r.Max
}

// DaemonConfig tunes timeouts and buffer sizes. SubscriberBuffer bounds each
// RPC subscriber's outbound queue; WMEventBuffer bounds the decoded
// window-manager events waiting for the event loop.
type DaemonConfig struct {
	CommandTimeoutMs  int    `yaml:"commandTimeoutMs"`
	ResolverTimeoutMs int    `yaml:"resolverTimeoutMs"`
	EventBufferSize   int    `yaml:"eventBufferSize"`
	SubscriberBuffer  int    `yaml:"subscriberBuffer"`
	WMEventBuffer     int    `yaml:"wmEventBuffer"`
	QueueCapacity     int    `yaml:"queueCapacity"`
	OutputPollMs      int    `yaml:"outputPollMs"`
	StateDir          string `yaml:"stateDir"`
	SentryDSN         string `yaml:"sentryDSN"`
}

// CommandTimeout returns the per-command acknowledgement budget.
func (d DaemonConfig) CommandTimeout() time.Duration {
	return time.Duration(d.CommandTimeoutMs) * time.Millisecond
}

// ResolverTimeout returns the process environment read budget.
func (d DaemonConfig) ResolverTimeout() time.Duration {
	return time.Duration(d.ResolverTimeoutMs) * time.Millisecond
}

// OutputPollInterval returns how often output topology is polled.
func (d DaemonConfig) OutputPollInterval() time.Duration {
	return time.Duration(d.OutputPollMs) * time.Millisecond
}

// DefaultPath returns ~/.config/i3pm/config.yaml, honouring XDG_CONFIG_HOME.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "i3pm", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "i3pm", "config.yaml")
}

// DefaultStateDir returns the directory holding the context file and layout database.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "i3pm")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "i3pm")
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates a configuration payload.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns an empty, defaulted configuration used when no file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Workspaces.Min == 0 {
		c.Workspaces.Min = 1
	}
	if c.Workspaces.Max == 0 {
		c.Workspaces.Max = 70
	}
	d := &c.Daemon
	if d.CommandTimeoutMs == 0 {
		d.CommandTimeoutMs = 500
	}
	if d.ResolverTimeoutMs == 0 {
		d.ResolverTimeoutMs = 250
	}
	if d.EventBufferSize == 0 {
		d.EventBufferSize = 500
	}
	if d.SubscriberBuffer == 0 {
		d.SubscriberBuffer = 256
	}
	if d.WMEventBuffer == 0 {
		d.WMEventBuffer = 256
	}
	if d.QueueCapacity == 0 {
		d.QueueCapacity = 64
	}
	if d.OutputPollMs == 0 {
		d.OutputPollMs = 2000
	}
	if d.StateDir == "" {
		d.StateDir = DefaultStateDir()
	}
}

// Validate performs basic sanity checks and returns the first issue found.
func (c *Config) Validate() error {
	if errs := c.Lint(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Project returns the registry entry for name.
func (c *Config) Project(name string) (Project, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return Project{}, false
}

// ProjectNames returns registry names in declaration order.
func (c *Config) ProjectNames() []string {
	names := make([]string, 0, len(c.Projects))
	for _, p := range c.Projects {
		names = append(names, p.Name)
	}
	return names
}

// OrderOutputs ranks active outputs: configured order first, then by name.
func (c *Config) OrderOutputs(active []string) []string {
	rank := make(map[string]int, len(c.Outputs.Order))
	for i, name := range c.Outputs.Order {
		rank[name] = i
	}
	out := append([]string(nil), active...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// ResolveProfile picks the profile for the active output set: an exact name-set
// match wins over a count match. The returned map is keyed by concrete output name.
func (c *Config) ResolveProfile(active []string) (string, map[string][]int, error) {
	ordered := c.OrderOutputs(active)
	set := make(map[string]struct{}, len(active))
	for _, name := range active {
		set[name] = struct{}{}
	}
	var match *OutputProfile
	for i := range c.Outputs.Profiles {
		p := &c.Outputs.Profiles[i]
		if len(p.Outputs) == 0 || len(p.Outputs) != len(set) {
			continue
		}
		all := true
		for _, name := range p.Outputs {
			if _, ok := set[name]; !ok {
				all = false
				break
			}
		}
		if all {
			match = p
			break
		}
	}
	if match == nil {
		for i := range c.Outputs.Profiles {
			p := &c.Outputs.Profiles[i]
			if len(p.Outputs) == 0 && p.Count == len(active) {
				match = p
				break
			}
		}
	}
	if match == nil {
		return "", nil, fmt.Errorf("no profile for %d output(s)", len(active))
	}
	resolved := make(map[string][]int, len(match.Assignments))
	seen := map[int]string{}
	for key, workspaces := range match.Assignments {
		target := key
		if idx, ok := roleIndex[key]; ok {
			if idx >= len(ordered) {
				return match.Name, nil, fmt.Errorf("profile %q: role %s has no output", match.Name, key)
			}
			target = ordered[idx]
		} else if _, ok := set[key]; !ok {
			return match.Name, nil, fmt.Errorf("profile %q: output %s is not active", match.Name, key)
		}
		for _, ws := range workspaces {
			if !c.Workspaces.Contains(ws) {
				return match.Name, nil, fmt.Errorf("profile %q: workspace %d out of range", match.Name, ws)
			}
			if prev, dup := seen[ws]; dup && prev != target {
				return match.Name, nil, fmt.Errorf("profile %q: workspace %d assigned twice", match.Name, ws)
			}
			seen[ws] = target
		}
		resolved[target] = append(resolved[target], workspaces...)
	}
	for name := range resolved {
		sort.Ints(resolved[name])
	}
	return match.Name, resolved, nil
}

func profileLabel(p OutputProfile, idx int) string {
	if p.Name != "" {
		return p.Name
	}
	return "#" + strconv.Itoa(idx)
}
