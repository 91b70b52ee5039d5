package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

// configTarget receives reloaded configurations.
type configTarget interface {
	Config() *config.Config
	SetConfig(cfg *config.Config)
	Snapshot() *state.Snapshot
}

type configReloader struct {
	path   string
	logger *util.Logger
	target configTarget

	mu             sync.Mutex
	lastSerialized []byte
}

func newConfigReloader(path string, logger *util.Logger, target configTarget, serialized []byte) *configReloader {
	return &configReloader{
		path:           path,
		logger:         logger,
		target:         target,
		lastSerialized: append([]byte(nil), serialized...),
	}
}

// Reload re-reads the config file and swaps it into the engine. A rejected
// file leaves the previous configuration in place.
func (r *configReloader) Reload(reason string) (config.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Infof("%s, reloading config", reason)
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return config.Change{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		if lintErrs, lerr := config.LintFile(r.path); lerr == nil && len(lintErrs) > 0 {
			r.logLintErrors(lintErrs)
		}
		r.logDiff(raw)
		return config.Change{}, err
	}

	previous := r.target.Config()
	change := config.Compare(previous, cfg)
	r.target.SetConfig(cfg)
	r.lastSerialized = append([]byte(nil), raw...)

	if change.Empty() {
		r.logger.Infof("config reloaded; no changes")
		return change, nil
	}
	r.logger.Infof("config reloaded: +%v -%v outputs changed=%t", change.AddedProjects, change.RemovedProjects, change.OutputsChanged)
	r.logger.Debugf("config diff:\n%s", change.Text)
	if change.DaemonChanged {
		r.logger.Warnf("daemon settings changed; timeouts and buffer sizes take effect after restart")
	}
	if active := r.target.Snapshot().ActiveProject; active != "" {
		if _, ok := cfg.Project(active); !ok {
			r.logger.Warnf("active project %q was removed from the registry; switch or clear to leave it", active)
		}
	}
	return change, nil
}

func (r *configReloader) logDiff(current []byte) {
	diff := config.DiffSerialized(r.lastSerialized, current)
	if diff == "" {
		r.logger.Warnf("config change rejected; unable to compute diff vs last valid config")
		return
	}
	r.logger.Warnf("config change rejected; diff vs last valid config:\n%s", diff)
}

func (r *configReloader) logLintErrors(errs []config.LintError) {
	r.logger.Warnf("config validation failed with %d issue(s):", len(errs))
	for _, lintErr := range errs {
		if lintErr.Path != "" {
			r.logger.Warnf(" - %s: %s", lintErr.Path, lintErr.Message)
			continue
		}
		r.logger.Warnf(" - %s", lintErr.Message)
	}
}
