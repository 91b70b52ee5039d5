package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/metrics"
	"github.com/vpittamp/i3pm/internal/state"
)

// SwitchState is the switcher's current phase.
type SwitchState string

const (
	SwitchIdle      SwitchState = "idle"
	SwitchSwitching SwitchState = "switching"
)

// WindowError reports a command that failed for one window.
type WindowError struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

// SwitchResult summarises a completed switch.
type SwitchResult struct {
	Project  string        `json:"project"`
	Previous string        `json:"previous"`
	Hidden   []int64       `json:"hidden"`
	Shown    []int64       `json:"shown"`
	Partial  bool          `json:"partial"`
	Errors   []WindowError `json:"errors,omitempty"`
	Aborted  bool          `json:"aborted,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// Switcher hides windows of inactive projects and restores the target's.
// Switch runs only on the queue worker.
type Switcher struct {
	engine *Engine

	mu    sync.Mutex
	state SwitchState
}

func newSwitcher(e *Engine) *Switcher {
	return &Switcher{engine: e, state: SwitchIdle}
}

// State returns the current phase.
func (s *Switcher) State() SwitchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Switcher) transition(from, to SwitchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("switcher %s -> %s from %s: %w", from, to, s.state, ErrIllegalTransition)
	}
	s.state = to
	return nil
}

// showTarget is a restore destination: a workspace number, or a name for
// workspaces without one.
type showTarget struct {
	id        int64
	workspace int
	name      string
	floating  bool
}

func (t showTarget) command() string {
	if t.name != "" {
		return showNamedCommand(t.id, t.name, t.floating)
	}
	return showCommand(t.id, t.workspace, t.floating)
}

// Switch moves the daemon to project name ("" or "global" for global mode).
func (s *Switcher) Switch(ctx context.Context, name string) (*SwitchResult, error) {
	e := s.engine
	target, err := e.normalizeTarget(name)
	if err != nil {
		e.metrics.RecordOperation("switch_project", 0, metrics.OutcomeFailed, err)
		return nil, err
	}
	if err := s.transition(SwitchIdle, SwitchSwitching); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.transition(SwitchSwitching, SwitchIdle); err != nil {
			e.logger.Errorf("%v", err)
		}
	}()

	start := time.Now()
	res := &SwitchResult{Project: targetLabel(target)}
	var (
		hide []state.Window
		show []showTarget
	)
	if err := e.Do(ctx, func(st *state.Store) {
		res.Previous = targetLabel(st.ActiveProject())
		focused := st.FocusedWorkspace()
		for _, w := range sortedIDs(st.Windows()) {
			switch {
			case !w.Hidden && w.Scoped() && w.Project != target:
				st.RecordLastKnown(w.ID)
				hide = append(hide, w)
			case w.Hidden && belongsTo(w, target):
				if w.LastWorkspace <= 0 && w.LastWorkspaceName != "" {
					show = append(show, showTarget{id: w.ID, name: w.LastWorkspaceName, floating: w.LastFloating})
					continue
				}
				ws := w.LastWorkspace
				if ws <= 0 {
					ws = focused
				}
				if ws <= 0 {
					ws = e.Config().Workspaces.Min
				}
				show = append(show, showTarget{id: w.ID, workspace: ws, floating: w.LastFloating})
			}
		}
	}); err != nil {
		return nil, err
	}
	e.logger.Debugf("switch %s -> %s: hiding %d, showing %d", res.Previous, res.Project, len(hide), len(show))

	var (
		hidden, failedHides []int64
		shown               []showTarget
		abortErr            error
	)
	fail := func(id int64, err error) {
		res.Partial = true
		res.Errors = append(res.Errors, WindowError{ID: id, Error: err.Error()})
	}
	for _, w := range hide {
		if abortErr != nil {
			failedHides = append(failedHides, w.ID)
			continue
		}
		err := e.commander.Dispatch(ctx, hideCommand(w.ID))
		switch {
		case err == nil:
			hidden = append(hidden, w.ID)
		case errors.Is(err, ipc.ErrWindowManagerDisconnected):
			abortErr = err
			failedHides = append(failedHides, w.ID)
			fail(w.ID, err)
		default:
			failedHides = append(failedHides, w.ID)
			fail(w.ID, err)
		}
	}
	for _, t := range show {
		if abortErr != nil {
			break
		}
		err := e.commander.Dispatch(ctx, t.command())
		switch {
		case err == nil:
			shown = append(shown, t)
		case errors.Is(err, ipc.ErrWindowManagerDisconnected):
			abortErr = err
			fail(t.id, err)
		default:
			fail(t.id, err)
		}
	}

	res.Aborted = abortErr != nil
	res.Duration = time.Since(start)
	res.Hidden = hidden
	for _, t := range shown {
		res.Shown = append(res.Shown, t.id)
	}
	recErr := ""
	if abortErr != nil {
		recErr = abortErr.Error()
	} else if res.Partial {
		recErr = fmt.Sprintf("%d window command(s) failed", len(res.Errors))
	}
	if err := e.Do(context.WithoutCancel(ctx), func(st *state.Store) {
		for _, id := range hidden {
			st.MarkHidden(id)
		}
		for _, id := range failedHides {
			st.ReleaseLastKnown(id)
		}
		for _, t := range shown {
			if t.name != "" {
				st.MarkShownNamed(t.id, t.name, t.floating)
			} else {
				st.MarkShown(t.id, t.workspace, t.floating)
			}
		}
		if abortErr == nil {
			st.SetActiveProject(target)
		}
		e.record(eventlog.Record{Type: "project.switch", Timestamp: start, Duration: res.Duration, Error: recErr}, res)
	}); err != nil {
		return res, err
	}

	outcome := metrics.OutcomeOK
	switch {
	case abortErr != nil:
		outcome = metrics.OutcomeFailed
	case res.Partial:
		outcome = metrics.OutcomePartial
	}
	e.metrics.RecordOperation("switch_project", res.Duration, outcome, abortErr)

	if abortErr != nil {
		e.logger.Errorf("switch to %s aborted: %v", res.Project, abortErr)
		return res, fmt.Errorf("switch to %s: %w", res.Project, abortErr)
	}
	if res.Partial {
		e.logger.Warnf("switch to %s partially failed: %d error(s)", res.Project, len(res.Errors))
	} else {
		e.logger.Infof("switched %s -> %s (%d hidden, %d shown) in %s", res.Previous, res.Project, len(res.Hidden), len(res.Shown), res.Duration)
	}
	e.persistContext()
	return res, nil
}

// belongsTo reports whether a hidden window is restored when target becomes active.
func belongsTo(w state.Window, target string) bool {
	if target == "" {
		return !w.Scoped()
	}
	return w.Scoped() && w.Project == target
}

// persistContext writes the active context and parked windows to disk.
func (e *Engine) persistContext() {
	if e.contextFile == nil {
		return
	}
	if err := e.contextFile.Save(state.SavedContextFrom(e.Snapshot())); err != nil {
		e.logger.Warnf("persist active context: %v", err)
	}
}

// SwitchProject queues a switch and waits for its result.
func (e *Engine) SwitchProject(ctx context.Context, name string) (*SwitchResult, error) {
	if _, err := e.normalizeTarget(name); err != nil {
		return nil, err
	}
	v, err := e.queue.Submit(ctx, "switch_project", func(ctx context.Context) (any, error) {
		return e.switcher.Switch(ctx, name)
	})
	res, _ := v.(*SwitchResult)
	return res, err
}

// ClearProject switches to global mode.
func (e *Engine) ClearProject(ctx context.Context) (*SwitchResult, error) {
	return e.SwitchProject(ctx, "")
}

// SwitchState reports the switcher phase.
func (e *Engine) SwitchState() SwitchState {
	return e.switcher.State()
}
