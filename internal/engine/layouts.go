package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/metrics"
	"github.com/vpittamp/i3pm/internal/state"
)

// LayoutMatch pairs a saved placement with a live window.
type LayoutMatch struct {
	WindowID  int64  `json:"windowId"`
	AppName   string `json:"appName,omitempty"`
	Class     string `json:"class,omitempty"`
	Workspace int    `json:"workspace"`
	Floating  bool   `json:"floating"`
	Error     string `json:"error,omitempty"`
}

// RestoreResult summarises a layout restore.
type RestoreResult struct {
	Project   string        `json:"project"`
	Name      string        `json:"name"`
	Active    bool          `json:"active"`
	Matched   []LayoutMatch `json:"matched"`
	Unmatched int           `json:"unmatched"`
	Partial   bool          `json:"partial,omitempty"`
	Duration  time.Duration `json:"durationNs"`
}

func (e *Engine) layoutProject(project string) error {
	if project == "" {
		return fmt.Errorf("layout project is required: %w", ErrUnknownProject)
	}
	if _, ok := e.Config().Project(project); !ok {
		return fmt.Errorf("%q: %w", project, ErrUnknownProject)
	}
	if e.layouts == nil {
		return errors.New("layout store unavailable")
	}
	return nil
}

func wrapLayoutErr(err error) error {
	if errors.Is(err, layouts.ErrNotFound) && !errors.Is(err, ErrLayoutNotFound) {
		return fmt.Errorf("%v: %w", err, ErrLayoutNotFound)
	}
	return err
}

// SaveLayout captures the current placement of project's windows under name.
func (e *Engine) SaveLayout(ctx context.Context, project, name string) (layouts.Layout, error) {
	if err := e.layoutProject(project); err != nil {
		return layouts.Layout{}, err
	}
	if name == "" {
		return layouts.Layout{}, errors.New("layout name is required")
	}
	v, err := e.queue.Submit(ctx, "layout_save", func(ctx context.Context) (any, error) {
		start := time.Now()
		snap := e.Snapshot()
		l := layouts.Layout{Project: project, Name: name}
		for _, w := range snap.WindowsFor(project) {
			p := layouts.WindowPlacement{AppName: w.AppName, Class: w.Class, AppID: w.AppID, Workspace: w.Workspace, Floating: w.Floating}
			if w.Hidden {
				p.Workspace, p.Floating = w.LastWorkspace, w.LastFloating
			}
			l.Windows = append(l.Windows, p)
		}
		saved, err := e.layouts.Save(ctx, l)
		e.metrics.RecordOperation("layout_save", time.Since(start), outcomeOf(err, false), err)
		if err != nil {
			return nil, err
		}
		if err := e.Do(ctx, func(*state.Store) {
			e.record(eventlog.Record{Type: "layout.save", Timestamp: start, Duration: time.Since(start)}, map[string]any{"project": project, "name": name, "windows": len(saved.Windows)})
		}); err != nil {
			e.logger.Warnf("record layout.save %s/%s: %v", project, name, err)
		}
		return saved, nil
	})
	if err != nil {
		return layouts.Layout{}, err
	}
	return v.(layouts.Layout), nil
}

// matchLayout assigns saved placements to windows: first by app name, then by
// class or app id. Windows are consumed in ascending id order.
func matchLayout(saved []layouts.WindowPlacement, windows []state.Window) ([]LayoutMatch, int) {
	windows = sortedIDs(windows)
	used := make(map[int64]bool, len(windows))
	assigned := make([]int64, len(saved))
	pass := func(match func(p layouts.WindowPlacement, w state.Window) bool) {
		for i, p := range saved {
			if assigned[i] != 0 {
				continue
			}
			for _, w := range windows {
				if !used[w.ID] && match(p, w) {
					used[w.ID] = true
					assigned[i] = w.ID
					break
				}
			}
		}
	}
	pass(func(p layouts.WindowPlacement, w state.Window) bool {
		return p.AppName != "" && p.AppName == w.AppName
	})
	pass(func(p layouts.WindowPlacement, w state.Window) bool {
		return (p.Class != "" && p.Class == w.Class) || (p.AppID != "" && p.AppID == w.AppID)
	})
	var matches []LayoutMatch
	unmatched := 0
	for i, p := range saved {
		if assigned[i] == 0 {
			unmatched++
			continue
		}
		matches = append(matches, LayoutMatch{WindowID: assigned[i], AppName: p.AppName, Class: p.Class, Workspace: p.Workspace, Floating: p.Floating})
	}
	return matches, unmatched
}

// RestoreLayout applies a saved layout. Windows of the active project are
// moved immediately; otherwise only their restore targets are rewritten.
func (e *Engine) RestoreLayout(ctx context.Context, project, name string) (*RestoreResult, error) {
	if err := e.layoutProject(project); err != nil {
		return nil, err
	}
	v, err := e.queue.Submit(ctx, "layout_restore", func(ctx context.Context) (any, error) {
		return e.restoreLayout(ctx, project, name)
	})
	res, _ := v.(*RestoreResult)
	return res, err
}

func (e *Engine) restoreLayout(ctx context.Context, project, name string) (*RestoreResult, error) {
	start := time.Now()
	l, err := e.layouts.Get(ctx, project, name)
	if err != nil {
		err = wrapLayoutErr(err)
		e.metrics.RecordOperation("layout_restore", time.Since(start), metrics.OutcomeFailed, err)
		return nil, err
	}
	snap := e.Snapshot()
	res := &RestoreResult{Project: project, Name: name, Active: snap.ActiveProject == project}
	res.Matched, res.Unmatched = matchLayout(l.Windows, snap.WindowsFor(project))

	var applyErr error
	if res.Active {
		for i := range res.Matched {
			m := &res.Matched[i]
			if m.Workspace <= 0 {
				continue
			}
			if err := e.commander.Dispatch(ctx, showCommand(m.WindowID, m.Workspace, m.Floating)); err != nil {
				m.Error = err.Error()
				res.Partial = true
				applyErr = err
			}
		}
	}
	res.Duration = time.Since(start)
	recErr := ""
	if res.Partial {
		recErr = applyErr.Error()
	}
	if err := e.Do(context.WithoutCancel(ctx), func(st *state.Store) {
		for _, m := range res.Matched {
			switch {
			case m.Error != "" || m.Workspace <= 0:
			case res.Active:
				st.MarkShown(m.WindowID, m.Workspace, m.Floating)
			default:
				st.SetLastKnown(m.WindowID, m.Workspace, m.Floating)
			}
		}
		e.record(eventlog.Record{Type: "layout.restore", Timestamp: start, Duration: res.Duration, Error: recErr}, res)
	}); err != nil {
		return res, err
	}
	e.metrics.RecordOperation("layout_restore", res.Duration, outcomeOf(nil, res.Partial), nil)
	e.persistContext()
	return res, nil
}

// ListLayouts returns saved layouts, optionally filtered by project.
func (e *Engine) ListLayouts(ctx context.Context, project string) ([]layouts.Layout, error) {
	if e.layouts == nil {
		return nil, errors.New("layout store unavailable")
	}
	return e.layouts.List(ctx, project)
}

// DeleteLayout removes a saved layout.
func (e *Engine) DeleteLayout(ctx context.Context, project, name string) error {
	if e.layouts == nil {
		return errors.New("layout store unavailable")
	}
	_, err := e.queue.Submit(ctx, "layout_delete", func(ctx context.Context) (any, error) {
		return nil, wrapLayoutErr(e.layouts.Delete(ctx, project, name))
	})
	return err
}

// FocusWindow focuses a tracked window.
func (e *Engine) FocusWindow(ctx context.Context, id int64) error {
	return e.windowCommand(ctx, "focus_window", id, "focus")
}

// CloseWindow asks the window manager to close a tracked window.
func (e *Engine) CloseWindow(ctx context.Context, id int64) error {
	return e.windowCommand(ctx, "close_window", id, "kill")
}

func (e *Engine) windowCommand(ctx context.Context, op string, id int64, verb string) error {
	if _, ok := e.Snapshot().Window(id); !ok {
		return fmt.Errorf("window %d: %w", id, ErrWindowNotFound)
	}
	_, err := e.queue.Submit(ctx, op, func(ctx context.Context) (any, error) {
		start := time.Now()
		err := e.commander.Dispatch(ctx, "[con_id="+strconv.FormatInt(id, 10)+"] "+verb)
		e.metrics.RecordOperation(op, time.Since(start), outcomeOf(err, false), err)
		return nil, err
	})
	return err
}

func outcomeOf(err error, partial bool) metrics.Outcome {
	switch {
	case err != nil:
		return metrics.OutcomeFailed
	case partial:
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeOK
	}
}
