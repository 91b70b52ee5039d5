// Package engine owns the event loop, the command queue and the state
// machines that mutate window placement.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/metrics"
	"github.com/vpittamp/i3pm/internal/proc"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

// Tick payloads understood on the window manager's tick channel.
const (
	TickSwitchPrefix = "i3pm:switch:"
	TickClear        = "i3pm:clear"
)

// Commander is the write half of the window-manager connection. Only queue
// jobs call it.
type Commander interface {
	Dispatch(ctx context.Context, command string) error
	DispatchBatch(ctx context.Context, commands []string) error
	Workspaces(ctx context.Context) ([]state.Workspace, error)
}

// Notifier receives every record appended to the event history.
type Notifier interface {
	Publish(rec eventlog.Record)
}

// LayoutStore persists layouts.
type LayoutStore interface {
	Save(ctx context.Context, l layouts.Layout) (layouts.Layout, error)
	Get(ctx context.Context, project, name string) (layouts.Layout, error)
	List(ctx context.Context, project string) ([]layouts.Layout, error)
	Delete(ctx context.Context, project, name string) error
}

type evictor interface {
	Evict(pid int)
}

// Resyncer lets RPC callers force a full window-manager resync.
type Resyncer interface {
	RequestResync()
	Connected() bool
	Reconnects() int64
}

// Options wires an Engine.
type Options struct {
	Config      *config.Config
	Store       *state.Store
	Ring        *eventlog.Ring
	Resolver    proc.Resolver
	Commander   Commander
	Queue       *Queue
	Layouts     LayoutStore
	ContextFile *state.ContextFile
	Metrics     *metrics.Collector
	Logger      *util.Logger
	Events      <-chan ipc.Event
}

// Engine applies window-manager events to the store on a single goroutine
// and runs mutations through the queue.
type Engine struct {
	store       *state.Store
	ring        *eventlog.Ring
	resolver    proc.Resolver
	commander   Commander
	queue       *Queue
	layouts     LayoutStore
	contextFile *state.ContextFile
	metrics     *metrics.Collector
	logger      *util.Logger
	events      <-chan ipc.Event

	cfg      atomic.Pointer[config.Config]
	notifier atomic.Pointer[Notifier]
	resyncer atomic.Pointer[Resyncer]
	calls    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	started  time.Time

	switcher      *Switcher
	redistributor *Redistributor

	// loop-owned
	lastOutputCount int
	parked          map[int64]state.ParkedWindow
}

// New wires an engine. Call Serve to start the event loop.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLoggerWithWriter(util.LevelError, io.Discard)
	}
	if opts.Store == nil {
		opts.Store = state.NewStore()
	}
	if opts.Ring == nil {
		opts.Ring = eventlog.NewRing(cfg.Daemon.EventBufferSize)
	}
	if opts.Queue == nil {
		opts.Queue = NewQueue(cfg.Daemon.QueueCapacity, opts.Logger, opts.Metrics)
	}
	e := &Engine{
		store:           opts.Store,
		ring:            opts.Ring,
		resolver:        opts.Resolver,
		commander:       opts.Commander,
		queue:           opts.Queue,
		layouts:         opts.Layouts,
		contextFile:     opts.ContextFile,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		events:          opts.Events,
		calls:           make(chan func()),
		stopped:         make(chan struct{}),
		started:         time.Now(),
		lastOutputCount: -1,
	}
	e.cfg.Store(cfg)
	e.switcher = newSwitcher(e)
	e.redistributor = newRedistributor(e)
	return e
}

// SetNotifier installs the record fan-out.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier.Store(&n)
}

// SetResyncer installs the subscriber used by Resync and Status.
func (e *Engine) SetResyncer(r Resyncer) {
	e.resyncer.Store(&r)
}

// SetConfig swaps the registry and profiles used by later operations.
func (e *Engine) SetConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// Queue returns the command queue.
func (e *Engine) Queue() *Queue {
	return e.queue
}

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() *state.Snapshot {
	return e.store.Snapshot()
}

// Events returns recent history records, oldest first.
func (e *Engine) Events(limit int, eventType string) []eventlog.Record {
	return e.ring.Recent(limit, eventType)
}

// EventsSince returns retained records newer than id.
func (e *Engine) EventsSince(id uint64) []eventlog.Record {
	return e.ring.Since(id)
}

// LastEventID returns the id of the newest history record.
func (e *Engine) LastEventID() uint64 {
	return e.ring.LastID()
}

// Restore seeds the active context and parked placements from a saved
// context. It must be called before Serve.
func (e *Engine) Restore(saved state.SavedContext) {
	project := saved.Project
	if project != "" {
		if _, ok := e.Config().Project(project); !ok {
			e.logger.Warnf("saved project %q is not in the registry; starting in global mode", project)
			project = ""
		}
	}
	e.store.SetActiveProject(project)
	e.parked = saved.Parked
	e.store.Publish()
}

// Serve runs the event loop until ctx is cancelled or the event stream closes.
func (e *Engine) Serve(ctx context.Context) error {
	defer e.stopOnce.Do(func() { close(e.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.calls:
			fn()
		case ev, ok := <-e.events:
			if !ok {
				return errors.New("event stream closed")
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// Do runs fn on the event loop with exclusive access to the store, then
// publishes a new snapshot.
func (e *Engine) Do(ctx context.Context, fn func(*state.Store)) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn(e.store)
		e.store.Publish()
	}
	select {
	case e.calls <- call:
	case <-e.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// handleEvent applies one event and records it.
func (e *Engine) handleEvent(ctx context.Context, ev ipc.Event) {
	start := time.Now()
	payload, err := e.apply(ctx, ev)
	e.store.Publish()
	if ev.Received.IsZero() {
		ev.Received = start
	}
	rec := eventlog.Record{Type: string(ev.Kind), Timestamp: ev.Received, Duration: time.Since(start)}
	if err != nil {
		rec.Error = err.Error()
		e.logger.Warnf("apply %s: %v", ev.Kind, err)
	}
	e.record(rec, payload)
	e.metrics.RecordEvent(string(ev.Kind))
}

// record appends to the history and notifies subscribers. Loop only.
func (e *Engine) record(rec eventlog.Record, payload any) eventlog.Record {
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			rec.Payload = data
		} else {
			e.logger.Debugf("encode %s payload: %v", rec.Type, err)
		}
	}
	rec = e.ring.Append(rec)
	e.logger.Tracef("event.recorded id=%d type=%s duration=%s", rec.ID, rec.Type, rec.Duration)
	if n := e.notifier.Load(); n != nil {
		(*n).Publish(rec)
	}
	return rec
}

type windowPayload struct {
	ID        int64      `json:"id"`
	AppID     string     `json:"appId,omitempty"`
	Class     string     `json:"class,omitempty"`
	Workspace int        `json:"workspace,omitempty"`
	Hidden    bool       `json:"hidden,omitempty"`
	Floating  bool       `json:"floating,omitempty"`
	Project   string     `json:"project,omitempty"`
	Scope     proc.Scope `json:"scope,omitempty"`
}

func payloadFor(w state.Window) windowPayload {
	return windowPayload{ID: w.ID, AppID: w.AppID, Class: w.Class, Workspace: w.Workspace, Hidden: w.Hidden, Floating: w.Floating, Project: w.Project, Scope: w.Scope}
}

func (e *Engine) apply(ctx context.Context, ev ipc.Event) (any, error) {
	switch ev.Kind {
	case ipc.KindWindowNew:
		w, err := e.track(ctx, ev.Window)
		return payloadFor(w), err
	case ipc.KindWindowClose:
		w, ok := e.store.RemoveWindow(ev.Window.ID)
		if !ok {
			return payloadFor(ev.Window), nil
		}
		if c, ok := e.resolver.(evictor); ok && w.PID > 0 && e.store.CountPID(w.PID) == 0 {
			c.Evict(w.PID)
		}
		return payloadFor(w), nil
	case ipc.KindWindowFocus:
		if _, ok := e.store.Window(ev.Window.ID); !ok {
			if _, err := e.track(ctx, ev.Window); err != nil {
				return payloadFor(ev.Window), err
			}
		}
		e.store.SetFocusedWindow(ev.Window.ID)
		w, _ := e.store.Window(ev.Window.ID)
		return payloadFor(w), nil
	case ipc.KindWindowMove:
		if _, ok := e.store.Window(ev.Window.ID); !ok {
			w, err := e.track(ctx, ev.Window)
			return payloadFor(w), err
		}
		switch {
		case ev.Window.Hidden:
			e.store.MarkHidden(ev.Window.ID)
		case ev.Window.Workspace > 0:
			e.store.SetWorkspaceForWindow(ev.Window.ID, ev.Window.Workspace)
		case ev.Window.WorkspaceName != "":
			e.store.SetNamedWorkspaceForWindow(ev.Window.ID, ev.Window.WorkspaceName)
		}
		w, _ := e.store.Window(ev.Window.ID)
		return payloadFor(w), nil
	case ipc.KindWindowFloating:
		e.store.SetFloating(ev.Window.ID, ev.Window.Floating)
		w, ok := e.store.Window(ev.Window.ID)
		if !ok {
			return payloadFor(ev.Window), nil
		}
		return payloadFor(w), nil
	case ipc.KindWorkspaceInit, ipc.KindWorkspaceFocus:
		ws := ev.Workspace
		if cur, ok := e.store.Workspace(ws.Num); ok && ws.Output == "" {
			ws.Output = cur.Output
		}
		e.store.UpsertWorkspace(ws)
		if ev.Kind == ipc.KindWorkspaceFocus {
			e.store.FocusWorkspace(ws.Num)
		}
		return ws, nil
	case ipc.KindOutputChange:
		e.store.ApplyOutputs(ev.Outputs)
		if ev.Workspaces != nil {
			e.store.ReplaceWorkspaces(ev.Workspaces)
		}
		e.checkTopology()
		return map[string]any{"outputs": ev.Outputs}, nil
	case ipc.KindTick:
		return map[string]string{"payload": ev.Payload}, e.handleTick(ev.Payload)
	case ipc.KindResync:
		return e.resync(ctx, ev)
	default:
		return nil, fmt.Errorf("unhandled event kind %q", ev.Kind)
	}
}

// track classifies and inserts a window. Resolution failures fall back to
// global scope. A scoped window that does not belong to the active context
// is hidden through the queue.
func (e *Engine) track(ctx context.Context, w state.Window) (state.Window, error) {
	cls := e.classify(ctx, w.PID)
	w.Classify(cls)
	created := e.store.UpsertWindow(w)
	stored, _ := e.store.Window(w.ID)
	if created && stored.Scoped() && !stored.Hidden && stored.Project != e.store.ActiveProject() {
		id := stored.ID
		if err := e.queue.Post("hide_foreign_window", func(ctx context.Context) (any, error) {
			return nil, e.hideForeign(ctx, id)
		}); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func (e *Engine) classify(ctx context.Context, pid int) proc.Classification {
	if e.resolver == nil {
		return proc.Global()
	}
	cls, err := e.resolver.Resolve(ctx, pid)
	if err != nil {
		e.logger.Debugf("classify pid %d: %v; using global scope", pid, err)
		return proc.Global()
	}
	return cls
}

// hideForeign parks a newly mapped window whose project is not active.
func (e *Engine) hideForeign(ctx context.Context, id int64) error {
	var (
		hide bool
		w    state.Window
	)
	if err := e.Do(ctx, func(s *state.Store) {
		var ok bool
		w, ok = s.Window(id)
		hide = ok && w.Scoped() && !w.Hidden && w.Project != s.ActiveProject()
		if hide {
			s.RecordLastKnown(id)
		}
	}); err != nil || !hide {
		return err
	}
	err := e.commander.Dispatch(ctx, hideCommand(id))
	return e.Do(ctx, func(s *state.Store) {
		if err != nil {
			s.ReleaseLastKnown(id)
			return
		}
		s.MarkHidden(id)
	})
}

func (e *Engine) handleTick(payload string) error {
	switch {
	case payload == TickClear:
		return e.postSwitch("")
	case strings.HasPrefix(payload, TickSwitchPrefix):
		return e.postSwitch(strings.TrimSpace(strings.TrimPrefix(payload, TickSwitchPrefix)))
	default:
		e.logger.Debugf("ignoring tick payload %q", payload)
		return nil
	}
}

// postSwitch queues a tick-initiated switch. A request the queue cannot take
// is recorded as a failed project.switch so subscribers see it. Loop only.
func (e *Engine) postSwitch(name string) error {
	err := e.queue.Post("switch_project", func(ctx context.Context) (any, error) {
		return e.switcher.Switch(ctx, name)
	})
	if err != nil {
		res := &SwitchResult{Project: targetLabel(name), Previous: targetLabel(e.store.ActiveProject())}
		e.record(eventlog.Record{Type: "project.switch", Timestamp: time.Now(), Error: err.Error()}, res)
		e.metrics.RecordOperation("switch_project", 0, metrics.OutcomeFailed, err)
	}
	return err
}

// checkTopology queues a redistribution when the active output count changed.
func (e *Engine) checkTopology() {
	count := e.store.ActiveOutputCount()
	prev := e.lastOutputCount
	e.lastOutputCount = count
	if prev < 0 || prev == count {
		return
	}
	e.logger.Infof("active outputs changed %d -> %d; redistributing workspaces", prev, count)
	if err := e.queue.Post("redistribute", func(ctx context.Context) (any, error) {
		return e.redistributor.Redistribute(ctx)
	}); err != nil {
		e.logger.Warnf("redistribution not queued: %v", err)
	}
}

type resyncPayload struct {
	Windows    int     `json:"windows"`
	Workspaces int     `json:"workspaces"`
	Outputs    int     `json:"outputs"`
	Removed    []int64 `json:"removed,omitempty"`
}

func (e *Engine) resync(ctx context.Context, ev ipc.Event) (any, error) {
	removed := e.store.Resync(ev.Windows, ev.Workspaces, ev.Outputs)
	payload := resyncPayload{Windows: len(ev.Windows), Workspaces: len(ev.Workspaces), Outputs: len(ev.Outputs)}
	for _, w := range removed {
		payload.Removed = append(payload.Removed, w.ID)
		if c, ok := e.resolver.(evictor); ok && w.PID > 0 && e.store.CountPID(w.PID) == 0 {
			c.Evict(w.PID)
		}
	}
	for _, w := range e.store.Windows() {
		if w.Classified {
			continue
		}
		w.Classify(e.classify(ctx, w.PID))
		e.store.UpsertWindow(w)
	}
	if e.parked != nil {
		for id, p := range e.parked {
			if w, ok := e.store.Window(id); ok && w.Hidden {
				e.store.SetLastKnown(id, p.Workspace, p.Floating)
			}
		}
		e.parked = nil
	}
	e.checkTopology()
	return payload, nil
}

// RequestResync asks the subscriber for a full resync.
func (e *Engine) RequestResync() error {
	r := e.resyncer.Load()
	if r == nil {
		return fmt.Errorf("resync unavailable: %w", ipc.ErrWindowManagerDisconnected)
	}
	(*r).RequestResync()
	return nil
}

// WindowManagerConnected reports whether the event subscription is live.
func (e *Engine) WindowManagerConnected() bool {
	r := e.resyncer.Load()
	return r != nil && (*r).Connected()
}

func targetLabel(project string) string {
	if project == "" {
		return config.GlobalSentinel
	}
	return project
}

// normalizeTarget maps the global sentinel to "" and validates registry membership.
func (e *Engine) normalizeTarget(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == config.GlobalSentinel {
		return "", nil
	}
	if _, ok := e.Config().Project(name); !ok {
		return "", fmt.Errorf("%q: %w", name, ErrUnknownProject)
	}
	return name, nil
}

func hideCommand(id int64) string {
	return "[con_id=" + strconv.FormatInt(id, 10) + "] move scratchpad"
}

func showCommand(id int64, workspace int, floating bool) string {
	mode := "disable"
	if floating {
		mode = "enable"
	}
	return fmt.Sprintf("[con_id=%d] move container to workspace number %d, floating %s", id, workspace, mode)
}

func showNamedCommand(id int64, workspace string, floating bool) string {
	mode := "disable"
	if floating {
		mode = "enable"
	}
	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(workspace)
	return fmt.Sprintf("[con_id=%d] move container to workspace \"%s\", floating %s", id, quoted, mode)
}

func sortedIDs(ws []state.Window) []state.Window {
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
	return ws
}
