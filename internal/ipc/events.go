package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/joshuarubin/go-sway"

	"github.com/vpittamp/i3pm/internal/state"
)

// EventKind is the closed set of events the daemon consumes.
type EventKind string

const (
	KindWindowNew      EventKind = "window.new"
	KindWindowClose    EventKind = "window.close"
	KindWindowFocus    EventKind = "window.focus"
	KindWindowMove     EventKind = "window.move"
	KindWindowFloating EventKind = "window.floating"
	KindWorkspaceFocus EventKind = "workspace.focus"
	KindWorkspaceInit  EventKind = "workspace.init"
	KindOutputChange   EventKind = "output.change"
	KindTick           EventKind = "tick"
	KindResync         EventKind = "resync"
)

var (
	// ErrUnknownChange marks change types the daemon does not track.
	ErrUnknownChange = errors.New("unknown event change")
	// ErrMalformedEvent marks events missing required fields.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is a decoded window-manager event.
type Event struct {
	Kind     EventKind
	Received time.Time

	// Window is set for window.* kinds.
	Window state.Window
	// Workspace is set for workspace.* kinds.
	Workspace state.Workspace
	// Windows, Workspaces and Outputs carry full reports (resync, output.change).
	Windows    []state.Window
	Workspaces []state.Workspace
	Outputs    []state.Output
	// Payload is the tick payload.
	Payload string
}

var windowKinds = map[string]EventKind{
	"new":      KindWindowNew,
	"close":    KindWindowClose,
	"focus":    KindWindowFocus,
	"move":     KindWindowMove,
	"floating": KindWindowFloating,
}

// DecodeWindow converts a window event. tree, when non-nil, supplies the
// container's workspace, which the event itself does not carry.
func DecodeWindow(e sway.WindowEvent, tree *sway.Node) (Event, error) {
	kind, ok := windowKinds[string(e.Change)]
	if !ok {
		return Event{}, fmt.Errorf("window %q: %w", e.Change, ErrUnknownChange)
	}
	if e.Container.ID == 0 {
		return Event{}, fmt.Errorf("window %q without container id: %w", e.Change, ErrMalformedEvent)
	}
	at := Placement{}
	if tree != nil {
		if found, ok := Locate(tree, e.Container.ID); ok {
			at = found
		}
	}
	w := windowFromNode(&e.Container, at)
	if kind == KindWindowFocus {
		w.Focused = true
	}
	return Event{Kind: kind, Window: w}, nil
}

// NeedsTree reports whether decoding a window change requires a tree lookup.
func NeedsTree(change string) bool {
	switch change {
	case "new", "move":
		return true
	}
	return false
}

// DecodeWorkspace converts init and focus workspace events.
func DecodeWorkspace(e sway.WorkspaceEvent) (Event, error) {
	var kind EventKind
	switch string(e.Change) {
	case "init":
		kind = KindWorkspaceInit
	case "focus":
		kind = KindWorkspaceFocus
	default:
		return Event{}, fmt.Errorf("workspace %q: %w", e.Change, ErrUnknownChange)
	}
	if e.Current == nil {
		return Event{}, fmt.Errorf("workspace %q without current node: %w", e.Change, ErrMalformedEvent)
	}
	if e.Current.Name == ScratchpadWorkspace {
		return Event{}, fmt.Errorf("scratchpad workspace: %w", ErrUnknownChange)
	}
	num := WorkspaceNumber(e.Current.Name)
	if num <= 0 {
		return Event{}, fmt.Errorf("workspace %q has no number: %w", e.Current.Name, ErrMalformedEvent)
	}
	return Event{Kind: kind, Workspace: state.Workspace{
		Num:     num,
		Name:    e.Current.Name,
		Focused: kind == KindWorkspaceFocus,
		Visible: kind == KindWorkspaceFocus,
	}}, nil
}

// DecodeTick converts a tick event. The subscription handshake tick is not forwarded.
func DecodeTick(e sway.TickEvent) (Event, bool) {
	if e.First {
		return Event{}, false
	}
	return Event{Kind: KindTick, Payload: e.Payload}, true
}
