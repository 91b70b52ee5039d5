package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/state"
)

const (
	// SocketFileName is the filename of the daemon socket within the runtime dir.
	SocketFileName = "daemon.sock"

	// Version is the JSON-RPC protocol version spoken on the socket.
	Version = "2.0"

	// DefaultSubscriberBuffer bounds queued outbound messages per connection.
	DefaultSubscriberBuffer = 256
)

// Method names.
const (
	MethodPing             = "ping"
	MethodGetStatus        = "get_status"
	MethodGetActiveProject = "get_active_project"
	MethodGetProjects      = "get_projects"
	MethodGetWindows       = "get_windows"
	MethodGetWorkspaces    = "get_workspaces"
	MethodGetOutputs       = "get_outputs"
	MethodGetEvents        = "get_events"
	MethodGetDiagnostics   = "get_diagnostics"
	MethodListSubscribers  = "list_subscribers"
	MethodSubscribe        = "subscribe"
	MethodSwitchProject    = "switch_project"
	MethodClearProject     = "clear_project"
	MethodLayoutSave       = "layout_save"
	MethodLayoutRestore    = "layout_restore"
	MethodLayoutList       = "layout_list"
	MethodLayoutDelete     = "layout_delete"
	MethodFocusWindow      = "focus_window"
	MethodCloseWindow      = "close_window"
	MethodResync           = "resync"
	MethodRedistribute     = "redistribute"
	MethodReloadConfig     = "reload_config"

	// NotificationEvent carries one history record to a subscriber.
	NotificationEvent = "event"
	// NotificationError is sent once before a connection is dropped.
	NotificationError = "error"
)

// Error codes.
const (
	CodeParseError                = -32700
	CodeInvalidRequest            = -32600
	CodeMethodNotFound            = -32601
	CodeInvalidParams             = -32602
	CodeInternal                  = -32603
	CodeTimeout                   = -32000
	CodeUnknownProject            = -32001
	CodeLayoutNotFound            = -32002
	CodeWindowManagerDisconnected = -32003
	CodeClientBackpressure        = -32004
)

// ErrClientBackpressure is returned to a subscriber that was dropped because
// it could not keep up.
var ErrClientBackpressure = errors.New("client backpressure")

// Request is a JSON-RPC request. A request without an id is a notification
// and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Message is any frame sent by the server: a response or a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is lets callers match remote errors against local sentinels.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeClientBackpressure:
		return target == ErrClientBackpressure
	case CodeUnknownProject:
		return target == engine.ErrUnknownProject
	case CodeLayoutNotFound:
		return target == engine.ErrLayoutNotFound
	}
	return false
}

// SwitchParams names a switch target; "" or "global" selects global mode.
type SwitchParams struct {
	Name string `json:"name"`
}

// LayoutParams addresses one layout.
type LayoutParams struct {
	Project string `json:"project"`
	Name    string `json:"name"`
}

// ProjectFilter optionally narrows results to one project.
type ProjectFilter struct {
	Project *string `json:"project,omitempty"`
}

// EventsParams filters get_events.
type EventsParams struct {
	Limit int    `json:"limit,omitempty"`
	Type  string `json:"type,omitempty"`
}

// WindowParams addresses one window.
type WindowParams struct {
	ID int64 `json:"id"`
}

// SubscribeParams toggles the event feed. Since replays retained records
// with a greater id before live delivery begins.
type SubscribeParams struct {
	Enabled bool    `json:"enabled"`
	Since   *uint64 `json:"since,omitempty"`
}

// SubscribeResult acknowledges a subscribe call.
type SubscribeResult struct {
	Enabled     bool   `json:"enabled"`
	LastEventID uint64 `json:"lastEventId"`
	Replayed    int    `json:"replayed"`
}

// Pong answers ping.
type Pong struct {
	Pong bool      `json:"pong"`
	Time time.Time `json:"time"`
}

// StatusResult is the get_status payload.
type StatusResult struct {
	engine.Status
	Subscribers int `json:"subscribers"`
	Connections int `json:"connections"`
}

// ActiveProject is the get_active_project payload.
type ActiveProject struct {
	Name    string          `json:"name"`
	Global  bool            `json:"global"`
	Project *config.Project `json:"project,omitempty"`
}

// ProjectInfo is one get_projects entry.
type ProjectInfo struct {
	config.Project
	Active  bool `json:"active"`
	Windows int  `json:"windows"`
	Hidden  int  `json:"hidden"`
}

// ProjectsResult is the get_projects payload.
type ProjectsResult struct {
	Active   string        `json:"active"`
	Projects []ProjectInfo `json:"projects"`
}

// WindowsResult is the get_windows payload.
type WindowsResult struct {
	Windows []state.Window `json:"windows"`
}

// SubscriberInfo describes one connection.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid,omitempty"`
	UID         uint32    `json:"uid"`
	ConnectedAt time.Time `json:"connectedAt"`
	Subscribed  bool      `json:"subscribed"`
	Delivered   uint64    `json:"delivered"`
	LastEventID uint64    `json:"lastEventId"`
	Pending     int       `json:"pending"`
}

// DiagnosticsResult is the get_diagnostics payload.
type DiagnosticsResult struct {
	engine.Diagnostics
	Subscribers []SubscriberInfo `json:"subscribers"`
	SocketPath  string           `json:"socketPath"`
}

// DefaultSocketPath returns the expected location of the daemon socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv("I3PM_SOCKET"); env != "" {
		return env, nil
	}
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "i3pm", SocketFileName), nil
}
