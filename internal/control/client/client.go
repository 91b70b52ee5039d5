// Package client talks to the i3pm daemon over its JSON-RPC socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/control"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/state"
)

const (
	// defaultTimeout is used when the caller does not provide a context deadline.
	defaultTimeout = 10 * time.Second
	maxFrameSize   = 8 << 20
)

// Client talks to the running daemon. Each call uses its own connection.
type Client struct {
	socketPath string
	nextID     atomic.Int64
}

type (
	// Status mirrors the get_status payload.
	Status = control.StatusResult
	// ActiveProject mirrors the get_active_project payload.
	ActiveProject = control.ActiveProject
	// Projects mirrors the get_projects payload.
	Projects = control.ProjectsResult
	// Diagnostics mirrors the get_diagnostics payload.
	Diagnostics = control.DiagnosticsResult
	// SubscriberInfo mirrors one list_subscribers entry.
	SubscriberInfo = control.SubscriberInfo
)

// New creates a client for the socket at path, or the default path when empty.
func New(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = control.DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Client{socketPath: path}, nil
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial daemon socket: %w", err)
	}
	return conn, nil
}

func (c *Client) request(method string, params any) ([]byte, json.RawMessage, error) {
	id := json.RawMessage(fmt.Sprintf("%d", c.nextID.Add(1)))
	req := control.Request{JSONRPC: control.Version, ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}
	return append(data, '\n'), id, nil
}

// Call invokes method and decodes the result into out (which may be nil).
// Remote failures are returned as *control.Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	frame, id, err := c.request(method, params)
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	scanner := newScanner(conn)
	for scanner.Scan() {
		var msg control.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if msg.Method != "" || string(msg.ID) != string(id) {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return fmt.Errorf("read response: connection closed")
}

func newScanner(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return scanner
}

// Subscribe streams history records to fn until ctx ends, fn returns an
// error, or the daemon drops the connection. With since set, retained records
// newer than *since are replayed first. A backpressure drop is reported as
// control.ErrClientBackpressure.
func (c *Client) Subscribe(ctx context.Context, since *uint64, fn func(eventlog.Record) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	frame, id, err := c.request(control.MethodSubscribe, control.SubscribeParams{Enabled: true, Since: since})
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	scanner := newScanner(conn)
	for scanner.Scan() {
		var msg control.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		switch {
		case msg.Method == control.NotificationEvent:
			var rec eventlog.Record
			if err := json.Unmarshal(msg.Params, &rec); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		case msg.Method == control.NotificationError:
			var rpcErr control.Error
			if err := json.Unmarshal(msg.Params, &rpcErr); err != nil {
				return fmt.Errorf("decode error notification: %w", err)
			}
			return &rpcErr
		case string(msg.ID) == string(id) && msg.Error != nil:
			return msg.Error
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("read events: %w", err)
	}
	return errors.New("daemon closed the connection")
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) (control.Pong, error) {
	var out control.Pong
	err := c.Call(ctx, control.MethodPing, nil, &out)
	return out, err
}

// Status returns the daemon summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.Call(ctx, control.MethodGetStatus, nil, &out)
	return out, err
}

// ActiveProject returns the active project.
func (c *Client) ActiveProject(ctx context.Context) (ActiveProject, error) {
	var out ActiveProject
	err := c.Call(ctx, control.MethodGetActiveProject, nil, &out)
	return out, err
}

// Projects lists the registry with window counts.
func (c *Client) Projects(ctx context.Context) (Projects, error) {
	var out Projects
	err := c.Call(ctx, control.MethodGetProjects, nil, &out)
	return out, err
}

// Windows lists tracked windows; a non-nil project filters them.
func (c *Client) Windows(ctx context.Context, project *string) ([]state.Window, error) {
	var out control.WindowsResult
	err := c.Call(ctx, control.MethodGetWindows, control.ProjectFilter{Project: project}, &out)
	return out.Windows, err
}

// Workspaces lists workspaces.
func (c *Client) Workspaces(ctx context.Context) ([]state.Workspace, error) {
	var out []state.Workspace
	err := c.Call(ctx, control.MethodGetWorkspaces, nil, &out)
	return out, err
}

// Outputs lists outputs.
func (c *Client) Outputs(ctx context.Context) ([]state.Output, error) {
	var out []state.Output
	err := c.Call(ctx, control.MethodGetOutputs, nil, &out)
	return out, err
}

// Events returns recent history records, oldest first.
func (c *Client) Events(ctx context.Context, limit int, eventType string) ([]eventlog.Record, error) {
	var out []eventlog.Record
	err := c.Call(ctx, control.MethodGetEvents, control.EventsParams{Limit: limit, Type: eventType}, &out)
	return out, err
}

// Diagnostics returns the health report.
func (c *Client) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var out Diagnostics
	err := c.Call(ctx, control.MethodGetDiagnostics, nil, &out)
	return out, err
}

// Subscribers lists open connections.
func (c *Client) Subscribers(ctx context.Context) ([]SubscriberInfo, error) {
	var out []SubscriberInfo
	err := c.Call(ctx, control.MethodListSubscribers, nil, &out)
	return out, err
}

// SwitchProject switches to name ("global" for global mode).
func (c *Client) SwitchProject(ctx context.Context, name string) (engine.SwitchResult, error) {
	var out engine.SwitchResult
	err := c.Call(ctx, control.MethodSwitchProject, control.SwitchParams{Name: name}, &out)
	return out, err
}

// ClearProject switches to global mode.
func (c *Client) ClearProject(ctx context.Context) (engine.SwitchResult, error) {
	var out engine.SwitchResult
	err := c.Call(ctx, control.MethodClearProject, nil, &out)
	return out, err
}

// SaveLayout captures a project's layout.
func (c *Client) SaveLayout(ctx context.Context, project, name string) (layouts.Layout, error) {
	var out layouts.Layout
	err := c.Call(ctx, control.MethodLayoutSave, control.LayoutParams{Project: project, Name: name}, &out)
	return out, err
}

// RestoreLayout applies a saved layout.
func (c *Client) RestoreLayout(ctx context.Context, project, name string) (engine.RestoreResult, error) {
	var out engine.RestoreResult
	err := c.Call(ctx, control.MethodLayoutRestore, control.LayoutParams{Project: project, Name: name}, &out)
	return out, err
}

// ListLayouts lists saved layouts; a non-nil project filters them.
func (c *Client) ListLayouts(ctx context.Context, project *string) ([]layouts.Layout, error) {
	var out []layouts.Layout
	err := c.Call(ctx, control.MethodLayoutList, control.ProjectFilter{Project: project}, &out)
	return out, err
}

// DeleteLayout removes a saved layout.
func (c *Client) DeleteLayout(ctx context.Context, project, name string) error {
	return c.Call(ctx, control.MethodLayoutDelete, control.LayoutParams{Project: project, Name: name}, nil)
}

// FocusWindow focuses a window.
func (c *Client) FocusWindow(ctx context.Context, id int64) error {
	return c.Call(ctx, control.MethodFocusWindow, control.WindowParams{ID: id}, nil)
}

// CloseWindow closes a window.
func (c *Client) CloseWindow(ctx context.Context, id int64) error {
	return c.Call(ctx, control.MethodCloseWindow, control.WindowParams{ID: id}, nil)
}

// Resync asks the daemon to rebuild its state from the window manager.
func (c *Client) Resync(ctx context.Context) error {
	return c.Call(ctx, control.MethodResync, nil, nil)
}

// Redistribute reapplies the output profile.
func (c *Client) Redistribute(ctx context.Context) (engine.RedistributeResult, error) {
	var out engine.RedistributeResult
	err := c.Call(ctx, control.MethodRedistribute, nil, &out)
	return out, err
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload(ctx context.Context) (config.Change, error) {
	var out config.Change
	err := c.Call(ctx, control.MethodReloadConfig, nil, &out)
	return out, err
}
