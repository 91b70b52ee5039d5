// Package ipc talks to the Sway window manager.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joshuarubin/go-sway"

	"github.com/vpittamp/i3pm/internal/state"
)

var (
	// ErrWindowManagerDisconnected means the IPC socket is unreachable.
	ErrWindowManagerDisconnected = errors.New("window manager disconnected")
	// ErrCommandTimeout means the window manager did not acknowledge in time.
	ErrCommandTimeout = errors.New("window manager command timed out")
	// ErrCommandFailed means the window manager rejected a command.
	ErrCommandFailed = errors.New("window manager command failed")
)

// DefaultCommandTimeout bounds a single command round trip.
const DefaultCommandTimeout = 500 * time.Millisecond

// SocketPath returns the Sway IPC socket from SWAYSOCK (or I3SOCK).
func SocketPath() (string, error) {
	if p := os.Getenv("SWAYSOCK"); p != "" {
		return p, nil
	}
	if p := os.Getenv("I3SOCK"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("SWAYSOCK not set: %w", ErrWindowManagerDisconnected)
}

// DialFunc opens a fresh IPC connection that stays open until ctx is done.
type DialFunc func(ctx context.Context) (sway.Client, error)

// SocketDialer returns a DialFunc connecting to path.
func SocketDialer(path string) DialFunc {
	return func(ctx context.Context) (sway.Client, error) {
		return sway.New(ctx, sway.WithSocketPath(path))
	}
}

// Client wraps a Sway IPC connection with per-call timeouts, lazy redial and
// error classification. Calls are serialised.
type Client struct {
	dial    DialFunc
	timeout time.Duration
	sem     chan struct{}

	mu        sync.Mutex
	conn      sway.Client
	closeConn context.CancelFunc
}

// NewClient returns a client that dials lazily on first use.
func NewClient(dial DialFunc, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Client{dial: dial, timeout: timeout, sem: make(chan struct{}, 1)}
}

// ConnectPair dials two independent connections: commands is reserved for the
// command queue worker, queries serves the event subscriber's tree and output
// lookups. A slow query never delays or drops a command connection.
func ConnectPair(ctx context.Context, dial DialFunc, timeout time.Duration) (commands, queries *Client, err error) {
	commands = NewClient(dial, timeout)
	if err := commands.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("command connection: %w", err)
	}
	queries = NewClient(dial, timeout)
	if err := queries.Connect(ctx); err != nil {
		commands.Close()
		return nil, nil, fmt.Errorf("query connection: %w", err)
	}
	return commands, queries, nil
}

// Connect dials eagerly so startup can fail fast.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

// Close shuts the current connection. A later call redials.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closeConn != nil {
		c.closeConn()
	}
	c.conn, c.closeConn = nil, nil
}

// connection returns the live connection, dialing if needed. The connection
// outlives ctx; it is closed by drop or Close.
func (c *Client) connection(ctx context.Context) (sway.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial window manager: %w", ErrCommandTimeout)
	}
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, err := c.dial(connCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial window manager: %v: %w", err, ErrWindowManagerDisconnected)
	}
	c.conn, c.closeConn = conn, cancel
	return conn, nil
}

func (c *Client) drop(conn sway.Client) {
	c.mu.Lock()
	if c.conn == conn {
		c.closeLocked()
	}
	c.mu.Unlock()
}

// call runs fn against the connection under the client timeout. A call that
// outlives its timeout keeps the connection busy until it returns.
func (c *Client) call(ctx context.Context, what string, fn func(context.Context, sway.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", what, ErrCommandTimeout)
	}
	conn, err := c.connection(ctx)
	if err != nil {
		<-c.sem
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer func() { <-c.sem }()
		done <- fn(ctx, conn)
	}()
	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// The reply may still arrive and would desynchronise the stream.
			c.drop(conn)
			return fmt.Errorf("%s: %w", what, ErrCommandTimeout)
		}
		if isDisconnect(err) {
			c.drop(conn)
			return fmt.Errorf("%s: %v: %w", what, err, ErrWindowManagerDisconnected)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", what, ErrCommandTimeout)
		}
		return fmt.Errorf("%s: %w", what, err)
	case <-ctx.Done():
		c.drop(conn)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", what, ErrCommandTimeout)
		}
		return fmt.Errorf("%s: %w", what, ctx.Err())
	}
}

// Dispatch runs a single command and waits for its acknowledgement.
func (c *Client) Dispatch(ctx context.Context, command string) error {
	return c.DispatchBatch(ctx, []string{command})
}

// DispatchBatch sends commands in one round trip, separated by ';'. The first
// rejected command is reported.
func (c *Client) DispatchBatch(ctx context.Context, commands []string) error {
	lines := make([]string, 0, len(commands))
	for _, cmd := range commands {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			lines = append(lines, cmd)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	payload := strings.Join(lines, "; ")
	return c.call(ctx, payload, func(ctx context.Context, conn sway.Client) error {
		replies, err := conn.RunCommand(ctx, payload)
		for i, reply := range replies {
			if !reply.Success {
				cmd := payload
				if i < len(lines) {
					cmd = lines[i]
				}
				return fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd, reply.Error)
			}
		}
		return err
	})
}

// Tree returns the full layout tree.
func (c *Client) Tree(ctx context.Context) (*sway.Node, error) {
	var tree *sway.Node
	err := c.call(ctx, "get_tree", func(ctx context.Context, conn sway.Client) error {
		var err error
		tree, err = conn.GetTree(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Workspaces returns every workspace with a usable number.
func (c *Client) Workspaces(ctx context.Context) ([]state.Workspace, error) {
	var out []state.Workspace
	err := c.call(ctx, "get_workspaces", func(ctx context.Context, conn sway.Client) error {
		list, err := conn.GetWorkspaces(ctx)
		if err != nil {
			return err
		}
		for _, ws := range list {
			num := int(ws.Num)
			if num <= 0 {
				num = WorkspaceNumber(ws.Name)
			}
			if num <= 0 {
				continue
			}
			out = append(out, state.Workspace{Num: num, Name: ws.Name, Output: ws.Output, Focused: ws.Focused, Visible: ws.Visible})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Outputs returns every output known to the window manager.
func (c *Client) Outputs(ctx context.Context) ([]state.Output, error) {
	var out []state.Output
	err := c.call(ctx, "get_outputs", func(ctx context.Context, conn sway.Client) error {
		list, err := conn.GetOutputs(ctx)
		if err != nil {
			return err
		}
		for _, o := range list {
			out = append(out, state.Output{Name: o.Name, Active: o.Active})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SendTick broadcasts a tick event carrying payload.
func (c *Client) SendTick(ctx context.Context, payload string) error {
	return c.call(ctx, "send_tick", func(ctx context.Context, conn sway.Client) error {
		_, err := conn.SendTick(ctx, payload)
		return err
	})
}

func isDisconnect(err error) bool {
	if errors.Is(err, ErrWindowManagerDisconnected) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
