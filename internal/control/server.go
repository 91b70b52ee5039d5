package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

const (
	maxRequestSize     = 1 << 20
	writeTimeout       = 5 * time.Second
	defaultCallTimeout = 15 * time.Second
)

// Backend is the daemon surface the server exposes. *engine.Engine
// implements it.
type Backend interface {
	Snapshot() *state.Snapshot
	Config() *config.Config
	Status() engine.Status
	Diagnostics(recent int) engine.Diagnostics
	Events(limit int, eventType string) []eventlog.Record
	EventsSince(id uint64) []eventlog.Record
	LastEventID() uint64
	SwitchProject(ctx context.Context, name string) (*engine.SwitchResult, error)
	ClearProject(ctx context.Context) (*engine.SwitchResult, error)
	SaveLayout(ctx context.Context, project, name string) (layouts.Layout, error)
	RestoreLayout(ctx context.Context, project, name string) (*engine.RestoreResult, error)
	ListLayouts(ctx context.Context, project string) ([]layouts.Layout, error)
	DeleteLayout(ctx context.Context, project, name string) error
	FocusWindow(ctx context.Context, id int64) error
	CloseWindow(ctx context.Context, id int64) error
	RequestResync() error
	Redistribute(ctx context.Context) (*engine.RedistributeResult, error)
}

// ReloadFunc reloads the daemon configuration.
type ReloadFunc func(reason string) (config.Change, error)

// Options tunes a Server.
type Options struct {
	SocketPath       string
	SubscriberBuffer int
	CallTimeout      time.Duration
	Reload           ReloadFunc
}

type handlerFunc func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

// Server hosts the daemon socket and fans out history records to subscribers.
type Server struct {
	backend     Backend
	logger      *util.Logger
	reload      ReloadFunc
	socketPath  string
	buffer      int
	callTimeout time.Duration
	handlers    map[string]handlerFunc

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*conn
}

// NewServer creates a server. The socket is bound by Listen or Serve.
func NewServer(backend Backend, logger *util.Logger, opts Options) (*Server, error) {
	path := opts.SocketPath
	if path == "" {
		var err error
		if path, err = DefaultSocketPath(); err != nil {
			return nil, err
		}
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	s := &Server{
		backend:     backend,
		logger:      logger,
		reload:      opts.Reload,
		socketPath:  path,
		buffer:      opts.SubscriberBuffer,
		callTimeout: opts.CallTimeout,
		conns:       make(map[string]*conn),
	}
	s.handlers = s.routes()
	return s, nil
}

// SocketPath returns the socket location.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the socket. The directory is created 0700 and the socket 0600.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("chmod socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Infof("rpc server listening on %s", s.socketPath)
	defer s.cleanup()

	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		nc, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.logger.Errorf("rpc accept error: %v", err)
			continue
		}
		go s.serveConn(ctx, nc)
	}
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove socket: %v", err)
	}
}

// Publish fans rec out to subscribed connections without blocking.
func (s *Server) Publish(rec eventlog.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.deliver(rec)
	}
}

// Subscribers describes every open connection.
func (s *Server) Subscribers() []SubscriberInfo {
	s.mu.RLock()
	out := make([]SubscriberInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// serveConn runs one connection: this goroutine reads requests while a
// second goroutine writes responses and notifications.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.buffer)
	if cred, err := peerCredentials(nc); err == nil {
		c.peer = cred
	} else {
		s.logger.Debugf("peer credentials unavailable: %v", err)
	}
	s.register(c)
	s.logger.Debugf("rpc client %s connected (pid %d)", c.id, c.peer.PID)
	defer func() {
		s.unregister(c)
		c.close()
		s.logger.Debugf("rpc client %s disconnected", c.id)
	}()
	go c.writeLoop(s.logger)

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, ok := s.handleLine(ctx, c, line)
		if !ok {
			continue
		}
		if !c.send(resp) {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debugf("rpc client %s read: %v", c.id, err)
	}
}

// handleLine decodes and dispatches one request. It reports false when no
// response is due.
func (s *Server) handleLine(ctx context.Context, c *conn, line []byte) (Message, bool) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorMessage(nil, &Error{Code: CodeParseError, Message: err.Error()}), true
	}
	if req.JSONRPC != Version || req.Method == "" {
		return errorMessage(req.ID, &Error{Code: CodeInvalidRequest, Message: "jsonrpc must be \"2.0\" and method is required"}), true
	}
	start := time.Now()
	result, err := s.dispatch(ctx, c, req)
	s.logger.Tracef("rpc.call method=%s duration=%s err=%v", req.Method, time.Since(start), err)
	if len(req.ID) == 0 {
		return Message{}, false
	}
	if err != nil {
		return errorMessage(req.ID, errorFor(err)), true
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errorMessage(req.ID, &Error{Code: CodeInternal, Message: err.Error()}), true
	}
	return Message{JSONRPC: Version, ID: req.ID, Result: data}, true
}

func (s *Server) dispatch(ctx context.Context, c *conn, req Request) (any, error) {
	h, ok := s.handlers[req.Method]
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return h(ctx, c, req.Params)
}

func errorMessage(id json.RawMessage, e *Error) Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Message{JSONRPC: Version, ID: id, Error: e}
}
