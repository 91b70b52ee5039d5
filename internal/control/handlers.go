package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/state"
)

var errInvalidParams = errors.New("invalid params")

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodPing:             s.handlePing,
		MethodGetStatus:        s.handleStatus,
		MethodGetActiveProject: s.handleActiveProject,
		MethodGetProjects:      s.handleProjects,
		MethodGetWindows:       s.handleWindows,
		MethodGetWorkspaces:    s.handleWorkspaces,
		MethodGetOutputs:       s.handleOutputs,
		MethodGetEvents:        s.handleEvents,
		MethodGetDiagnostics:   s.handleDiagnostics,
		MethodListSubscribers:  s.handleListSubscribers,
		MethodSubscribe:        s.handleSubscribe,
		MethodSwitchProject:    s.handleSwitch,
		MethodClearProject:     s.handleClear,
		MethodLayoutSave:       s.handleLayoutSave,
		MethodLayoutRestore:    s.handleLayoutRestore,
		MethodLayoutList:       s.handleLayoutList,
		MethodLayoutDelete:     s.handleLayoutDelete,
		MethodFocusWindow:      s.handleFocusWindow,
		MethodCloseWindow:      s.handleCloseWindow,
		MethodResync:           s.handleResync,
		MethodRedistribute:     s.handleRedistribute,
		MethodReloadConfig:     s.handleReload,
	}
}

// decodeParams unmarshals params into v. Missing params leave v untouched.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func (s *Server) handlePing(context.Context, *conn, json.RawMessage) (any, error) {
	return Pong{Pong: true, Time: time.Now()}, nil
}

func (s *Server) handleStatus(context.Context, *conn, json.RawMessage) (any, error) {
	res := StatusResult{Status: s.backend.Status()}
	for _, sub := range s.Subscribers() {
		res.Connections++
		if sub.Subscribed {
			res.Subscribers++
		}
	}
	return res, nil
}

func (s *Server) handleActiveProject(context.Context, *conn, json.RawMessage) (any, error) {
	active := s.backend.Snapshot().ActiveProject
	if active == "" {
		return ActiveProject{Name: config.GlobalSentinel, Global: true}, nil
	}
	res := ActiveProject{Name: active}
	if p, ok := s.backend.Config().Project(active); ok {
		res.Project = &p
	}
	return res, nil
}

func (s *Server) handleProjects(context.Context, *conn, json.RawMessage) (any, error) {
	snap := s.backend.Snapshot()
	res := ProjectsResult{Active: snap.ActiveProject, Projects: []ProjectInfo{}}
	if res.Active == "" {
		res.Active = config.GlobalSentinel
	}
	for _, p := range s.backend.Config().Projects {
		info := ProjectInfo{Project: p, Active: p.Name == snap.ActiveProject}
		for _, w := range snap.WindowsFor(p.Name) {
			info.Windows++
			if w.Hidden {
				info.Hidden++
			}
		}
		res.Projects = append(res.Projects, info)
	}
	return res, nil
}

func (s *Server) handleWindows(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p ProjectFilter
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	snap := s.backend.Snapshot()
	res := WindowsResult{Windows: snap.Windows}
	if p.Project != nil {
		name := *p.Project
		if name == config.GlobalSentinel {
			name = ""
		}
		res.Windows = snap.WindowsFor(name)
	}
	if res.Windows == nil {
		res.Windows = []state.Window{}
	}
	return res, nil
}

func (s *Server) handleWorkspaces(context.Context, *conn, json.RawMessage) (any, error) {
	return s.backend.Snapshot().Workspaces, nil
}

func (s *Server) handleOutputs(context.Context, *conn, json.RawMessage) (any, error) {
	return s.backend.Snapshot().Outputs, nil
}

func (s *Server) handleEvents(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p EventsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", errInvalidParams)
	}
	return s.backend.Events(p.Limit, p.Type), nil
}

func (s *Server) handleDiagnostics(context.Context, *conn, json.RawMessage) (any, error) {
	return DiagnosticsResult{
		Diagnostics: s.backend.Diagnostics(20),
		Subscribers: s.Subscribers(),
		SocketPath:  s.socketPath,
	}, nil
}

func (s *Server) handleListSubscribers(context.Context, *conn, json.RawMessage) (any, error) {
	return s.Subscribers(), nil
}

func (s *Server) handleSubscribe(_ context.Context, c *conn, params json.RawMessage) (any, error) {
	p := SubscribeParams{Enabled: true}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	res := c.subscribe(p.Enabled, p.Since, s.backend.LastEventID(), s.backend.EventsSince)
	s.logger.Debugf("rpc client %s subscribed=%t replayed=%d", c.id, res.Enabled, res.Replayed)
	return res, nil
}

func (s *Server) handleSwitch(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p SwitchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", errInvalidParams)
	}
	return s.backend.SwitchProject(ctx, p.Name)
}

func (s *Server) handleClear(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return s.backend.ClearProject(ctx)
}

func layoutParams(params json.RawMessage, needName bool) (LayoutParams, error) {
	var p LayoutParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	if p.Project == "" || (needName && p.Name == "") {
		return p, fmt.Errorf("%w: project and name are required", errInvalidParams)
	}
	return p, nil
}

func (s *Server) handleLayoutSave(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	p, err := layoutParams(params, true)
	if err != nil {
		return nil, err
	}
	return s.backend.SaveLayout(ctx, p.Project, p.Name)
}

func (s *Server) handleLayoutRestore(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	p, err := layoutParams(params, true)
	if err != nil {
		return nil, err
	}
	return s.backend.RestoreLayout(ctx, p.Project, p.Name)
}

func (s *Server) handleLayoutList(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p ProjectFilter
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	project := ""
	if p.Project != nil {
		project = *p.Project
	}
	list, err := s.backend.ListLayouts(ctx, project)
	if list == nil {
		list = []layouts.Layout{}
	}
	return list, err
}

func (s *Server) handleLayoutDelete(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	p, err := layoutParams(params, true)
	if err != nil {
		return nil, err
	}
	if err := s.backend.DeleteLayout(ctx, p.Project, p.Name); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func windowID(params json.RawMessage) (int64, error) {
	var p WindowParams
	if err := decodeParams(params, &p); err != nil {
		return 0, err
	}
	if p.ID <= 0 {
		return 0, fmt.Errorf("%w: id is required", errInvalidParams)
	}
	return p.ID, nil
}

func (s *Server) handleFocusWindow(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	id, err := windowID(params)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"focused": id}, s.backend.FocusWindow(ctx, id)
}

func (s *Server) handleCloseWindow(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	id, err := windowID(params)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"closed": id}, s.backend.CloseWindow(ctx, id)
}

func (s *Server) handleResync(context.Context, *conn, json.RawMessage) (any, error) {
	if err := s.backend.RequestResync(); err != nil {
		return nil, err
	}
	return map[string]bool{"requested": true}, nil
}

func (s *Server) handleRedistribute(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return s.backend.Redistribute(ctx)
}

func (s *Server) handleReload(context.Context, *conn, json.RawMessage) (any, error) {
	if s.reload == nil {
		return nil, errors.New("reload not supported")
	}
	change, err := s.reload("rpc request")
	if err != nil {
		return nil, err
	}
	return change, nil
}

// errorFor maps a handler error onto a JSON-RPC error object.
func errorFor(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := CodeInternal
	switch {
	case errors.Is(err, errInvalidParams), errors.Is(err, engine.ErrWindowNotFound):
		code = CodeInvalidParams
	case errors.Is(err, engine.ErrUnknownProject):
		code = CodeUnknownProject
	case errors.Is(err, layouts.ErrNotFound):
		code = CodeLayoutNotFound
	case errors.Is(err, ipc.ErrWindowManagerDisconnected):
		code = CodeWindowManagerDisconnected
	case errors.Is(err, ipc.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}
	return &Error{Code: code, Message: err.Error()}
}
