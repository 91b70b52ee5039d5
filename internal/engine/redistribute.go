package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/metrics"
	"github.com/vpittamp/i3pm/internal/state"
)

// RedistributeState is the redistributor's current phase.
type RedistributeState string

const (
	RedistributeIdle   RedistributeState = "idle"
	RedistributeActive RedistributeState = "redistributing"
)

// WorkspaceMove is one workspace reassignment.
type WorkspaceMove struct {
	Workspace int    `json:"workspace"`
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error,omitempty"`
}

// RedistributeResult summarises a redistribution pass.
type RedistributeResult struct {
	Profile  string          `json:"profile"`
	Fallback bool            `json:"fallback,omitempty"`
	Outputs  []string        `json:"outputs"`
	Moves    []WorkspaceMove `json:"moves,omitempty"`
	Partial  bool            `json:"partial,omitempty"`
	Duration time.Duration   `json:"durationNs"`
}

// Redistributor reassigns workspaces to outputs after a topology change.
// Redistribute runs only on the queue worker.
type Redistributor struct {
	engine *Engine

	mu    sync.Mutex
	state RedistributeState
}

func newRedistributor(e *Engine) *Redistributor {
	return &Redistributor{engine: e, state: RedistributeIdle}
}

// State returns the current phase.
func (r *Redistributor) State() RedistributeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Redistributor) transition(from, to RedistributeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return fmt.Errorf("redistributor %s -> %s from %s: %w", from, to, r.state, ErrIllegalTransition)
	}
	r.state = to
	return nil
}

// plan returns the target output for each workspace number. An unusable
// profile falls back to the primary output for every workspace.
func (r *Redistributor) plan(active []string, existing []state.Workspace) (string, bool, map[int]string) {
	e := r.engine
	cfg := e.Config()
	name, assignments, err := cfg.ResolveProfile(active)
	targets := make(map[int]string)
	if err == nil {
		for output, nums := range assignments {
			for _, n := range nums {
				targets[n] = output
			}
		}
		return name, false, targets
	}
	e.logger.Errorf("%v: %v; moving every workspace to the primary output", ErrInvalidTopologyProfile, err)
	name = "fallback"
	primary := cfg.OrderOutputs(active)[0]
	for _, ws := range existing {
		targets[ws.Num] = primary
	}
	return name, true, targets
}

// Redistribute moves existing workspaces onto the outputs chosen by the
// profile matching the active outputs.
func (r *Redistributor) Redistribute(ctx context.Context) (*RedistributeResult, error) {
	e := r.engine
	if err := r.transition(RedistributeIdle, RedistributeActive); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.transition(RedistributeActive, RedistributeIdle); err != nil {
			e.logger.Errorf("%v", err)
		}
	}()
	start := time.Now()
	res := &RedistributeResult{}

	if err := e.Do(ctx, func(st *state.Store) {
		for _, o := range st.Outputs() {
			if o.Active {
				res.Outputs = append(res.Outputs, o.Name)
			}
		}
	}); err != nil {
		return nil, err
	}
	if len(res.Outputs) == 0 {
		e.logger.Warnf("no active outputs; skipping redistribution")
		return res, nil
	}
	existing, err := e.commander.Workspaces(ctx)
	if err != nil {
		e.metrics.RecordOperation("redistribute", time.Since(start), metrics.OutcomeFailed, err)
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var targets map[int]string
	res.Profile, res.Fallback, targets = r.plan(res.Outputs, existing)

	focused := 0
	for _, ws := range existing {
		if ws.Focused {
			focused = ws.Num
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Num < existing[j].Num })

	var abortErr error
	moved := false
	for _, ws := range existing {
		to, ok := targets[ws.Num]
		if !ok || to == ws.Output {
			continue
		}
		mv := WorkspaceMove{Workspace: ws.Num, From: ws.Output, To: to}
		err := e.commander.DispatchBatch(ctx, []string{
			"workspace number " + strconv.Itoa(ws.Num),
			"move workspace to output " + to,
		})
		if err != nil {
			mv.Error = err.Error()
			res.Partial = true
			if errors.Is(err, ipc.ErrWindowManagerDisconnected) {
				abortErr = err
				res.Moves = append(res.Moves, mv)
				break
			}
		} else {
			moved = true
		}
		res.Moves = append(res.Moves, mv)
	}
	if moved && focused > 0 && abortErr == nil {
		if err := e.commander.Dispatch(ctx, "workspace number "+strconv.Itoa(focused)); err != nil {
			e.logger.Warnf("refocus workspace %d: %v", focused, err)
		}
	}
	res.Duration = time.Since(start)

	byOutput := make(map[string][]int)
	for num, output := range targets {
		byOutput[output] = append(byOutput[output], num)
	}
	for _, mv := range res.Moves {
		if mv.Error != "" {
			// Still on its old output.
			byOutput[mv.To] = removeInt(byOutput[mv.To], mv.Workspace)
		}
	}
	recErr := ""
	if abortErr != nil {
		recErr = abortErr.Error()
	} else if res.Partial {
		recErr = "some workspace moves failed"
	}
	if err := e.Do(context.WithoutCancel(ctx), func(st *state.Store) {
		for _, output := range res.Outputs {
			st.AssignWorkspaces(output, byOutput[output])
		}
		e.record(eventlog.Record{Type: "output.redistribute", Timestamp: start, Duration: res.Duration, Error: recErr}, res)
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
	e.metrics.RecordOperation("redistribute", res.Duration, outcome, abortErr)
	if abortErr != nil {
		return res, fmt.Errorf("redistribute: %w", abortErr)
	}
	e.logger.Infof("redistributed %d workspace(s) across %d output(s) using profile %q", len(res.Moves), len(res.Outputs), res.Profile)
	return res, nil
}

func removeInt(list []int, v int) []int {
	out := list[:0]
	for _, n := range list {
		if n != v {
			out = append(out, n)
		}
	}
	return out
}

// RedistributeState reports the redistributor phase.
func (e *Engine) RedistributeState() RedistributeState {
	return e.redistributor.State()
}

// Redistribute queues a redistribution and waits for its result.
func (e *Engine) Redistribute(ctx context.Context) (*RedistributeResult, error) {
	v, err := e.queue.Submit(ctx, "redistribute", func(ctx context.Context) (any, error) {
		return e.redistributor.Redistribute(ctx)
	})
	res, _ := v.(*RedistributeResult)
	return res, err
}
