package ipc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joshuarubin/go-sway"

	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

// SubscribeFunc opens an event subscription and blocks until it ends.
type SubscribeFunc func(ctx context.Context, handler sway.EventHandler, events ...sway.EventType) error

const (
	// DefaultOutputPoll is how often outputs are polled for topology changes.
	DefaultOutputPoll = 2 * time.Second
	handshakeTimeout  = time.Second
	rawBuffer         = 256
)

type rawEvent struct {
	window    *sway.WindowEvent
	workspace *sway.WorkspaceEvent
	tick      *sway.TickEvent
}

// Subscriber streams decoded events to a channel, reconnecting with
// exponential backoff and resyncing on every (re)connect.
type Subscriber struct {
	query     *Client
	subscribe SubscribeFunc
	out       chan<- Event
	logger    *util.Logger
	poll      time.Duration

	resync      chan struct{}
	connected   atomic.Bool
	reconnects  atomic.Int64
	lastOutputs string
	now         func() time.Time
}

// NewSubscriber returns a subscriber that uses query for enrichment and resync.
func NewSubscriber(query *Client, subscribe SubscribeFunc, out chan<- Event, logger *util.Logger, poll time.Duration) *Subscriber {
	if subscribe == nil {
		subscribe = sway.Subscribe
	}
	if poll <= 0 {
		poll = DefaultOutputPoll
	}
	return &Subscriber{
		query:     query,
		subscribe: subscribe,
		out:       out,
		logger:    logger,
		poll:      poll,
		resync:    make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Connected reports whether an event subscription is currently live.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Reconnects returns how many times the subscription ended and was retried.
func (s *Subscriber) Reconnects() int64 {
	return s.reconnects.Load()
}

// RequestResync schedules a full resync on the live session. Requests coalesce.
func (s *Subscriber) RequestResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// Serve runs until ctx is cancelled.
func (s *Subscriber) Serve(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		synced, err := s.session(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			b.Reset()
		}
		s.reconnects.Add(1)
		wait := b.NextBackOff()
		s.logger.Warnf("window manager subscription ended: %v; reconnecting in %s", err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type forwardingHandler struct {
	sway.EventHandler
	ctx context.Context
	raw chan<- rawEvent
}

func (h *forwardingHandler) push(ev rawEvent) {
	select {
	case h.raw <- ev:
	case <-h.ctx.Done():
	}
}

func (h *forwardingHandler) Window(_ context.Context, e sway.WindowEvent) {
	h.push(rawEvent{window: &e})
}

func (h *forwardingHandler) Workspace(_ context.Context, e sway.WorkspaceEvent) {
	h.push(rawEvent{workspace: &e})
}

func (h *forwardingHandler) Tick(_ context.Context, e sway.TickEvent) {
	h.push(rawEvent{tick: &e})
}

// session runs one subscription. It reports whether the initial resync succeeded.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw := make(chan rawEvent, rawBuffer)
	handler := &forwardingHandler{EventHandler: sway.NoOpEventHandler(), ctx: ctx, raw: raw}
	done := make(chan error, 1)
	go func() {
		done <- s.subscribe(ctx, handler, sway.EventTypeWindow, sway.EventTypeWorkspace, sway.EventTypeTick)
	}()

	// Sway answers a tick subscription with a first tick; resync only once it
	// arrives so nothing between the snapshot and the stream is lost.
	var pending []rawEvent
	handshake := time.NewTimer(handshakeTimeout)
	defer handshake.Stop()
wait:
	for {
		select {
		case err := <-done:
			return false, subscriptionEnded(err)
		case ev := <-raw:
			if ev.tick != nil && ev.tick.First {
				break wait
			}
			pending = append(pending, ev)
		case <-handshake.C:
			s.logger.Debugf("no subscription handshake tick; resyncing anyway")
			break wait
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if err := s.doResync(ctx); err != nil {
		return false, err
	}
	s.connected.Store(true)
	s.logger.Infof("subscribed to window manager events")
	for _, ev := range pending {
		if err := s.handle(ctx, ev); err != nil {
			return true, err
		}
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return true, subscriptionEnded(err)
		case ev := <-raw:
			if err := s.handle(ctx, ev); err != nil {
				return true, err
			}
		case <-ticker.C:
			if err := s.pollOutputs(ctx); err != nil {
				return true, err
			}
		case <-s.resync:
			if err := s.doResync(ctx); err != nil {
				return true, err
			}
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func subscriptionEnded(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return ErrWindowManagerDisconnected
	}
	return fmt.Errorf("subscription: %v: %w", err, ErrWindowManagerDisconnected)
}

func (s *Subscriber) emit(ctx context.Context, ev Event) error {
	if ev.Received.IsZero() {
		ev.Received = s.now()
	}
	select {
	case s.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle decodes and forwards one raw event. Decoding problems are logged
// and dropped; only a failed forward ends the session.
func (s *Subscriber) handle(ctx context.Context, raw rawEvent) error {
	var (
		ev  Event
		err error
	)
	switch {
	case raw.window != nil:
		var tree *sway.Node
		if NeedsTree(string(raw.window.Change)) {
			if tree, err = s.query.Tree(ctx); err != nil {
				s.logger.Warnf("tree lookup for window %d failed: %v", raw.window.Container.ID, err)
				if errors.Is(err, ErrWindowManagerDisconnected) {
					return err
				}
			}
		}
		ev, err = DecodeWindow(*raw.window, tree)
	case raw.workspace != nil:
		switch string(raw.workspace.Change) {
		case "init":
			defer s.checkOutputs(ctx)
		case "empty", "move", "rename", "reload":
			s.RequestResync()
		}
		ev, err = DecodeWorkspace(*raw.workspace)
	case raw.tick != nil:
		var ok bool
		if ev, ok = DecodeTick(*raw.tick); !ok {
			return nil
		}
	default:
		return nil
	}
	switch {
	case errors.Is(err, ErrUnknownChange):
		s.logger.Debugf("dropping event: %v", err)
		return nil
	case err != nil:
		s.logger.Warnf("dropping event: %v", err)
		return nil
	}
	s.logger.Tracef("event.received kind=%s", ev.Kind)
	return s.emit(ctx, ev)
}

func (s *Subscriber) checkOutputs(ctx context.Context) {
	if err := s.pollOutputs(ctx); err != nil {
		s.logger.Warnf("output poll failed: %v", err)
	}
}

// pollOutputs emits output.change when the active output set differs from
// the previous poll. Only a disconnect is returned as an error.
func (s *Subscriber) pollOutputs(ctx context.Context) error {
	outputs, err := s.query.Outputs(ctx)
	if err != nil {
		if errors.Is(err, ErrWindowManagerDisconnected) {
			return err
		}
		s.logger.Debugf("output poll: %v", err)
		return nil
	}
	sig := outputSignature(outputs)
	if sig == s.lastOutputs {
		return nil
	}
	s.lastOutputs = sig
	workspaces, err := s.query.Workspaces(ctx)
	if err != nil {
		s.logger.Debugf("workspace query after output change: %v", err)
	}
	s.logger.Infof("output topology changed: %s", sig)
	return s.emit(ctx, Event{Kind: KindOutputChange, Outputs: outputs, Workspaces: workspaces})
}

func (s *Subscriber) doResync(ctx context.Context) error {
	tree, err := s.query.Tree(ctx)
	if err != nil {
		return fmt.Errorf("resync tree: %w", err)
	}
	workspaces, err := s.query.Workspaces(ctx)
	if err != nil {
		return fmt.Errorf("resync workspaces: %w", err)
	}
	outputs, err := s.query.Outputs(ctx)
	if err != nil {
		return fmt.Errorf("resync outputs: %w", err)
	}
	s.lastOutputs = outputSignature(outputs)
	windows := TreeWindows(tree)
	s.logger.Debugf("resync: %d windows, %d workspaces, %d outputs", len(windows), len(workspaces), len(outputs))
	return s.emit(ctx, Event{Kind: KindResync, Windows: windows, Workspaces: workspaces, Outputs: outputs})
}

func outputSignature(outputs []state.Output) string {
	active := make([]string, 0, len(outputs))
	for _, o := range outputs {
		if o.Active {
			active = append(active, o.Name)
		}
	}
	sort.Strings(active)
	return strings.Join(active, ",")
}
