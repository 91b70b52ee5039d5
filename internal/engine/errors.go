package engine

import (
	"errors"
	"fmt"

	"github.com/vpittamp/i3pm/internal/layouts"
)

var (
	// ErrUnknownProject is returned for switch or layout targets missing from the registry.
	ErrUnknownProject = errors.New("unknown project")
	// ErrInvalidTopologyProfile means no usable profile matched the active outputs.
	ErrInvalidTopologyProfile = errors.New("invalid topology profile")
	// ErrLayoutNotFound wraps layouts.ErrNotFound for callers that only import engine.
	ErrLayoutNotFound = fmt.Errorf("engine: %w", layouts.ErrNotFound)
	// ErrWindowNotFound is returned when an operation names an untracked window.
	ErrWindowNotFound = errors.New("window not found")
	// ErrQueueFull is returned when a fire-and-forget job cannot be queued.
	ErrQueueFull = errors.New("command queue full")
	// ErrIllegalTransition guards the engine state machines.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrLoopStopped is returned by Do once the event loop has exited.
	ErrLoopStopped = errors.New("event loop stopped")
)
