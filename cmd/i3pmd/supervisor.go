package main

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/util"
)

// service adapts a Serve method to suture.Service with a stable name.
type service struct {
	name  string
	serve func(ctx context.Context) error
}

func (s service) Serve(ctx context.Context) error { return s.serve(ctx) }

func (s service) String() string { return s.name }

// fatal marks a service whose failure cannot be recovered by restarting it.
// The event loop owns the store and cannot be restarted once it has exited.
func fatal(logger *util.Logger, name string, serve func(ctx context.Context) error) service {
	return service{name: name, serve: func(ctx context.Context) error {
		err := serve(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		logger.Errorf("%s stopped: %v", name, err)
		return suture.ErrTerminateSupervisorTree
	}}
}

type serveFunc interface {
	Serve(ctx context.Context) error
}

func newSupervisor(logger *util.Logger, eng *engine.Engine, subscriber, server serveFunc) *suture.Supervisor {
	sup := suture.New("i3pmd", suture.Spec{
		EventHook:        supervisorHook(logger),
		FailureThreshold: 5,
		FailureBackoff:   2 * time.Second,
		Timeout:          5 * time.Second,
	})
	sup.Add(fatal(logger, "event-loop", eng.Serve))
	sup.Add(service{name: "command-queue", serve: eng.Queue().Serve})
	sup.Add(service{name: "wm-subscriber", serve: subscriber.Serve})
	sup.Add(service{name: "rpc-server", serve: server.Serve})
	return sup
}

func supervisorHook(logger *util.Logger) suture.EventHook {
	return func(ev suture.Event) {
		switch e := ev.(type) {
		case suture.EventServicePanic:
			logger.Errorf("service %s panicked: %s", e.ServiceName, e.PanicMsg)
		case suture.EventServiceTerminate:
			if errors.Is(asError(e.Err), context.Canceled) {
				return
			}
			logger.Warnf("service %s terminated: %v; restarting=%t", e.ServiceName, e.Err, e.Restarting)
		case suture.EventBackoff:
			logger.Warnf("supervisor %s backing off after repeated failures", e.SupervisorName)
		case suture.EventResume:
			logger.Infof("supervisor %s resumed", e.SupervisorName)
		default:
			logger.Debugf("supervisor: %s", ev)
		}
	}
}

func asError(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}
