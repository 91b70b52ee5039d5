package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vpittamp/i3pm/internal/metrics"
)

func TestQueueRunsJobsInOrder(t *testing.T) {
	q := NewQueue(8, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Serve(ctx) }()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if _, err := q.Submit(ctx, "step", func(context.Context) (any, error) {
			order = append(order, i)
			return nil, nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if q.Processed() != 5 {
		t.Fatalf("processed = %d, want 5", q.Processed())
	}
}

func TestQueuePostDropsWhenFull(t *testing.T) {
	collector := metrics.NewCollector()
	q := NewQueue(1, testLogger(), collector)
	noop := func(context.Context) (any, error) { return nil, nil }
	if err := q.Post("first", noop); err != nil {
		t.Fatalf("first post: %v", err)
	}
	if err := q.Post("second", noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := collector.Snapshot().Dropped["queue_full"]; got != 1 {
		t.Fatalf("dropped counter = %d, want 1", got)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}
}

func TestQueueSubmitHonoursCallerCancellation(t *testing.T) {
	q := NewQueue(1, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Serve(ctx) }()

	release := make(chan struct{})
	finished := make(chan struct{})
	callCtx, callCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer callCancel()
	_, err := q.Submit(callCtx, "slow", func(context.Context) (any, error) {
		<-release
		close(finished)
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("abandoned job did not complete")
	}
}

func TestQueueRecoversPanics(t *testing.T) {
	q := NewQueue(1, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Serve(ctx) }()
	_, err := q.Submit(ctx, "explode", func(context.Context) (any, error) { panic("bad") })
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	v, err := q.Submit(ctx, "after", func(context.Context) (any, error) { return 7, errBoom })
	if v != 7 || !errors.Is(err, errBoom) {
		t.Fatalf("queue unusable after panic: %v %v", v, err)
	}
}
