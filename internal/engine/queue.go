package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vpittamp/i3pm/internal/metrics"
	"github.com/vpittamp/i3pm/internal/util"
)

// DefaultQueueCapacity bounds the number of pending jobs.
const DefaultQueueCapacity = 64

// JobFunc performs one mutation on the queue worker.
type JobFunc func(ctx context.Context) (any, error)

type jobResult struct {
	value any
	err   error
}

type job struct {
	name     string
	fn       JobFunc
	enqueued time.Time
	done     chan jobResult
}

// Queue is a bounded FIFO consumed by a single worker. It is the only path
// through which window-manager commands are issued.
type Queue struct {
	jobs    chan *job
	logger  *util.Logger
	metrics *metrics.Collector

	running   atomic.Pointer[string]
	processed atomic.Uint64
}

// NewQueue returns a queue holding at most capacity pending jobs.
func NewQueue(capacity int, logger *util.Logger, collector *metrics.Collector) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{jobs: make(chan *job, capacity), logger: logger, metrics: collector}
}

// Submit enqueues fn and waits for its result. If ctx ends first the caller
// gets ctx.Err() but a dequeued job still runs to completion.
func (q *Queue) Submit(ctx context.Context, name string, fn JobFunc) (any, error) {
	j := &job{name: name, fn: fn, enqueued: time.Now(), done: make(chan jobResult, 1)}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return nil, fmt.Errorf("enqueue %s: %w", name, ctx.Err())
	}
	select {
	case res := <-j.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("await %s: %w", name, ctx.Err())
	}
}

// Post enqueues fn without waiting. It never blocks; a full queue drops the job.
func (q *Queue) Post(name string, fn JobFunc) error {
	j := &job{name: name, fn: fn, enqueued: time.Now(), done: make(chan jobResult, 1)}
	select {
	case q.jobs <- j:
		return nil
	default:
		q.metrics.RecordDrop("queue_full")
		q.logger.Warnf("command queue full; dropping %s", name)
		return fmt.Errorf("%s: %w", name, ErrQueueFull)
	}
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Running returns the name of the job in progress, or "".
func (q *Queue) Running() string {
	if name := q.running.Load(); name != nil {
		return *name
	}
	return ""
}

// Processed returns how many jobs have completed.
func (q *Queue) Processed() uint64 {
	return q.processed.Load()
}

// Serve runs the worker until ctx is cancelled.
func (q *Queue) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-q.jobs:
			q.run(ctx, j)
		}
	}
}

func (q *Queue) run(ctx context.Context, j *job) {
	name := j.name
	q.running.Store(&name)
	defer q.running.Store(nil)
	q.logger.Tracef("queue.start job=%s waited=%s", j.name, time.Since(j.enqueued))
	var res jobResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("%s panicked: %v", j.name, r)
			}
		}()
		res.value, res.err = j.fn(ctx)
	}()
	q.processed.Add(1)
	if res.err != nil {
		q.logger.Warnf("job %s failed: %v", j.name, res.err)
	}
	j.done <- res
}
