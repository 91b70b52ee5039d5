package metrics

import (
	"sort"
	"sync"
	"time"
)

// Collector aggregates daemon counters for diagnostics.
type Collector struct {
	mu         sync.RWMutex
	started    time.Time
	operations map[string]*OperationMetrics
	events     map[string]uint64
	dropped    map[string]uint64
	now        func() time.Time
}

// OperationMetrics captures counters for one kind of queued operation.
type OperationMetrics struct {
	Name         string        `json:"name"`
	Calls        uint64        `json:"calls"`
	Failures     uint64        `json:"failures"`
	Partial      uint64        `json:"partial"`
	TotalTime    time.Duration `json:"totalTimeNs"`
	MaxTime      time.Duration `json:"maxTimeNs"`
	LastDuration time.Duration `json:"lastDurationNs"`
	LastRun      time.Time     `json:"lastRun,omitempty"`
	LastErrored  time.Time     `json:"lastErrored,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
}

// Outcome classifies a finished operation.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomePartial
	OutcomeFailed
)

// Totals aggregates counters across all operations.
type Totals struct {
	Calls    uint64 `json:"calls"`
	Failures uint64 `json:"failures"`
	Partial  uint64 `json:"partial"`
	Events   uint64 `json:"events"`
	Dropped  uint64 `json:"dropped"`
}

// Snapshot is the serializable view of the counters.
type Snapshot struct {
	Started    time.Time          `json:"started"`
	Totals     Totals             `json:"totals"`
	Operations []OperationMetrics `json:"operations,omitempty"`
	Events     map[string]uint64  `json:"events,omitempty"`
	Dropped    map[string]uint64  `json:"dropped,omitempty"`
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		started:    time.Now(),
		operations: make(map[string]*OperationMetrics),
		events:     make(map[string]uint64),
		dropped:    make(map[string]uint64),
		now:        time.Now,
	}
}

// RecordOperation records one finished operation.
func (c *Collector) RecordOperation(name string, elapsed time.Duration, outcome Outcome, err error) {
	if c == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.operations[name]
	if !ok {
		m = &OperationMetrics{Name: name}
		c.operations[name] = m
	}
	m.Calls++
	m.TotalTime += elapsed
	m.LastDuration = elapsed
	m.LastRun = now
	if elapsed > m.MaxTime {
		m.MaxTime = elapsed
	}
	switch outcome {
	case OutcomePartial:
		m.Partial++
	case OutcomeFailed:
		m.Failures++
	}
	if err != nil {
		m.LastErrored = now
		m.LastError = err.Error()
	}
}

// RecordEvent counts a processed window-manager event.
func (c *Collector) RecordEvent(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.events[kind]++
	c.mu.Unlock()
}

// RecordDrop counts something discarded under pressure (reason names what).
func (c *Collector) RecordDrop(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dropped[reason]++
	c.mu.Unlock()
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Started: c.started}
	if len(c.operations) > 0 {
		snap.Operations = make([]OperationMetrics, 0, len(c.operations))
		for _, m := range c.operations {
			snap.Operations = append(snap.Operations, *m)
			snap.Totals.Calls += m.Calls
			snap.Totals.Failures += m.Failures
			snap.Totals.Partial += m.Partial
		}
		sort.Slice(snap.Operations, func(i, j int) bool { return snap.Operations[i].Name < snap.Operations[j].Name })
	}
	if len(c.events) > 0 {
		snap.Events = make(map[string]uint64, len(c.events))
		for k, v := range c.events {
			snap.Events[k] = v
			snap.Totals.Events += v
		}
	}
	if len(c.dropped) > 0 {
		snap.Dropped = make(map[string]uint64, len(c.dropped))
		for k, v := range c.dropped {
			snap.Dropped[k] = v
			snap.Totals.Dropped += v
		}
	}
	return snap
}
