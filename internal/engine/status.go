package engine

import (
	"time"

	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/metrics"
)

// Status is the summary returned to clients.
type Status struct {
	Connected         bool              `json:"connected"`
	Reconnects        int64             `json:"reconnects"`
	ActiveProject     string            `json:"activeProject"`
	Windows           int               `json:"windows"`
	HiddenWindows     int               `json:"hiddenWindows"`
	Workspaces        int               `json:"workspaces"`
	ActiveOutputs     []string          `json:"activeOutputs"`
	QueueDepth        int               `json:"queueDepth"`
	QueueRunning      string            `json:"queueRunning,omitempty"`
	QueueProcessed    uint64            `json:"queueProcessed"`
	SwitchState       SwitchState       `json:"switchState"`
	RedistributeState RedistributeState `json:"redistributeState"`
	LastEventID       uint64            `json:"lastEventId"`
	SnapshotVersion   uint64            `json:"snapshotVersion"`
	Uptime            time.Duration     `json:"uptimeNs"`
}

// Diagnostics is the detailed health report.
type Diagnostics struct {
	Status       Status            `json:"status"`
	Metrics      metrics.Snapshot  `json:"metrics"`
	EventCounts  map[string]int    `json:"eventCounts"`
	RingCapacity int               `json:"ringCapacity"`
	RingLength   int               `json:"ringLength"`
	Projects     []string          `json:"projects"`
	Recent       []eventlog.Record `json:"recent"`
}

// Status reports the daemon summary.
func (e *Engine) Status() Status {
	snap := e.Snapshot()
	st := Status{
		ActiveProject:     targetLabel(snap.ActiveProject),
		Windows:           len(snap.Windows),
		HiddenWindows:     len(snap.Hidden()),
		Workspaces:        len(snap.Workspaces),
		ActiveOutputs:     snap.ActiveOutputs(),
		QueueDepth:        e.queue.Depth(),
		QueueRunning:      e.queue.Running(),
		QueueProcessed:    e.queue.Processed(),
		SwitchState:       e.switcher.State(),
		RedistributeState: e.redistributor.State(),
		LastEventID:       e.ring.LastID(),
		SnapshotVersion:   snap.Version,
		Uptime:            time.Since(e.started),
	}
	if r := e.resyncer.Load(); r != nil {
		st.Connected = (*r).Connected()
		st.Reconnects = (*r).Reconnects()
	}
	return st
}

// Diagnostics reports status plus counters and recent history.
func (e *Engine) Diagnostics(recent int) Diagnostics {
	if recent <= 0 {
		recent = 20
	}
	return Diagnostics{
		Status:       e.Status(),
		Metrics:      e.metrics.Snapshot(),
		EventCounts:  e.ring.Counts(),
		RingCapacity: e.ring.Capacity(),
		RingLength:   e.ring.Len(),
		Projects:     e.Config().ProjectNames(),
		Recent:       e.ring.Recent(recent, ""),
	}
}
