// Package eventlog keeps a bounded, append-only history of daemon events.
package eventlog

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 500

// Record is one entry in the history. IDs are assigned on append and
// increase monotonically for the lifetime of the Ring.
type Record struct {
	ID        uint64          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Duration  time.Duration   `json:"durationNs,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Ring is a fixed-capacity circular buffer. Appends evict the oldest record
// once full. Only one goroutine appends; readers may run concurrently.
type Ring struct {
	mu     sync.RWMutex
	buf    []Record
	start  int
	size   int
	nextID uint64
	now    func() time.Time
}

// NewRing creates a ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Record, capacity), nextID: 1, now: time.Now}
}

// Capacity returns the maximum number of records retained.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Len returns the number of records currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Append stores rec, assigning its ID and a timestamp when unset, and returns
// the stored copy.
func (r *Ring) Append(rec Record) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = r.nextID
	r.nextID++
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = rec
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
	return rec
}

// LastID returns the ID of the newest record, or 0 when empty.
func (r *Ring) LastID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID - 1
}

// Recent returns up to limit of the newest records, oldest first. An empty
// eventType matches every record; limit <= 0 returns everything retained.
func (r *Ring) Recent(limit int, eventType string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Record, 0, limit)
	for i := r.size - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.buf[(r.start+i)%len(r.buf)]
		if eventType != "" && rec.Type != eventType {
			continue
		}
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Since returns retained records with ID greater than id, oldest first.
func (r *Ring) Since(id uint64) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for i := 0; i < r.size; i++ {
		rec := r.buf[(r.start+i)%len(r.buf)]
		if rec.ID > id {
			out = append(out, rec)
		}
	}
	return out
}

// Counts tallies retained records by type.
func (r *Ring) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for i := 0; i < r.size; i++ {
		counts[r.buf[(r.start+i)%len(r.buf)].Type]++
	}
	return counts
}
