package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Record{Type: "window.new"})
	}
	require.Equal(t, 3, r.Len())
	recs := r.Recent(0, "")
	require.Len(t, recs, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{recs[0].ID, recs[1].ID, recs[2].ID})
	assert.Equal(t, uint64(5), r.LastID())
}

func TestRingRecentFiltersByTypeAndLimit(t *testing.T) {
	r := NewRing(10)
	r.Append(Record{Type: "window.new"})
	r.Append(Record{Type: "window.focus"})
	r.Append(Record{Type: "window.new"})
	r.Append(Record{Type: "window.close"})
	r.Append(Record{Type: "window.new"})

	recs := r.Recent(2, "window.new")
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].ID)
	assert.Equal(t, uint64(5), recs[1].ID)

	assert.Empty(t, r.Recent(5, "tick"))
	assert.Equal(t, map[string]int{"window.new": 3, "window.focus": 1, "window.close": 1}, r.Counts())
}

func TestRingSinceSkipsDeliveredRecords(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 6; i++ {
		r.Append(Record{Type: "tick"})
	}
	recs := r.Since(4)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(5), recs[0].ID)
	assert.Equal(t, uint64(6), recs[1].ID)
	assert.Len(t, r.Since(0), 4, "evicted records cannot be replayed")
	assert.Empty(t, r.Since(6))
}

func TestRingStampsTimestamp(t *testing.T) {
	r := NewRing(0)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	rec := r.Append(Record{Type: "resync"})
	assert.Equal(t, fixed, rec.Timestamp)
	assert.Equal(t, DefaultCapacity, r.Capacity())
}
