package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndListSessions(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := &SessionRecord{
		ID:        uuid.NewString(),
		Target:    "/usr/bin/true",
		Args:      []string{"-x", "y"},
		PID:       1234,
		StartTime: start,
		StopTime:  start.Add(time.Second),
		State:     "Success",
		Committed: 10,
	}
	detections := []DetectionRecord{
		{EventID: 7, PID: 1234, Category: "Dns", Operation: "Query", Timestamp: 99, Reason: "dga-domain x"},
		{EventID: 3, PID: 1234, Category: "Image", Operation: "Load", Timestamp: 50, Reason: "image from scratch directory"},
	}
	first.Detections = len(detections)
	require.NoError(t, db.InsertSession(first, detections))

	second := &SessionRecord{
		ID:           uuid.NewString(),
		Target:       "nonexistent-path",
		StartTime:    start.Add(time.Hour),
		StopTime:     start.Add(time.Hour),
		State:        "Failed",
		Reason:       "launch failed",
		DegradedStop: true,
		Dropped:      4,
	}
	require.NoError(t, db.InsertSession(second, nil))

	sessions, err := db.ListSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID, "newest first")
	assert.Equal(t, "launch failed", sessions[0].Reason)
	assert.True(t, sessions[0].DegradedStop)
	assert.Equal(t, uint64(4), sessions[0].Dropped)

	got := sessions[1]
	assert.Equal(t, first.Args, got.Args)
	assert.Equal(t, uint32(1234), got.PID)
	assert.Equal(t, 2, got.Detections)
	assert.True(t, first.StartTime.Equal(got.StartTime))

	limited, err := db.ListSessions(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	dets, err := db.GetDetections(first.ID)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, uint64(3), dets[0].EventID)
	assert.Equal(t, first.ID, dets[0].SessionID)

	none, err := db.GetDetections(second.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDuplicateSessionRollsBack(t *testing.T) {
	db := newTestDB(t)
	rec := &SessionRecord{ID: "same", Target: "x", StartTime: time.Now(), StopTime: time.Now(), State: "Success"}
	require.NoError(t, db.InsertSession(rec, nil))

	err := db.InsertSession(rec, []DetectionRecord{{EventID: 1, Category: "Process", Operation: "Inject", Reason: "r"}})
	assert.Error(t, err)

	dets, err := db.GetDetections("same")
	require.NoError(t, err)
	assert.Empty(t, dets, "detections of a failed insert are not kept")
}
