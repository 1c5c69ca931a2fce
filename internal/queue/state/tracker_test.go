package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestTracker(max int) (*Tracker, *time.Time) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := NewTracker(max, time.Hour, arbor.NewNoOpLogger())
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestTracker_Lifecycle(t *testing.T) {
	tr, _ := newTestTracker(2)

	assert.Equal(t, StatusNotFound, tr.GetStatus("job-1").Status)

	tr.MarkQueued("job-1")
	assert.Equal(t, StatusQueued, tr.GetStatus("job-1").Status)

	tr.MarkRunning("job-1")
	rec := tr.GetStatus("job-1")
	assert.Equal(t, StatusRunning, rec.Status)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, 1, tr.RunningCount())

	tr.MarkCompleted("job-1", Outcome{Success: true, Partial: true})
	rec = tr.GetStatus("job-1")
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.Outcome)
	assert.True(t, rec.Outcome.Partial)
	assert.Equal(t, 0, tr.RunningCount())
}

func TestTracker_FailedOutcome(t *testing.T) {
	tr, _ := newTestTracker(2)

	tr.MarkRunning("job-1")
	tr.MarkCompleted("job-1", Outcome{Success: false, Error: "all sub-tasks failed"})

	assert.Equal(t, StatusFailed, tr.GetStatus("job-1").Status)
}

func TestTracker_CanceledOutcome(t *testing.T) {
	tr, _ := newTestTracker(2)

	tr.MarkRunning("job-1")
	tr.MarkCompleted("job-1", Outcome{Canceled: true, Error: "shutdown before start"})

	rec := tr.GetStatus("job-1")
	assert.Equal(t, StatusCanceled, rec.Status)
	require.NotNil(t, rec.Outcome)
	assert.True(t, rec.Outcome.Canceled)
}

func TestTracker_QueuePosition(t *testing.T) {
	tr, _ := newTestTracker(5)

	tr.MarkQueued("a")
	tr.MarkQueued("b")
	tr.MarkQueued("c")

	assert.Equal(t, 1, tr.GetStatus("a").Position)
	assert.Equal(t, 2, tr.GetStatus("b").Position)
	assert.Equal(t, 3, tr.GetStatus("c").Position)

	tr.MarkRunning("a")
	assert.Equal(t, 1, tr.GetStatus("b").Position)
	assert.Equal(t, 2, tr.GetStatus("c").Position)
	assert.Zero(t, tr.GetStatus("a").Position)
}

func TestTracker_Capacity(t *testing.T) {
	tr, _ := newTestTracker(2)

	assert.True(t, tr.HasCapacity())
	assert.Equal(t, 2, tr.Available())

	tr.MarkQueued("a")
	tr.MarkRunning("b")
	assert.False(t, tr.HasCapacity())
	assert.Equal(t, 0, tr.Available())

	tr.MarkCompleted("b", Outcome{Success: true})
	assert.True(t, tr.HasCapacity())
	assert.Equal(t, 1, tr.Available())
}

func TestTracker_SweepRemovesOnlyExpiredCompleted(t *testing.T) {
	tr, now := newTestTracker(3)

	tr.MarkRunning("old")
	tr.MarkCompleted("old", Outcome{Success: true})

	*now = now.Add(50 * time.Minute)
	tr.MarkRunning("recent")
	tr.MarkCompleted("recent", Outcome{Success: true})
	tr.MarkRunning("active")

	removed := tr.Sweep(now.Add(15 * time.Minute))

	assert.Equal(t, 1, removed)
	assert.Equal(t, StatusNotFound, tr.GetStatus("old").Status)
	assert.Equal(t, StatusCompleted, tr.GetStatus("recent").Status)
	assert.Equal(t, StatusRunning, tr.GetStatus("active").Status)
}

func TestTracker_Snapshot(t *testing.T) {
	tr, _ := newTestTracker(5)

	tr.MarkQueued("q1")
	tr.MarkQueued("q2")
	tr.MarkRunning("r1")
	tr.MarkRunning("done")
	tr.MarkCompleted("done", Outcome{Canceled: true})

	records := tr.Snapshot()
	require.Len(t, records, 4)
	assert.Equal(t, "q1", records[0].JobID)
	assert.Equal(t, 1, records[0].Position)
	assert.Equal(t, "q2", records[1].JobID)
	assert.Equal(t, StatusRunning, records[2].Status)
	assert.Equal(t, StatusCanceled, records[3].Status)
	assert.True(t, records[3].Outcome.Canceled)
}
