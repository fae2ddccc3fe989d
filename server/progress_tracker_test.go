package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbenchstudio/internal/engine"
)

func TestProgressTrackerThrottlesUpdates(t *testing.T) {
	hub := NewHub(5, quietLogger())
	conn := &fakeConn{}
	hub.Connect("alice", "user", conn)

	pt := NewProgressTracker("job-1", "alice", 10, hub)
	for i := 1; i <= 5; i++ {
		pt.Update(engine.Progress{Completed: i, Total: 10}, "step")
	}
	// The first update goes out, the rest fall inside the throttle window.
	assert.Equal(t, []string{MessageTypeProgress}, conn.types())

	p := pt.GetProgress()
	assert.Equal(t, 5, p.Completed)
	assert.InDelta(t, 50, p.Progress, 1e-9)
	assert.Equal(t, "running", p.Status)
}

func TestProgressTrackerAlwaysSendsFinalItem(t *testing.T) {
	hub := NewHub(5, quietLogger())
	conn := &fakeConn{}
	hub.Connect("alice", "user", conn)

	pt := NewProgressTracker("job-1", "alice", 2, hub)
	pt.Update(engine.Progress{Completed: 1, Total: 2}, "a")
	pt.Update(engine.Progress{Completed: 2, Total: 2}, "b")

	msgs := conn.received()
	require.Len(t, msgs, 2)
	last, ok := msgs[1].Data.(ProgressUpdate)
	require.True(t, ok)
	assert.Equal(t, 2, last.Completed)
	assert.InDelta(t, 100, last.Progress, 1e-9)
}

func TestProgressTrackerTerminalMessages(t *testing.T) {
	hub := NewHub(5, quietLogger())
	conn := &fakeConn{}
	hub.Connect("alice", "user", conn)

	NewProgressTracker("job-1", "alice", 1, hub).Complete(CompletionMessage{Ran: 1})
	NewProgressTracker("job-2", "alice", 1, hub).Fail("every call failed", "HTTP 500")
	cancelled := NewProgressTracker("job-3", "alice", 4, hub)
	cancelled.Cancel(1, 3)

	assert.Equal(t, []string{MessageTypeComplete, MessageTypeFailed, MessageTypeCancelled}, conn.types())
	msgs := conn.received()
	done, ok := msgs[0].Data.(CompletionMessage)
	require.True(t, ok)
	assert.Equal(t, "job-1", done.JobID)
	assert.Equal(t, "completed", done.Status)

	c, ok := msgs[2].Data.(CancellationMessage)
	require.True(t, ok)
	assert.Equal(t, 1, c.Ran)
	assert.Equal(t, 3, c.Skipped)
	assert.Equal(t, "cancelled", cancelled.GetProgress().Status)
}
