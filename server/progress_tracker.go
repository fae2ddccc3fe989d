package server

import (
	"sync"
	"time"

	"llmbenchstudio/internal/engine"
)

// ProgressTracker keeps the live progress of one job and pushes it to the
// job owner, throttled to one progress message per interval. Status, result
// and terminal messages are never throttled.
type ProgressTracker struct {
	JobID     string
	UserID    string
	StartTime time.Time

	hub              *Hub
	mutex            sync.RWMutex
	status           string
	completed        int
	total            int
	currentStep      string
	lastBroadcast    time.Time
	throttleInterval time.Duration
}

// NewProgressTracker creates a tracker for a job of total work items.
func NewProgressTracker(jobID, userID string, total int, hub *Hub) *ProgressTracker {
	return &ProgressTracker{
		JobID:            jobID,
		UserID:           userID,
		StartTime:        time.Now(),
		hub:              hub,
		status:           "running",
		total:            total,
		throttleInterval: time.Second,
	}
}

// Update records progress and pushes it unless throttled. The final item is
// always pushed.
func (pt *ProgressTracker) Update(p engine.Progress, currentStep string) {
	pt.mutex.Lock()
	pt.completed = p.Completed
	if p.Total > 0 {
		pt.total = p.Total
	}
	pt.currentStep = currentStep
	now := time.Now()
	send := pt.completed >= pt.total || now.Sub(pt.lastBroadcast) >= pt.throttleInterval
	if send {
		pt.lastBroadcast = now
	}
	snapshot := pt.snapshotLocked()
	pt.mutex.Unlock()

	if send {
		pt.hub.SendToUser(pt.UserID, NewProgressMessage(pt.JobID, snapshot))
	}
}

// Push sends msg to the job owner immediately.
func (pt *ProgressTracker) Push(msg *Message) {
	pt.hub.SendToUser(pt.UserID, msg)
}

// SetStatus updates the job status and pushes it immediately.
func (pt *ProgressTracker) SetStatus(status, message string) {
	pt.mutex.Lock()
	pt.status = status
	pt.mutex.Unlock()

	pt.Push(NewStatusMessage(pt.JobID, StatusUpdate{
		JobID:     pt.JobID,
		Status:    status,
		Message:   message,
		CreatedAt: pt.StartTime,
		UpdatedAt: time.Now(),
	}))
}

// GetProgress returns the current progress information.
func (pt *ProgressTracker) GetProgress() ProgressUpdate {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return pt.snapshotLocked()
}

func (pt *ProgressTracker) snapshotLocked() ProgressUpdate {
	elapsed := time.Since(pt.StartTime).Seconds()
	var progress, remaining float64
	if pt.total > 0 {
		progress = float64(pt.completed) / float64(pt.total) * 100
	}
	if progress > 0 {
		remaining = (elapsed / progress) * (100 - progress)
	}
	return ProgressUpdate{
		JobID:                  pt.JobID,
		Status:                 pt.status,
		Completed:              pt.completed,
		Total:                  pt.total,
		Progress:               progress,
		ElapsedTime:            elapsed,
		EstimatedTimeRemaining: remaining,
		CurrentStep:            pt.currentStep,
	}
}

func (pt *ProgressTracker) finish(status string) float64 {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	pt.status = status
	return time.Since(pt.StartTime).Seconds()
}

// Complete marks the job completed and pushes the final summary.
func (pt *ProgressTracker) Complete(completion CompletionMessage) {
	completion.JobID = pt.JobID
	completion.Status = "completed"
	completion.Duration = pt.finish("completed")
	completion.Completed = time.Now()
	pt.Push(NewCompletionMessage(pt.JobID, completion))
}

// Fail marks the job failed and pushes the error.
func (pt *ProgressTracker) Fail(message, details string) {
	pt.finish("failed")
	pt.Push(NewErrorMessage(pt.JobID, ErrorMessage{
		JobID:   pt.JobID,
		Error:   "job failed",
		Message: message,
		Details: details,
	}))
}

// Cancel marks the job cancelled and pushes what ran before it stopped.
func (pt *ProgressTracker) Cancel(ran, skipped int) {
	pt.finish("cancelled")
	pt.Push(NewCancellationMessage(pt.JobID, CancellationMessage{
		JobID:     pt.JobID,
		Status:    "cancelled",
		Message:   "job cancelled",
		Ran:       ran,
		Skipped:   skipped,
		Cancelled: time.Now(),
	}))
}
