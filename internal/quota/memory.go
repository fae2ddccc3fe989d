package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger. Each user keeps at most historyLimit
// rows; running jobs and jobs from the trailing hour are never dropped.
type MemoryLedger struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	byUser map[string][]string
	limits map[string]Limits
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		jobs:   make(map[string]*Job),
		byUser: make(map[string][]string),
		limits: make(map[string]Limits),
	}
}

func (m *MemoryLedger) ActiveJobs(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, id := range m.byUser[userID] {
		if !m.jobs[id].Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedger) JobsSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, id := range m.byUser[userID] {
		if !m.jobs[id].StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedger) UserLimits(_ context.Context, userID string) (*Limits, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[userID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *MemoryLedger) SetUserLimits(_ context.Context, userID string, limits Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[userID] = limits
	return nil
}

func (m *MemoryLedger) CreateJob(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	if _, exists := m.jobs[job.ID]; !exists {
		m.byUser[job.UserID] = append(m.byUser[job.UserID], job.ID)
	}
	m.jobs[job.ID] = &j
	m.trim(job.UserID, job.StartedAt.Add(-time.Hour))
	return nil
}

// trim drops the user's oldest finished rows started before keepAfter until
// the history fits historyLimit.
func (m *MemoryLedger) trim(userID string, keepAfter time.Time) {
	ids := m.byUser[userID]
	excess := len(ids) - historyLimit
	if excess <= 0 {
		return
	}
	kept := ids[:0]
	for _, id := range ids {
		j := m.jobs[id]
		if excess > 0 && j.Status.Terminal() && j.StartedAt.Before(keepAfter) {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.byUser[userID] = kept
}

func (m *MemoryLedger) FinishJob(_ context.Context, jobID string, status JobStatus, detail string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = status
	j.Detail = detail
	j.FinishedAt = &at
	return nil
}

func (m *MemoryLedger) GetJob(_ context.Context, jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

func (m *MemoryLedger) ListJobs(_ context.Context, userID string) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byUser[userID]
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.jobs[id])
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out, nil
}

func (m *MemoryLedger) DeleteUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byUser[userID] {
		delete(m.jobs, id)
	}
	delete(m.byUser, userID)
	delete(m.limits, userID)
	return nil
}

func (m *MemoryLedger) SweepStale(_ context.Context, cutoff, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.Status.Terminal() && j.StartedAt.Before(cutoff) {
			j.Status = StatusFailed
			j.Detail = StaleDetail
			finished := at
			j.FinishedAt = &finished
			n++
		}
	}
	return n, nil
}
