// Package quota admits benchmark and eval jobs per user against a persisted
// job ledger and carries the per-user cancellation flags that running jobs
// poll.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is wrapped by every admission rejection.
var ErrRateLimited = errors.New("rate limited")

// ErrJobNotFound is returned by ledgers for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Limit names reported in LimitError.
const (
	LimitConcurrent = "max_concurrent"
	LimitPerHour    = "jobs_per_hour"
	LimitRuns       = "runs_per_benchmark"
)

// LimitError reports which limit rejected a request.
type LimitError struct {
	Limit   string `json:"limit"`
	Max     int    `json:"max"`
	Current int    `json:"current"`
}

func (e *LimitError) Error() string {
	switch e.Limit {
	case LimitConcurrent:
		return fmt.Sprintf("rate limited: %d of %d concurrent jobs already running", e.Current, e.Max)
	case LimitPerHour:
		return fmt.Sprintf("rate limited: %d of %d jobs started in the last hour", e.Current, e.Max)
	case LimitRuns:
		return fmt.Sprintf("rate limited: %d runs requested, at most %d allowed", e.Current, e.Max)
	}
	return fmt.Sprintf("rate limited: %s %d/%d", e.Limit, e.Current, e.Max)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Limits are the per-user admission limits.
type Limits struct {
	MaxConcurrent    int `json:"maxConcurrent" yaml:"max_concurrent"`
	JobsPerHour      int `json:"jobsPerHour" yaml:"jobs_per_hour"`
	RunsPerBenchmark int `json:"runsPerBenchmark" yaml:"runs_per_benchmark"`
}

// DefaultLimits allow one concurrent job, 20 jobs per hour and 10 runs per
// benchmark.
func DefaultLimits() Limits {
	return Limits{MaxConcurrent: 1, JobsPerHour: 20, RunsPerBenchmark: 10}
}

// Merge fills unset fields of l from defaults.
func (l Limits) Merge(defaults Limits) Limits {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = defaults.MaxConcurrent
	}
	if l.JobsPerHour <= 0 {
		l.JobsPerHour = defaults.JobsPerHour
	}
	if l.RunsPerBenchmark <= 0 {
		l.RunsPerBenchmark = defaults.RunsPerBenchmark
	}
	return l
}

// CheckRuns rejects a benchmark asking for more runs than allowed.
func (l Limits) CheckRuns(runs int) error {
	if l.RunsPerBenchmark > 0 && runs > l.RunsPerBenchmark {
		return &LimitError{Limit: LimitRuns, Max: l.RunsPerBenchmark, Current: runs}
	}
	return nil
}

// JobType distinguishes benchmark and eval jobs.
type JobType string

const (
	JobBenchmark JobType = "benchmark"
	JobEval      JobType = "eval"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCancelled JobStatus = "cancelled"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// Job is a ledger row.
type Job struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Type       JobType    `json:"type"`
	Status     JobStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Detail     string     `json:"detail,omitempty"`

	// Set by Acquire only: the admitting entry and the job's place among
	// its user's admissions on this instance.
	entry      *UserEntry
	generation uint64
}

// Ledger persists jobs and per-user limit overrides.
type Ledger interface {
	// ActiveJobs counts the user's jobs in a non-terminal state.
	ActiveJobs(ctx context.Context, userID string) (int, error)
	// JobsSince counts the user's jobs started at or after since.
	JobsSince(ctx context.Context, userID string, since time.Time) (int, error)
	// UserLimits returns the override for the user, or nil.
	UserLimits(ctx context.Context, userID string) (*Limits, error)
	SetUserLimits(ctx context.Context, userID string, limits Limits) error
	CreateJob(ctx context.Context, job Job) error
	FinishJob(ctx context.Context, jobID string, status JobStatus, detail string, at time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListJobs returns the user's jobs, newest first.
	ListJobs(ctx context.Context, userID string) ([]Job, error)
	DeleteUser(ctx context.Context, userID string) error
	// SweepStale fails every non-terminal job started before cutoff and
	// returns how many it finished.
	SweepStale(ctx context.Context, cutoff, at time.Time) (int, error)
}

// StaleDetail is recorded on jobs finished by SweepStale.
const StaleDetail = "abandoned: no terminal status was recorded"
