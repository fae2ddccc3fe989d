package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llmbenchstudio/internal/logging"
)

// Controller admits jobs per user and tracks their cancellation flags.
type Controller struct {
	ledger   Ledger
	registry *Registry
	defaults Limits
	logger   *logging.Logger
	now      func() time.Time
}

// NewController returns a controller over ledger. Zero fields of defaults
// fall back to DefaultLimits.
func NewController(ledger Ledger, defaults Limits, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.AppLogger
	}
	return &Controller{
		ledger:   ledger,
		registry: NewRegistry(),
		defaults: defaults.Merge(DefaultLimits()),
		logger:   logger,
		now:      time.Now,
	}
}

// Ledger exposes the underlying job ledger.
func (c *Controller) Ledger() Ledger { return c.ledger }

// Registry exposes the per-user entry table.
func (c *Controller) Registry() *Registry { return c.registry }

// Limits returns the user's effective limits.
func (c *Controller) Limits(ctx context.Context, userID string) (Limits, error) {
	override, err := c.ledger.UserLimits(ctx, userID)
	if err != nil {
		return Limits{}, fmt.Errorf("load limits for %s: %w", userID, err)
	}
	if override == nil {
		return c.defaults, nil
	}
	return override.Merge(c.defaults), nil
}

// SetUserLimits stores an administrator override for the user.
func (c *Controller) SetUserLimits(ctx context.Context, userID string, limits Limits) error {
	if err := c.ledger.SetUserLimits(ctx, userID, limits); err != nil {
		return fmt.Errorf("store limits for %s: %w", userID, err)
	}
	c.logger.InfoWithFields("User limits updated", map[string]interface{}{
		"userId":           userID,
		"maxConcurrent":    limits.MaxConcurrent,
		"jobsPerHour":      limits.JobsPerHour,
		"runsPerBenchmark": limits.RunsPerBenchmark,
	})
	return nil
}

// Acquire admits a new job for the user or rejects it with a *LimitError.
// The check and the job creation happen under the user's admission mutex so
// two concurrent requests cannot both pass the same count. Cancel requests
// made before admission do not reach the new job.
func (c *Controller) Acquire(ctx context.Context, userID string, jobType JobType) (Job, error) {
	entry := c.registry.Entry(userID)
	entry.admission.Lock()
	defer entry.admission.Unlock()

	limits, err := c.Limits(ctx, userID)
	if err != nil {
		return Job{}, err
	}

	active, err := c.ledger.ActiveJobs(ctx, userID)
	if err != nil {
		return Job{}, fmt.Errorf("count active jobs: %w", err)
	}
	if active >= limits.MaxConcurrent {
		return Job{}, c.reject(userID, &LimitError{Limit: LimitConcurrent, Max: limits.MaxConcurrent, Current: active})
	}

	now := c.now()
	recent, err := c.ledger.JobsSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return Job{}, fmt.Errorf("count recent jobs: %w", err)
	}
	if recent >= limits.JobsPerHour {
		return Job{}, c.reject(userID, &LimitError{Limit: LimitPerHour, Max: limits.JobsPerHour, Current: recent})
	}

	job := Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      jobType,
		Status:    StatusRunning,
		StartedAt: now,
	}
	if err := c.ledger.CreateJob(ctx, job); err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	job.entry = entry
	job.generation = entry.admit()

	c.logger.InfoWithContext(&logging.LogContext{JobID: job.ID, UserID: userID, Operation: "admission"},
		"admitted %s job (%d active, %d in the last hour)", jobType, active+1, recent+1)
	return job, nil
}

func (c *Controller) reject(userID string, err *LimitError) error {
	c.logger.WarnWithContext(&logging.LogContext{UserID: userID, Operation: "admission"}, "%s", err.Error())
	return err
}

// Release records the job's terminal status.
func (c *Controller) Release(ctx context.Context, jobID string, status JobStatus, detail string) error {
	if !status.Terminal() {
		return fmt.Errorf("release %s: status %q is not terminal", jobID, status)
	}
	if err := c.ledger.FinishJob(ctx, jobID, status, detail, c.now()); err != nil {
		return fmt.Errorf("release %s: %w", jobID, err)
	}
	return nil
}

// RequestCancel cancels every job the user has been admitted so far. It
// never blocks and may be called any number of times.
func (c *Controller) RequestCancel(userID string) {
	c.registry.Entry(userID).cancelAdmitted()
	c.logger.InfoWithContext(&logging.LogContext{UserID: userID, Operation: "cancel"}, "cancellation requested")
}

// IsCancelled reports whether a cancel request is newer than the user's
// latest admission.
func (c *Controller) IsCancelled(userID string) bool {
	e, ok := c.registry.Lookup(userID)
	return ok && e.pending()
}

// CancelFunc is the engine's polling hook for job, which must come from
// Acquire. It holds on to the user's entry so the job still sees itself
// cancelled after ForgetUser.
func (c *Controller) CancelFunc(job Job) func() bool {
	entry := job.entry
	if entry == nil {
		entry = c.registry.Entry(job.UserID)
	}
	gen := job.generation
	return func() bool { return entry.jobCancelled(gen) }
}

// ForgetUser cancels the user's jobs and drops all live state and ledger
// data for a deleted user.
func (c *Controller) ForgetUser(ctx context.Context, userID string) error {
	c.registry.Forget(userID)
	if err := c.ledger.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete ledger data for %s: %w", userID, err)
	}
	c.logger.InfoWithContext(&logging.LogContext{UserID: userID, Operation: "forget_user"}, "user state removed")
	return nil
}

// SweepStale fails jobs that have been running for longer than maxAge, such
// as rows left behind by a process that died mid-job.
func (c *Controller) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	now := c.now()
	n, err := c.ledger.SweepStale(ctx, now.Add(-maxAge), now)
	if err != nil {
		return n, fmt.Errorf("sweep stale jobs: %w", err)
	}
	if n > 0 {
		c.logger.WarnWithFields("Stale jobs failed", map[string]interface{}{
			"count":  n,
			"maxAge": maxAge.String(),
		})
	}
	return n, nil
}
