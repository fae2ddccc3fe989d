package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"llmbenchstudio/internal/aggregate"
	"llmbenchstudio/internal/config"
	"llmbenchstudio/internal/engine"
	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/quota"
	"llmbenchstudio/internal/scoring"
	"llmbenchstudio/internal/store"
	"llmbenchstudio/internal/target"
)

const (
	DefaultMaxTokens   = 512
	DefaultTemperature = float32(0.7)

	// finishedRetention is how long a finished job keeps its live progress.
	finishedRetention = 15 * time.Minute
	releaseTimeout    = 10 * time.Second
)

// ErrInvalidRequest marks requests rejected before admission.
var ErrInvalidRequest = errors.New("invalid request")

// JobManagerOptions wires a JobManager.
type JobManagerOptions struct {
	Controller *quota.Controller
	Engine     *engine.Engine
	Store      store.Store
	Hub        *Hub
	Users      config.UserConfigSource
	Logger     *logging.Logger
}

type liveJob struct {
	job       quota.Job
	tracker   *ProgressTracker
	recordID  string
	done      bool
	forgotten bool
}

// JobManager admits jobs through the quota controller, runs them in the
// background and pushes their progress to the owning user.
type JobManager struct {
	controller *quota.Controller
	engine     *engine.Engine
	store      store.Store
	hub        *Hub
	users      config.UserConfigSource
	logger     *logging.Logger

	mutex sync.RWMutex
	live  map[string]*liveJob

	// persist is held shared while a job saves results and exclusively while
	// a user is being deleted.
	persist sync.RWMutex

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewJobManager creates a job manager.
func NewJobManager(opts JobManagerOptions) *JobManager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.AppLogger
	}
	ctx, stop := context.WithCancel(context.Background())
	return &JobManager{
		controller: opts.Controller,
		engine:     opts.Engine,
		store:      opts.Store,
		hub:        opts.Hub,
		users:      opts.Users,
		logger:     logger,
		live:       make(map[string]*liveJob),
		baseCtx:    ctx,
		stop:       stop,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (jm *JobManager) resolve(ctx context.Context, userID string, selection []string) ([]target.Target, error) {
	targets, err := jm.users.TargetsFor(ctx, userID, selection)
	if err != nil {
		if errors.Is(err, config.ErrUnknownTarget) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, err
	}
	if len(targets) == 0 {
		return nil, invalid("no targets selected")
	}
	return targets, nil
}

func timeoutOf(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sampling(maxTokens int, temperature *float32) (int, float32) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temp := DefaultTemperature
	if temperature != nil {
		temp = *temperature
	}
	return maxTokens, temp
}

// StartBenchmark validates and admits a benchmark and runs it in the
// background. Admission failures wrap quota.ErrRateLimited.
func (jm *JobManager) StartBenchmark(ctx context.Context, userID string, req BenchmarkRequest) (JobResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return JobResponse{}, invalid("prompt is required")
	}
	for _, size := range req.ContextSizes {
		if size < 0 {
			return JobResponse{}, invalid("context sizes must not be negative")
		}
	}
	targets, err := jm.resolve(ctx, userID, req.Targets)
	if err != nil {
		return JobResponse{}, err
	}
	runs := req.Runs
	if runs <= 0 {
		runs = 1
	}
	limits, err := jm.controller.Limits(ctx, userID)
	if err != nil {
		return JobResponse{}, err
	}
	if err := limits.CheckRuns(runs); err != nil {
		return JobResponse{}, err
	}

	job, err := jm.controller.Acquire(ctx, userID, quota.JobBenchmark)
	if err != nil {
		return JobResponse{}, err
	}

	maxTokens, temp := sampling(req.MaxTokens, req.Temperature)
	spec := engine.BenchmarkSpec{
		JobID:        job.ID,
		Targets:      targets,
		Prompt:       req.Prompt,
		MaxTokens:    maxTokens,
		Temperature:  temp,
		ContextSizes: req.ContextSizes,
		Runs:         runs,
		Timeout:      timeoutOf(req.TimeoutSeconds),
		Cancelled:    jm.controller.CancelFunc(job),
	}
	sizes := len(req.ContextSizes)
	if sizes == 0 {
		sizes = 1
	}
	total := len(targets) * sizes * runs
	tracker := jm.track(job, total)

	jm.wg.Add(1)
	go jm.runBenchmark(job, spec, tracker, req.Experiment)

	return JobResponse{
		JobID:   job.ID,
		Type:    string(job.Type),
		Status:  string(job.Status),
		Total:   total,
		Message: fmt.Sprintf("benchmark started: %d calls", total),
	}, nil
}

// StartEval validates and admits a tool-calling evaluation.
func (jm *JobManager) StartEval(ctx context.Context, userID string, req EvalRequest) (JobResponse, error) {
	if len(req.Suite.Cases) == 0 {
		return JobResponse{}, invalid("suite has no cases")
	}
	seen := make(map[string]bool, len(req.Suite.Cases))
	for i, c := range req.Suite.Cases {
		if strings.TrimSpace(c.Prompt) == "" {
			return JobResponse{}, invalid("case %d has no prompt", i)
		}
		if c.ID != "" && seen[c.ID] {
			return JobResponse{}, invalid("duplicate case id %q", c.ID)
		}
		seen[c.ID] = true
	}
	targets, err := jm.resolve(ctx, userID, req.Targets)
	if err != nil {
		return JobResponse{}, err
	}

	job, err := jm.controller.Acquire(ctx, userID, quota.JobEval)
	if err != nil {
		return JobResponse{}, err
	}

	maxTokens, temp := sampling(req.MaxTokens, req.Temperature)
	spec := engine.EvalSpec{
		JobID:       job.ID,
		Targets:     targets,
		Suite:       req.Suite,
		MaxTokens:   maxTokens,
		Temperature: temp,
		Timeout:     timeoutOf(req.TimeoutSeconds),
		Cancelled:   jm.controller.CancelFunc(job),
	}
	total := len(targets) * len(req.Suite.Cases)
	tracker := jm.track(job, total)

	jm.wg.Add(1)
	go jm.runEval(job, spec, tracker, req.Experiment)

	return JobResponse{
		JobID:   job.ID,
		Type:    string(job.Type),
		Status:  string(job.Status),
		Total:   total,
		Message: fmt.Sprintf("evaluation started: %d cases", total),
	}, nil
}

func (jm *JobManager) track(job quota.Job, total int) *ProgressTracker {
	tracker := NewProgressTracker(job.ID, job.UserID, total, jm.hub)
	jm.mutex.Lock()
	jm.live[job.ID] = &liveJob{job: job, tracker: tracker}
	jm.mutex.Unlock()
	tracker.SetStatus(string(quota.StatusRunning), "job admitted")
	return tracker
}

func (jm *JobManager) runBenchmark(job quota.Job, spec engine.BenchmarkSpec, tracker *ProgressTracker, experiment string) {
	defer jm.wg.Done()
	log := &logging.LogContext{JobID: job.ID, UserID: job.UserID, Operation: "benchmark"}

	hooks := engine.Hooks{
		OnResult: func(r engine.RunResult, p engine.Progress) {
			tracker.Push(NewMessage(MessageTypeBenchmarkResult, job.ID, BenchmarkResultUpdate{Result: r, Progress: p}))
			tracker.Update(p, r.DisplayName)
		},
	}
	out := jm.engine.RunBenchmark(jm.baseCtx, spec, hooks)
	aggregated := aggregate.Aggregate(out.Results)

	successes := 0
	var firstErr string
	for _, r := range out.Results {
		if r.Success {
			successes++
		} else if !r.Skipped && firstErr == "" {
			firstErr = r.Error
		}
	}

	status := quota.StatusCompleted
	switch {
	case out.Cancelled:
		status = quota.StatusCancelled
	case out.Ran > 0 && successes == 0:
		status = quota.StatusFailed
	}

	jm.persist.RLock()
	defer jm.persist.RUnlock()
	if jm.forgotten(job.ID) {
		jm.discard(job, log, out.Ran, out.Skipped)
		return
	}

	var recordID string
	if successes > 0 {
		id, err := jm.store.SaveBenchmark(context.Background(), aggregate.BenchmarkRecord{
			UserID:  job.UserID,
			JobID:   job.ID,
			Results: aggregated,
		})
		if err != nil {
			jm.logger.ErrorWithContext(log, "failed to save results: %v", err)
		} else {
			recordID = id
		}
		if experiment != "" {
			jm.recordBest(job, experiment, bestBenchmark(aggregated))
		}
	}

	switch status {
	case quota.StatusCancelled:
		tracker.Cancel(out.Ran, out.Skipped)
	case quota.StatusFailed:
		tracker.Fail("every call failed", firstErr)
		jm.Alert("error", fmt.Sprintf("benchmark %s for user %s failed: %s", job.ID, job.UserID, firstErr), "job_manager")
	default:
		tracker.Complete(CompletionMessage{
			RecordID:   recordID,
			Aggregated: aggregated,
			Ran:        out.Ran,
			Skipped:    out.Skipped,
		})
	}
	jm.finish(job, status, firstErr, recordID)
	jm.logger.InfoWithContext(log, "benchmark %s: %d ran, %d skipped, %d succeeded", status, out.Ran, out.Skipped, successes)
}

func (jm *JobManager) runEval(job quota.Job, spec engine.EvalSpec, tracker *ProgressTracker, experiment string) {
	defer jm.wg.Done()
	log := &logging.LogContext{JobID: job.ID, UserID: job.UserID, Operation: "eval"}

	hooks := engine.Hooks{
		OnEvalResult: func(r scoring.EvalResult, p engine.Progress) {
			tracker.Push(NewMessage(MessageTypeEvalResult, job.ID, EvalResultUpdate{Result: r, Progress: p}))
			tracker.Update(p, r.DisplayName+" "+r.CaseID)
		},
	}
	out := jm.engine.RunEval(jm.baseCtx, spec, hooks)

	successes := 0
	var firstErr string
	for _, r := range out.Results {
		if r.Success {
			successes++
		} else if !r.Skipped && firstErr == "" {
			firstErr = r.Error
		}
	}

	status := quota.StatusCompleted
	switch {
	case out.Cancelled:
		status = quota.StatusCancelled
	case out.Ran > 0 && successes == 0:
		status = quota.StatusFailed
	}

	jm.persist.RLock()
	defer jm.persist.RUnlock()
	if jm.forgotten(job.ID) {
		jm.discard(job, log, out.Ran, out.Skipped)
		return
	}

	var recordID string
	if successes > 0 {
		id, err := jm.store.SaveEval(context.Background(), aggregate.EvalRecord{
			UserID:    job.UserID,
			JobID:     job.ID,
			Suite:     spec.Suite.Name,
			Summaries: out.Summaries,
			Results:   out.Results,
		})
		if err != nil {
			jm.logger.ErrorWithContext(log, "failed to save results: %v", err)
		} else {
			recordID = id
		}
		if experiment != "" {
			jm.recordBest(job, experiment, bestEval(out.Summaries))
		}
	}

	switch status {
	case quota.StatusCancelled:
		tracker.Cancel(out.Ran, out.Skipped)
	case quota.StatusFailed:
		tracker.Fail("every case failed", firstErr)
		jm.Alert("error", fmt.Sprintf("evaluation %s for user %s failed: %s", job.ID, job.UserID, firstErr), "job_manager")
	default:
		tracker.Complete(CompletionMessage{
			RecordID:  recordID,
			Summaries: out.Summaries,
			Ran:       out.Ran,
			Skipped:   out.Skipped,
		})
	}
	jm.finish(job, status, firstErr, recordID)
	jm.logger.InfoWithContext(log, "evaluation %s: %d scored, %d skipped", status, out.Ran, out.Skipped)
}

// bestBenchmark picks the fastest group that produced output.
func bestBenchmark(results []aggregate.AggregatedResult) *store.BestScore {
	var best *store.BestScore
	for _, r := range results {
		if r.Successes() == 0 {
			continue
		}
		if best == nil || r.AvgTokensPerSecond > best.Score {
			best = &store.BestScore{Score: r.AvgTokensPerSecond, Model: r.Model, Provider: r.Provider}
		}
	}
	return best
}

// bestEval picks the model with the highest mean overall score, as a percentage.
func bestEval(summaries []scoring.ModelSummary) *store.BestScore {
	var best *store.BestScore
	for _, s := range summaries {
		if s.Cases == 0 {
			continue
		}
		score := s.AvgOverall * 100
		if best == nil || score > best.Score {
			best = &store.BestScore{Score: score, Model: s.Model, Provider: s.Provider}
		}
	}
	return best
}

func (jm *JobManager) recordBest(job quota.Job, experiment string, candidate *store.BestScore) {
	if candidate == nil {
		return
	}
	candidate.Experiment = experiment
	candidate.JobID = job.ID
	candidate.RecordedAt = time.Now().UTC()
	improved, err := jm.store.SetBestScore(context.Background(), *candidate)
	if err != nil {
		jm.logger.ErrorWithContext(&logging.LogContext{JobID: job.ID, UserID: job.UserID}, "failed to record best score: %v", err)
		return
	}
	if improved {
		jm.logger.InfoWithFields("New best score", map[string]interface{}{
			"experiment": experiment,
			"score":      candidate.Score,
			"model":      candidate.Model,
			"jobId":      job.ID,
		})
		jm.hub.SendToUser(job.UserID, NewBestScoreMessage(job.ID, *candidate))
	}
}

func (jm *JobManager) finish(job quota.Job, status quota.JobStatus, detail, recordID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := jm.controller.Release(ctx, job.ID, status, detail); err != nil {
		jm.logger.ErrorWithContext(&logging.LogContext{JobID: job.ID, UserID: job.UserID}, "failed to release job: %v", err)
	}
	jm.markDone(job, status, recordID)
}

// discard ends a job whose user was deleted while it ran. Its ledger row is
// already gone and nothing it produced is kept.
func (jm *JobManager) discard(job quota.Job, log *logging.LogContext, ran, skipped int) {
	jm.markDone(job, quota.StatusCancelled, "")
	jm.logger.InfoWithContext(log, "user deleted while running: %d ran, %d skipped, results discarded", ran, skipped)
}

func (jm *JobManager) forgotten(jobID string) bool {
	jm.mutex.RLock()
	defer jm.mutex.RUnlock()
	lj, ok := jm.live[jobID]
	return ok && lj.forgotten
}

func (jm *JobManager) markDone(job quota.Job, status quota.JobStatus, recordID string) {
	jm.mutex.Lock()
	if lj, ok := jm.live[job.ID]; ok {
		lj.job.Status = status
		lj.recordID = recordID
		lj.done = true
	}
	jm.mutex.Unlock()

	time.AfterFunc(finishedRetention, func() {
		jm.mutex.Lock()
		delete(jm.live, job.ID)
		jm.mutex.Unlock()
	})
}

// Cancel requests cancellation of the user's running jobs and returns their
// ids. Work already dispatched finishes; the rest is skipped.
func (jm *JobManager) Cancel(userID string) []string {
	jm.controller.RequestCancel(userID)
	jm.mutex.RLock()
	defer jm.mutex.RUnlock()
	var ids []string
	for id, lj := range jm.live {
		if lj.job.UserID == userID && !lj.done {
			ids = append(ids, id)
		}
	}
	return ids
}

func (jm *JobManager) view(job quota.Job) JobView {
	v := JobView{Job: job}
	jm.mutex.RLock()
	lj, ok := jm.live[job.ID]
	jm.mutex.RUnlock()
	if ok {
		p := lj.tracker.GetProgress()
		v.Progress = &p
		v.RecordID = lj.recordID
	}
	return v
}

// GetJob returns a job owned by userID. Admins may read any job.
func (jm *JobManager) GetJob(ctx context.Context, userID, jobID string, admin bool) (JobView, error) {
	job, err := jm.controller.Ledger().GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	if job.UserID != userID && !admin {
		return JobView{}, quota.ErrJobNotFound
	}
	return jm.view(job), nil
}

// ListJobs returns the user's jobs, newest first.
func (jm *JobManager) ListJobs(ctx context.Context, userID string) ([]JobView, error) {
	jobs, err := jm.controller.Ledger().ListJobs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jm.view(j))
	}
	return out, nil
}

// ActiveJobs counts jobs running on this instance.
func (jm *JobManager) ActiveJobs() int {
	jm.mutex.RLock()
	defer jm.mutex.RUnlock()
	n := 0
	for _, lj := range jm.live {
		if !lj.done {
			n++
		}
	}
	return n
}

// Alert pushes a system alert to every connected administrator.
func (jm *JobManager) Alert(level, message, source string) {
	if level == "" {
		level = "info"
	}
	jm.logger.WarnWithFields("System alert", map[string]interface{}{"level": level, "message": message, "source": source})
	jm.hub.BroadcastToAdmins(NewSystemAlertMessage(SystemAlert{Level: level, Message: message, Source: source}))
}

// ForgetUser cancels the user's jobs and removes every trace of the user:
// ledger rows, quota entries, stored results, push connections and keys.
func (jm *JobManager) ForgetUser(ctx context.Context, userID string) error {
	jm.persist.Lock()
	jm.mutex.Lock()
	for _, lj := range jm.live {
		if lj.job.UserID == userID {
			lj.forgotten = true
		}
	}
	jm.mutex.Unlock()
	jm.persist.Unlock()

	jm.Cancel(userID)
	if err := jm.controller.ForgetUser(ctx, userID); err != nil {
		return err
	}
	if err := jm.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete results for %s: %w", userID, err)
	}
	jm.hub.ForgetUser(userID)
	if f, ok := jm.users.(interface{ ForgetUser(string) }); ok {
		f.ForgetUser(userID)
	}
	return nil
}

// Wait blocks until every running job has finished.
func (jm *JobManager) Wait() {
	jm.wg.Wait()
}

// Shutdown cancels running jobs and waits for them until ctx expires.
func (jm *JobManager) Shutdown(ctx context.Context) error {
	jm.mutex.RLock()
	users := make(map[string]bool)
	for _, lj := range jm.live {
		if !lj.done {
			users[lj.job.UserID] = true
		}
	}
	jm.mutex.RUnlock()
	for u := range users {
		jm.controller.RequestCancel(u)
	}

	done := make(chan struct{})
	go func() {
		jm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		jm.stop()
		return nil
	case <-ctx.Done():
		jm.stop()
		return ctx.Err()
	}
}
