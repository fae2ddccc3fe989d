package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"llmbenchstudio/internal/aggregate"
	"llmbenchstudio/internal/api"
	"llmbenchstudio/internal/config"
	"llmbenchstudio/internal/engine"
	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/quota"
	"llmbenchstudio/internal/store"
	"llmbenchstudio/internal/target"
)

// Version is reported by the health endpoint.
const Version = "2.0.0"

const (
	defaultLeaderboardDays = 30
	listModelsTimeout      = 30 * time.Second
)

// HandlersOptions wires Handlers.
type HandlersOptions struct {
	Config     *config.Config
	Users      config.UserConfigSource
	Jobs       *JobManager
	Store      store.Store
	StoreKind  string
	Hub        *Hub
	Controller *quota.Controller
	Client     api.ClientOptions
	Redactor   *engine.Redactor
	Logger     *logging.Logger
}

// Handlers serves the HTTP API.
type Handlers struct {
	cfg        *config.Config
	users      config.UserConfigSource
	jobs       *JobManager
	store      store.Store
	storeKind  string
	hub        *Hub
	controller *quota.Controller
	client     api.ClientOptions
	redactor   *engine.Redactor
	logger     *logging.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(opts HandlersOptions) *Handlers {
	h := &Handlers{
		cfg:        opts.Config,
		users:      opts.Users,
		jobs:       opts.Jobs,
		store:      opts.Store,
		storeKind:  opts.StoreKind,
		hub:        opts.Hub,
		controller: opts.Controller,
		client:     opts.Client,
		redactor:   opts.Redactor,
		logger:     opts.Logger,
	}
	if h.redactor == nil {
		h.redactor = engine.NewRedactor(opts.Config.Secrets()...)
	}
	if h.logger == nil {
		h.logger = logging.AppLogger
	}
	if h.storeKind == "" {
		h.storeKind = "memory"
	}
	return h
}

func errorJSON(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

// respondError maps domain errors to HTTP statuses. Messages are redacted.
func (h *Handlers) respondError(c *gin.Context, err error) {
	msg := h.redactor.Redact(err.Error())
	var limitErr *quota.LimitError
	switch {
	case errors.As(err, &limitErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   http.StatusText(http.StatusTooManyRequests),
			"message": msg,
			"code":    http.StatusTooManyRequests,
			"limit":   limitErr,
		})
	case errors.Is(err, quota.ErrRateLimited):
		errorJSON(c, http.StatusTooManyRequests, msg)
	case errors.Is(err, ErrInvalidRequest):
		errorJSON(c, http.StatusBadRequest, msg)
	case errors.Is(err, quota.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		errorJSON(c, http.StatusNotFound, msg)
	default:
		_ = c.Error(err)
		h.logger.ErrorWithContext(&logging.LogContext{UserID: c.GetString(ContextUserID), RequestID: c.GetString(ContextRequestID)}, "%s", msg)
		errorJSON(c, http.StatusInternalServerError, msg)
	}
}

// HealthHandler returns server health status
func (h *Handlers) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    Version,
		Timestamp:  time.Now(),
		Targets:    len(h.cfg.Targets()),
		ActiveJobs: h.jobs.ActiveJobs(),
		Push:       h.hub.Stats(),
		Store:      h.storeKind,
	})
}

// TargetsHandler lists the targets available to the caller
func (h *Handlers) TargetsHandler(c *gin.Context) {
	targets, err := h.users.TargetsFor(c.Request.Context(), c.GetString(ContextUserID), nil)
	if err != nil {
		h.respondError(c, err)
		return
	}
	infos := make([]TargetInfo, 0, len(targets))
	for _, t := range targets {
		infos = append(infos, targetInfo(t))
	}
	c.JSON(http.StatusOK, TargetsResponse{Targets: infos, Count: len(infos), Source: h.cfg.Source})
}

// ProviderModelsHandler asks a provider endpoint which models it serves
func (h *Handlers) ProviderModelsHandler(c *gin.Context) {
	key := c.Param("key")
	t, ok := h.providerTarget(c.Request.Context(), c.GetString(ContextUserID), key)
	if !ok {
		errorJSON(c, http.StatusNotFound, fmt.Sprintf("unknown provider %q", key))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), listModelsTimeout)
	defer cancel()
	models, err := api.ListModels(ctx, api.NewClient(t, h.client))
	if err != nil {
		msg := engine.FormatError(err, h.redactor.With(t.Secrets()...))
		h.logger.WarnWithContext(&logging.LogContext{Provider: key, Operation: "list_models"}, "%s", msg)
		errorJSON(c, http.StatusBadGateway, msg)
		return
	}
	c.JSON(http.StatusOK, ProviderModelsResponse{Provider: key, Models: models, Count: len(models)})
}

// providerTarget returns a target carrying the caller's credential for the
// provider, falling back to the provider config when it lists no models.
func (h *Handlers) providerTarget(ctx context.Context, userID, key string) (target.Target, bool) {
	if targets, err := h.users.TargetsFor(ctx, userID, nil); err == nil {
		for _, t := range targets {
			if t.Provider == key {
				return t, true
			}
		}
	}
	p, ok := h.cfg.Provider(key)
	if !ok {
		return target.Target{}, false
	}
	return target.Target{Provider: p.Key, ProviderName: p.Name, APIBase: p.APIBase, APIKey: p.Credential()}, true
}

// StartBenchmarkHandler admits a benchmark job and returns 202 with its id
func (h *Handlers) StartBenchmarkHandler(c *gin.Context) {
	var req BenchmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return
	}
	resp, err := h.jobs.StartBenchmark(c.Request.Context(), c.GetString(ContextUserID), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// StartEvalHandler admits a tool-calling evaluation job
func (h *Handlers) StartEvalHandler(c *gin.Context) {
	var req EvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return
	}
	resp, err := h.jobs.StartEval(c.Request.Context(), c.GetString(ContextUserID), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// CancelJobsHandler requests cancellation of every job of the caller
func (h *Handlers) CancelJobsHandler(c *gin.Context) {
	userID := c.GetString(ContextUserID)
	ids := h.jobs.Cancel(userID)
	h.logger.InfoWithContext(&logging.LogContext{UserID: userID, Operation: "cancel"}, "cancellation requested for %d jobs", len(ids))
	msg := "no running jobs"
	if len(ids) > 0 {
		msg = "cancellation requested; running calls will finish and the rest are skipped"
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, CancelResponse{Cancelled: ids, Message: msg})
}

// ListJobsHandler lists the caller's jobs
func (h *Handlers) ListJobsHandler(c *gin.Context) {
	jobs, err := h.jobs.ListJobs(c.Request.Context(), c.GetString(ContextUserID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, JobsResponse{Jobs: jobs, Count: len(jobs)})
}

// GetJobHandler returns one job with its live progress
func (h *Handlers) GetJobHandler(c *gin.Context) {
	view, err := h.jobs.GetJob(c.Request.Context(), c.GetString(ContextUserID), c.Param("jobId"), c.GetString(ContextUserRole) == RoleAdmin)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func leaderboardSince(c *gin.Context) (time.Time, error) {
	days := defaultLeaderboardDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("%w: days must be a non-negative integer", ErrInvalidRequest)
		}
		days = n
	}
	if days == 0 {
		return time.Time{}, nil
	}
	return time.Now().AddDate(0, 0, -days), nil
}

// BenchmarkLeaderboardHandler ranks models by mean throughput
func (h *Handlers) BenchmarkLeaderboardHandler(c *gin.Context) {
	since, err := leaderboardSince(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	records, err := h.store.ListBenchmarks(c.Request.Context(), since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, LeaderboardResponse{
		Kind:    "benchmark",
		Since:   since,
		Entries: aggregate.BenchmarkLeaderboard(records, since),
	})
}

// ToolLeaderboardHandler ranks models by mean tool-calling score
func (h *Handlers) ToolLeaderboardHandler(c *gin.Context) {
	since, err := leaderboardSince(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	records, err := h.store.ListEvals(c.Request.Context(), since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, LeaderboardResponse{
		Kind:    "tools",
		Since:   since,
		Entries: aggregate.ToolEvalLeaderboard(records, since),
	})
}

// BenchmarkRecordHandler returns a stored benchmark. format=csv downloads the
// aggregated rows instead.
func (h *Handlers) BenchmarkRecordHandler(c *gin.Context) {
	rec, err := h.store.GetBenchmark(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rec.UserID != c.GetString(ContextUserID) && c.GetString(ContextUserRole) != RoleAdmin {
		h.respondError(c, store.ErrNotFound)
		return
	}
	if strings.EqualFold(c.Query("format"), "csv") {
		filename := fmt.Sprintf("benchmark_results_%s.csv", rec.CreatedAt.Format("20060102_150405"))
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
		c.Data(http.StatusOK, "text/csv", []byte(generateCSV(rec)))
		return
	}
	c.JSON(http.StatusOK, rec)
}

// EvalRecordHandler returns a stored evaluation
func (h *Handlers) EvalRecordHandler(c *gin.Context) {
	rec, err := h.store.GetEval(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rec.UserID != c.GetString(ContextUserID) && c.GetString(ContextUserRole) != RoleAdmin {
		h.respondError(c, store.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// BestScoreHandler returns the best score recorded for an experiment
func (h *Handlers) BestScoreHandler(c *gin.Context) {
	best, err := h.store.BestScore(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, best)
}

// generateCSV converts aggregated benchmark rows to CSV
func generateCSV(rec aggregate.BenchmarkRecord) string {
	var csv strings.Builder
	csv.WriteString("Provider,Model,Context Tokens,Runs,Failures,Avg TTFT (ms),Min TTFT (ms),Max TTFT (ms),Avg Total Time (s),Avg Tokens/s,Avg Output Tokens,Total Cost,Timestamp\n")
	for _, r := range rec.Results {
		csv.WriteString(fmt.Sprintf("%s,%s,%d,%d,%d,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%.6f,%s\n",
			escapeCsvField(r.Provider),
			escapeCsvField(r.Model),
			r.ContextTokens,
			r.Runs,
			r.Failures,
			r.AvgTTFTMs,
			r.MinTTFTMs,
			r.MaxTTFTMs,
			r.AvgTotalTimeS,
			r.AvgTokensPerSecond,
			r.AvgOutputTokens,
			r.TotalCost,
			rec.CreatedAt.Format(time.RFC3339),
		))
	}
	return csv.String()
}

// escapeCsvField escapes CSV field if it contains special characters
func escapeCsvField(field string) string {
	if strings.ContainsAny(field, ",\"\n") {
		return fmt.Sprintf(`"%s"`, strings.ReplaceAll(field, `"`, `""`))
	}
	return field
}

// SetLimitsHandler stores quota overrides for a user
func (h *Handlers) SetLimitsHandler(c *gin.Context) {
	var req LimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return
	}
	userID := c.Param("userId")
	limits := quota.Limits{
		MaxConcurrent:    req.MaxConcurrent,
		JobsPerHour:      req.JobsPerHour,
		RunsPerBenchmark: req.RunsPerBenchmark,
	}
	if err := h.controller.SetUserLimits(c.Request.Context(), userID, limits); err != nil {
		h.respondError(c, err)
		return
	}
	effective, err := h.controller.Limits(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "limits": effective})
}

// DeleteUserHandler removes every trace of a user
func (h *Handlers) DeleteUserHandler(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.jobs.ForgetUser(c.Request.Context(), userID); err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.InfoWithContext(&logging.LogContext{UserID: userID, Operation: "delete_user"}, "user removed by %s", c.GetString(ContextUserID))
	c.Status(http.StatusNoContent)
}

// AlertHandler broadcasts a manual alert to connected administrators
func (h *Handlers) AlertHandler(c *gin.Context) {
	var req AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return
	}
	h.jobs.Alert(req.Level, req.Message, c.GetString(ContextUserID))
	c.JSON(http.StatusAccepted, gin.H{"message": "alert sent", "admins": h.hub.Stats().Admins})
}
