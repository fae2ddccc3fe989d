package server

import (
	"time"

	"llmbenchstudio/internal/aggregate"
	"llmbenchstudio/internal/quota"
	"llmbenchstudio/internal/scoring"
	"llmbenchstudio/internal/target"
)

// BenchmarkRequest represents the request payload for running benchmarks
type BenchmarkRequest struct {
	Targets        []string `json:"targets" binding:"required,min=1"`
	Prompt         string   `json:"prompt" binding:"required,min=1"`
	MaxTokens      int      `json:"maxTokens" binding:"omitempty,min=1,max=32768"`
	Temperature    *float32 `json:"temperature,omitempty"`
	ContextSizes   []int    `json:"contextSizes,omitempty"`
	Runs           int      `json:"runs" binding:"omitempty,min=1"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
	// Experiment names a series whose best score is tracked across jobs.
	Experiment string `json:"experiment,omitempty"`
}

// EvalRequest represents the request payload for a tool-calling evaluation
type EvalRequest struct {
	Targets        []string      `json:"targets" binding:"required,min=1"`
	Suite          scoring.Suite `json:"suite"`
	MaxTokens      int           `json:"maxTokens" binding:"omitempty,min=1,max=32768"`
	Temperature    *float32      `json:"temperature,omitempty"`
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty"`
	Experiment     string        `json:"experiment,omitempty"`
}

// JobResponse is returned when a job is admitted
type JobResponse struct {
	JobID   string `json:"jobId"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// JobView is a job as returned by the jobs endpoints: the ledger row plus
// live progress while the job runs on this instance.
type JobView struct {
	quota.Job
	Progress *ProgressUpdate `json:"progress,omitempty"`
	RecordID string          `json:"recordId,omitempty"`
}

// JobsResponse lists a user's jobs, newest first
type JobsResponse struct {
	Jobs  []JobView `json:"jobs"`
	Count int       `json:"count"`
}

// CancelResponse reports the jobs a cancel request applies to
type CancelResponse struct {
	Cancelled []string `json:"cancelled"`
	Message   string   `json:"message"`
}

// TargetInfo describes a configured target without its credential
type TargetInfo struct {
	Key             string   `json:"key"`
	Provider        string   `json:"provider"`
	ProviderName    string   `json:"providerName"`
	Model           string   `json:"model"`
	DisplayName     string   `json:"displayName"`
	ContextWindow   int      `json:"contextWindow,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	SkipParams      []string `json:"skipParams,omitempty"`
}

func targetInfo(t target.Target) TargetInfo {
	return TargetInfo{
		Key:             t.Key(),
		Provider:        t.Provider,
		ProviderName:    t.ProviderName,
		Model:           t.Model,
		DisplayName:     t.Label(),
		ContextWindow:   t.ContextWindow,
		MaxOutputTokens: t.MaxOutputTokens,
		SkipParams:      t.SkipParams,
	}
}

// TargetsResponse represents the response for target discovery
type TargetsResponse struct {
	Targets []TargetInfo `json:"targets"`
	Count   int          `json:"count"`
	Source  string       `json:"source,omitempty"`
}

// ProviderModelsResponse lists the models an endpoint advertises
type ProviderModelsResponse struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
	Count    int      `json:"count"`
}

// LeaderboardResponse wraps a ranked leaderboard
type LeaderboardResponse struct {
	Kind    string                       `json:"kind"`
	Since   time.Time                    `json:"since"`
	Entries []aggregate.LeaderboardEntry `json:"entries"`
}

// LimitsRequest sets per-user quota overrides; zero fields keep defaults
type LimitsRequest struct {
	MaxConcurrent    int `json:"maxConcurrent" binding:"min=0"`
	JobsPerHour      int `json:"jobsPerHour" binding:"min=0"`
	RunsPerBenchmark int `json:"runsPerBenchmark" binding:"min=0"`
}

// AlertRequest is a manual admin alert
type AlertRequest struct {
	Level   string `json:"level"`
	Message string `json:"message" binding:"required"`
}

// HealthResponse reports process health
type HealthResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	Targets    int       `json:"targets"`
	ActiveJobs int       `json:"activeJobs"`
	Push       HubStats  `json:"push"`
	Store      string    `json:"store"`
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
