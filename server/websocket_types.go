package server

import (
	"encoding/json"
	"time"

	"llmbenchstudio/internal/aggregate"
	"llmbenchstudio/internal/engine"
	"llmbenchstudio/internal/scoring"
	"llmbenchstudio/internal/store"
)

// Push message types
const (
	MessageTypeProgress        = "job_progress"
	MessageTypeStatus          = "job_status"
	MessageTypeBenchmarkResult = "benchmark_result"
	MessageTypeEvalResult      = "eval_result"
	MessageTypeComplete        = "job_complete"
	MessageTypeFailed          = "job_failed"
	MessageTypeCancelled       = "job_cancelled"
	MessageTypeNewBestScore    = "new_best_score"
	MessageTypeSystemAlert     = "system_alert"
	MessageTypePing            = "ping"
	MessageTypePong            = "pong"
)

// Message is the envelope of every push to a client
type Message struct {
	Type      string      `json:"type"`
	JobID     string      `json:"jobId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ProgressUpdate represents job progress information
type ProgressUpdate struct {
	JobID                  string  `json:"jobId"`
	Status                 string  `json:"status"`
	Completed              int     `json:"completed"`
	Total                  int     `json:"total"`
	Progress               float64 `json:"progress"` // 0-100
	ElapsedTime            float64 `json:"elapsedTime"`
	EstimatedTimeRemaining float64 `json:"estimatedTimeRemaining"`
	CurrentStep            string  `json:"currentStep,omitempty"`
}

// StatusUpdate represents job status information
type StatusUpdate struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BenchmarkResultUpdate carries one finished call of a benchmark
type BenchmarkResultUpdate struct {
	Result   engine.RunResult `json:"result"`
	Progress engine.Progress  `json:"progress"`
}

// EvalResultUpdate carries one scored case of an eval
type EvalResultUpdate struct {
	Result   scoring.EvalResult `json:"result"`
	Progress engine.Progress    `json:"progress"`
}

// CompletionMessage represents job completion information
type CompletionMessage struct {
	JobID      string                       `json:"jobId"`
	Status     string                       `json:"status"`
	RecordID   string                       `json:"recordId,omitempty"`
	Aggregated []aggregate.AggregatedResult `json:"aggregated,omitempty"`
	Summaries  []scoring.ModelSummary       `json:"summaries,omitempty"`
	Ran        int                          `json:"ran"`
	Skipped    int                          `json:"skipped"`
	Duration   float64                      `json:"duration"` // seconds
	Completed  time.Time                    `json:"completed"`
}

// ErrorMessage represents error information
type ErrorMessage struct {
	JobID   string `json:"jobId"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// CancellationMessage reports which work ran before a job was cancelled
type CancellationMessage struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Ran       int       `json:"ran"`
	Skipped   int       `json:"skipped"`
	Cancelled time.Time `json:"cancelled"`
}

// SystemAlert is pushed to every connected administrator
type SystemAlert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// NewMessage wraps data in a timestamped envelope
func NewMessage(msgType, jobID string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		JobID:     jobID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewProgressMessage creates a progress update message
func NewProgressMessage(jobID string, progress ProgressUpdate) *Message {
	return NewMessage(MessageTypeProgress, jobID, progress)
}

// NewStatusMessage creates a status update message
func NewStatusMessage(jobID string, status StatusUpdate) *Message {
	return NewMessage(MessageTypeStatus, jobID, status)
}

// NewCompletionMessage creates a completion message
func NewCompletionMessage(jobID string, completion CompletionMessage) *Message {
	return NewMessage(MessageTypeComplete, jobID, completion)
}

// NewErrorMessage creates a job failure message
func NewErrorMessage(jobID string, e ErrorMessage) *Message {
	return NewMessage(MessageTypeFailed, jobID, e)
}

// NewCancellationMessage creates a cancellation message
func NewCancellationMessage(jobID string, cancellation CancellationMessage) *Message {
	return NewMessage(MessageTypeCancelled, jobID, cancellation)
}

// NewBestScoreMessage announces a new experiment record
func NewBestScoreMessage(jobID string, best store.BestScore) *Message {
	return NewMessage(MessageTypeNewBestScore, jobID, best)
}

// NewSystemAlertMessage creates an admin alert
func NewSystemAlertMessage(alert SystemAlert) *Message {
	return NewMessage(MessageTypeSystemAlert, "", alert)
}

// ToJSON converts a message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON decodes a message from JSON bytes
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
