// Package store provides the durable record log for the agent: feedback,
// task and stage rows, token-usage accounting, and breaker events. It is a
// facade over an in-memory map set, optionally persisted to a single JSON
// document on disk.
package store

import "time"

// FeedbackStatus tracks a feedback through its lifecycle.
type FeedbackStatus string

const (
	FeedbackPending    FeedbackStatus = "pending"
	FeedbackAnalyzing  FeedbackStatus = "analyzing"
	FeedbackGenerating FeedbackStatus = "generating"
	FeedbackModifying  FeedbackStatus = "modifying"
	FeedbackTesting    FeedbackStatus = "testing"
	FeedbackPublishing FeedbackStatus = "publishing"
	FeedbackCompleted  FeedbackStatus = "completed"
	FeedbackNeedsHuman FeedbackStatus = "needs-human"
	FeedbackFailed     FeedbackStatus = "failed"
)

// TerminalResult is the final outcome attached to a feedback.
type TerminalResult struct {
	NeedsHuman bool   `json:"needs_human,omitempty"`
	Message    string `json:"message,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// Feedback is one unit of user input.
type Feedback struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id,omitempty"`
	Content   string          `json:"content"`
	Language  string          `json:"language,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Status    FeedbackStatus  `json:"status"`
	Result    *TerminalResult `json:"result,omitempty"`
}

// TaskStatus tracks one pipeline run.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAborted   TaskStatus = "aborted"
)

// StageStatus tracks one step of a task.
type StageStatus string

const (
	StageStarted   StageStatus = "started"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage is one recorded step of a task. Data holds the stage's opaque
// output blob (analysis, plan, diff summary, test report).
type Stage struct {
	Name      string         `json:"name"`
	Status    StageStatus    `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Task is one end-to-end run of the pipeline for a feedback.
type Task struct {
	ID          string     `json:"id"`
	FeedbackID  string     `json:"feedback_id"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      TaskStatus `json:"status"`
	Stages      []Stage    `json:"stages,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TokenUsage records one external-model call, successful or not.
type TokenUsage struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id,omitempty"`
	FeedbackID       string    `json:"feedback_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CallType         string    `json:"call_type"`
	Timestamp        time.Time `json:"timestamp"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
}

// BreakerEventType classifies a non-allowed admission decision.
type BreakerEventType string

const (
	BreakerCircuitOpen      BreakerEventType = "circuit-open"
	BreakerDailyLimit       BreakerEventType = "daily-limit"
	BreakerTaskLimit        BreakerEventType = "task-limit"
	BreakerConcurrencyLimit BreakerEventType = "concurrency-limit"
	BreakerMaxRetries       BreakerEventType = "max-retries"
)

// UsageSnapshot captures the breaker's observed usage at decision time.
type UsageSnapshot struct {
	DailyTokensUsed    int64  `json:"daily_tokens_used"`
	MaxDailyTokens     int64  `json:"max_daily_tokens"`
	TaskTokensUsed     int64  `json:"task_tokens_used,omitempty"`
	MaxTaskTokens      int64  `json:"max_task_tokens"`
	ConcurrentTasks    int    `json:"concurrent_tasks"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
	CircuitState       string `json:"circuit_state"`
}

// BreakerEvent records one admission decision other than "allowed".
// Append-only apart from the resolved flag and note.
type BreakerEvent struct {
	ID         string           `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	Service    string           `json:"service"`
	Action     string           `json:"action"`
	Type       BreakerEventType `json:"type"`
	Usage      UsageSnapshot    `json:"usage"`
	TaskID     string           `json:"task_id,omitempty"`
	Resolved   bool             `json:"resolved"`
	Resolution string           `json:"resolution,omitempty"`
}
