// Package event defines the typed progress events a pipeline run emits and
// the per-task stream that delivers them to a single subscriber.
package event

import (
	"time"
)

// Kind identifies the type of a progress event.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindStage        Kind = "stage"
	KindIntent       Kind = "intent"
	KindCodeChunk    Kind = "code_chunk"
	KindSuggestion   Kind = "suggestion"
	KindTestProgress Kind = "test_progress"
	KindTestResult   Kind = "test_result"
	KindPR           Kind = "pr"
	KindComplete     Kind = "complete"
	KindError        Kind = "error"
	KindDone         Kind = "done"
)

// droppable reports whether an event of this kind may be evicted when the
// stream buffer is full. Only bulk payload chunks are sacrificial; every
// lifecycle event must reach the subscriber.
func (k Kind) droppable() bool {
	return k == KindCodeChunk
}

// Event is one item on a task's progress stream.
type Event struct {
	Kind       Kind      `json:"event"`
	TaskID     string    `json:"task_id,omitempty"`
	FeedbackID string    `json:"feedback_id,omitempty"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"ts"`
	Data       any       `json:"data,omitempty"`
}

// ErrorData is the payload of a KindError event.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StageData is the payload of a KindStage event.
type StageData struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
}
