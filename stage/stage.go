// Package stage implements the five pipeline services: analyze, plan,
// modify, test, publish. Services share one shape and do not know about
// each other; sequencing is the orchestrator's job. Every run writes a
// stage record to the store and emits a matching progress event.
package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/llm"
	"github.com/LJN-sisi/feedback-agent/store"
)

// Stage names as they appear in task records and events. They match the
// feedback status vocabulary so a stream consumer can mirror progress
// directly.
const (
	NameAnalyze = "analyzing"
	NamePlan    = "generating"
	NameModify  = "modifying"
	NameTest    = "testing"
	NamePublish = "publishing"
)

// Intent classifies what the feedback asks for.
type Intent string

const (
	IntentAccuracy Intent = "accuracy"
	IntentSpeed    Intent = "speed"
	IntentUI       Intent = "ui"
	IntentFunction Intent = "function"
	IntentLanguage Intent = "language"
	IntentOther    Intent = "other"
)

var validIntents = map[Intent]bool{
	IntentAccuracy: true,
	IntentSpeed:    true,
	IntentUI:       true,
	IntentFunction: true,
	IntentLanguage: true,
	IntentOther:    true,
}

// Feasibility estimates how tractable the change is. Low routes the
// feedback to a human.
type Feasibility string

const (
	FeasibilityHigh   Feasibility = "high"
	FeasibilityMedium Feasibility = "medium"
	FeasibilityLow    Feasibility = "low"
)

var validFeasibilities = map[Feasibility]bool{
	FeasibilityHigh:   true,
	FeasibilityMedium: true,
	FeasibilityLow:    true,
}

// Analysis is the analyzer's output.
type Analysis struct {
	Intent      Intent      `json:"intent"`
	Feasibility Feasibility `json:"feasibility"`
	Priority    string      `json:"priority,omitempty"`
	Impact      string      `json:"impact,omitempty"`
	Summary     string      `json:"summary,omitempty"`
}

// PlanAction is the kind of edit the planner proposes.
type PlanAction string

const (
	ActionReplace PlanAction = "replace"
	ActionInsert  PlanAction = "insert"
	ActionDelete  PlanAction = "delete"
)

var validActions = map[PlanAction]bool{
	ActionReplace: true,
	ActionInsert:  true,
	ActionDelete:  true,
}

// Plan is the planner's output: one concrete edit.
type Plan struct {
	File        string     `json:"file"`
	Action      PlanAction `json:"action"`
	CodeBlock   string     `json:"codeBlock"`
	Description string     `json:"description,omitempty"`
}

// Modification is the modifier's output.
type Modification struct {
	Branch     string `json:"branch"`
	File       string `json:"file"`
	CommitHash string `json:"commitHash"`
	LinesAdded int    `json:"linesAdded"`
}

// PRRecord is the opaque pull-request record the publisher returns. The
// hosting call behind it is an interface; the default implementation is a
// local stub whose URLs carry a stub:// scheme.
type PRRecord struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
	Branch string `json:"branch"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Publication is the publisher's output.
type Publication struct {
	Changelog string   `json:"changelog"`
	PR        PRRecord `json:"pr"`
}

// Input carries everything a service may need. Upstream outputs are nil
// until the producing stage has run.
type Input struct {
	TaskID     string
	FeedbackID string
	Content    string
	UserID     string
	Language   string

	// Retry is the current retry round, 0 on the first pass.
	Retry int

	// LastFailure carries the previous round's gate reason so the planner
	// can steer away from it.
	LastFailure string

	Analysis     *Analysis
	Plan         *Plan
	Modification *Modification

	// SnapshotID is the pre-modification snapshot taken by this task's
	// latest modify round. A retry restores it, never another task's.
	SnapshotID string

	// Events receives this run's progress. When set it overrides the
	// service's default emitter; the orchestrator points it at the task's
	// stream.
	Events Emitter
}

// Result is a service outcome.
type Result struct {
	Success bool
	Stage   string

	// Data is the stage's output blob, also written to the stage record.
	Data map[string]any

	// Reason explains a non-error failure (e.g. the quality gate).
	Reason string

	// CanRetry is set by the tester when the retry budget permits another
	// round.
	CanRetry bool

	// Err is set for hard failures; the orchestrator classifies it.
	Err error
}

// Service is one pipeline stage.
type Service interface {
	Run(ctx context.Context, in *Input) *Result
}

// Caller is the model surface stages use. *llm.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error)
}

// Emitter receives progress events. *event.Stream satisfies it.
type Emitter interface {
	Publish(kind event.Kind, data any)
}

// Recorder persists stage records. *store.Store satisfies it.
type Recorder interface {
	AppendStage(taskID string, st store.Stage) error
}

// base carries the bookkeeping every service shares.
type base struct {
	name     string
	events   Emitter
	recorder Recorder
	logger   *slog.Logger
}

func newBase(name string, events Emitter, recorder Recorder, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{name: name, events: events, recorder: recorder, logger: logger}
}

// begin records and announces the stage start.
func (b *base) begin(in *Input) time.Time {
	started := time.Now()
	if b.recorder != nil {
		_ = b.recorder.AppendStage(in.TaskID, store.Stage{
			Name:      b.name,
			Status:    store.StageStarted,
			StartedAt: started,
		})
	}
	b.emit(in, event.KindStage, event.StageData{Stage: b.name, Status: string(store.StageStarted)})
	return started
}

// finish records and announces the stage end.
func (b *base) finish(in *Input, started time.Time, status store.StageStatus, data map[string]any) {
	if b.recorder != nil {
		_ = b.recorder.AppendStage(in.TaskID, store.Stage{
			Name:      b.name,
			Status:    status,
			StartedAt: started,
			EndedAt:   time.Now(),
			Data:      data,
		})
	}
	b.emit(in, event.KindStage, event.StageData{Stage: b.name, Status: string(status)})
}

// emit publishes one progress event for this task.
func (b *base) emit(in *Input, kind event.Kind, data any) {
	if in.Events != nil {
		in.Events.Publish(kind, data)
		return
	}
	if b.events != nil {
		b.events.Publish(kind, data)
	}
}

// fail builds a hard-failure result.
func (b *base) fail(err error) *Result {
	return &Result{Stage: b.name, Err: err}
}
