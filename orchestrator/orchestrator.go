// Package orchestrator sequences the five pipeline stages for one
// feedback: a fixed linear flow with a single back-edge from a failed test
// round to the planner. Every exit path writes the feedback's terminal
// status and closes the event stream with complete or error followed by
// done.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/llm"
	"github.com/LJN-sisi/feedback-agent/stage"
	"github.com/LJN-sisi/feedback-agent/store"
)

// Error kinds carried on terminal error events.
const (
	KindBreakerBlocked    = "breaker-blocked"
	KindModelTransient    = "model-transient"
	KindWorkspaceError    = "workspace-error"
	KindQualityGateFailed = "quality-gate-failed"
	KindCancelled         = "cancelled"
	KindInternal          = "internal"
)

// CompleteData is the payload of the terminal complete event.
type CompleteData struct {
	FeedbackID string          `json:"feedbackId"`
	TaskID     string          `json:"taskId"`
	NeedsHuman bool            `json:"needsHuman,omitempty"`
	PR         *stage.PRRecord `json:"pr,omitempty"`
	Changelog  string          `json:"changelog,omitempty"`
}

// Restorer rolls the working tree back to a pre-modification snapshot.
// *workspace.Workspace satisfies it.
type Restorer interface {
	Restore(id string) error
}

// Services bundles the five stages.
type Services struct {
	Analyzer  stage.Service
	Planner   stage.Service
	Modifier  stage.Service
	Tester    stage.Service
	Publisher stage.Service
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator drives pipelines. One instance serves all tasks; each Run
// call is one task.
type Orchestrator struct {
	store    *store.Store
	services Services
	restorer Restorer
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(st *store.Store, services Services, restorer Restorer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		services: services,
		restorer: restorer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the pipeline for one feedback, publishing progress to the
// stream. It always runs to a terminal state; the subscriber may stop
// consuming at any point without affecting the pipeline.
func (o *Orchestrator) Run(ctx context.Context, fb store.Feedback, taskID string, stream *event.Stream) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	now := time.Now()

	if err := o.store.CreateTask(store.Task{
		ID:         taskID,
		FeedbackID: fb.ID,
		CreatedAt:  now,
		Status:     store.TaskRunning,
	}); err != nil {
		o.logger.Error("Failed to create task", "feedback_id", fb.ID, "error", err)
		stream.Publish(event.KindError, event.ErrorData{Kind: KindInternal, Message: err.Error()})
		stream.Publish(event.KindDone, nil)
		return
	}

	in := &stage.Input{
		TaskID:     taskID,
		FeedbackID: fb.ID,
		Content:    fb.Content,
		UserID:     fb.UserID,
		Language:   fb.Language,
		Events:     stream,
	}

	stream.Publish(event.KindConnected, map[string]any{"taskId": taskID, "feedbackId": fb.ID})

	o.logger.Info("Pipeline started", "task_id", taskID, "feedback_id", fb.ID)

	// Analyze.
	o.setFeedbackStatus(fb.ID, store.FeedbackAnalyzing)
	result := o.runStage(ctx, o.services.Analyzer, in)
	if result.Err != nil {
		o.terminate(in, stream, store.TaskFailed, o.classify(result, stage.NameAnalyze))
		return
	}
	if in.Analysis.Feasibility == stage.FeasibilityLow {
		o.logger.Info("Feedback needs a human", "task_id", taskID, "summary", in.Analysis.Summary)
		o.completeNeedsHuman(in, stream)
		return
	}

	// Plan, modify, test; the tester's retry budget bounds the loop.
	var publication *stage.Publication
	for {
		// A retry restores the snapshot this task's modifier took, not
		// whatever a concurrent task captured since.
		if in.Retry > 0 && in.SnapshotID != "" {
			if err := o.restorer.Restore(in.SnapshotID); err != nil {
				o.terminate(in, stream, store.TaskFailed, terminalError{KindWorkspaceError, fmt.Sprintf("restore snapshot: %v", err)})
				return
			}
		}

		o.setFeedbackStatus(fb.ID, store.FeedbackGenerating)
		result = o.runStage(ctx, o.services.Planner, in)
		if result.Err != nil {
			o.terminate(in, stream, store.TaskFailed, o.classify(result, stage.NamePlan))
			return
		}

		o.setFeedbackStatus(fb.ID, store.FeedbackModifying)
		result = o.runStage(ctx, o.services.Modifier, in)
		if result.Err != nil {
			o.terminate(in, stream, store.TaskFailed, o.classify(result, stage.NameModify))
			return
		}

		o.setFeedbackStatus(fb.ID, store.FeedbackTesting)
		result = o.runStage(ctx, o.services.Tester, in)
		if result.Err != nil {
			o.terminate(in, stream, store.TaskFailed, o.classify(result, stage.NameTest))
			return
		}
		if result.Success {
			break
		}
		if !result.CanRetry {
			o.logger.Info("Retry budget exhausted", "task_id", taskID, "reason", result.Reason)
			o.terminateNeedsHuman(in, stream, terminalError{KindQualityGateFailed, result.Reason})
			return
		}

		in.Retry++
		in.LastFailure = result.Reason
		o.logger.Info("Test round failed, retrying", "task_id", taskID, "round", in.Retry, "reason", result.Reason)
	}

	// Publish.
	o.setFeedbackStatus(fb.ID, store.FeedbackPublishing)
	result = o.runStage(ctx, o.services.Publisher, in)
	if result.Err != nil {
		o.terminate(in, stream, store.TaskFailed, o.classify(result, stage.NamePublish))
		return
	}
	publication = publicationFromData(result.Data)

	o.complete(in, stream, publication)
}

// terminalError pairs an error kind with its message.
type terminalError struct {
	kind    string
	message string
}

// runStage executes one stage, short-circuiting on a cancelled context so
// shutdown unwinds without extra model calls.
func (o *Orchestrator) runStage(ctx context.Context, svc stage.Service, in *stage.Input) *stage.Result {
	if err := ctx.Err(); err != nil {
		return &stage.Result{Err: err}
	}
	return svc.Run(ctx, in)
}

// classify maps a stage's hard error to a terminal error kind.
func (o *Orchestrator) classify(result *stage.Result, stageName string) terminalError {
	err := result.Err
	switch {
	// Shutdown cancellation; a per-call deadline is a transient model
	// failure, not a cancel.
	case errors.Is(err, context.Canceled):
		return terminalError{KindCancelled, err.Error()}
	case llm.IsBlocked(err):
		blocked, _ := llm.AsBlocked(err)
		return terminalError{KindBreakerBlocked,
			fmt.Sprintf("blocked by circuit breaker: %s (%s)", blocked.Decision.Message, blocked.Decision.Reason)}
	case llm.IsTransient(err):
		return terminalError{KindModelTransient, err.Error()}
	case stageName == stage.NameModify:
		return terminalError{KindWorkspaceError, err.Error()}
	default:
		return terminalError{KindInternal, err.Error()}
	}
}

// complete finishes a successful pipeline.
func (o *Orchestrator) complete(in *stage.Input, stream *event.Stream, pub *stage.Publication) {
	data := CompleteData{FeedbackID: in.FeedbackID, TaskID: in.TaskID}
	result := &store.TerminalResult{}
	if pub != nil {
		data.PR = &pub.PR
		data.Changelog = pub.Changelog
		result.PRURL = pub.PR.URL
		result.Message = pub.Changelog
	}

	o.finishTask(in.TaskID, store.TaskCompleted, "")
	o.finishFeedback(in.FeedbackID, store.FeedbackCompleted, result)

	stream.Publish(event.KindComplete, data)
	stream.Publish(event.KindDone, nil)
	o.logger.Info("Pipeline completed", "task_id", in.TaskID, "feedback_id", in.FeedbackID)
}

// completeNeedsHuman finishes a feedback the analyzer routed to a human.
// The pipeline did nothing wrong, so the task completes and the terminal
// event is complete with needsHuman set.
func (o *Orchestrator) completeNeedsHuman(in *stage.Input, stream *event.Stream) {
	o.finishTask(in.TaskID, store.TaskCompleted, "")
	o.finishFeedback(in.FeedbackID, store.FeedbackNeedsHuman, &store.TerminalResult{
		NeedsHuman: true,
		Message:    "feasibility low, routed to a human",
	})

	stream.Publish(event.KindComplete, CompleteData{FeedbackID: in.FeedbackID, TaskID: in.TaskID, NeedsHuman: true})
	stream.Publish(event.KindDone, nil)
}

// terminateNeedsHuman finishes an exhausted retry loop: the task failed
// the gate but the feedback waits for a human rather than being dropped.
func (o *Orchestrator) terminateNeedsHuman(in *stage.Input, stream *event.Stream, terr terminalError) {
	o.finishTask(in.TaskID, store.TaskFailed, terr.message)
	o.finishFeedback(in.FeedbackID, store.FeedbackNeedsHuman, &store.TerminalResult{
		NeedsHuman: true,
		ErrorKind:  terr.kind,
		Message:    terr.message,
	})

	stream.Publish(event.KindError, event.ErrorData{Kind: terr.kind, Message: terr.message})
	stream.Publish(event.KindDone, nil)
}

// terminate finishes a failed or aborted pipeline.
func (o *Orchestrator) terminate(in *stage.Input, stream *event.Stream, taskStatus store.TaskStatus, terr terminalError) {
	if terr.kind == KindCancelled {
		taskStatus = store.TaskAborted
	}
	o.finishTask(in.TaskID, taskStatus, terr.message)
	o.finishFeedback(in.FeedbackID, store.FeedbackFailed, &store.TerminalResult{
		ErrorKind: terr.kind,
		Message:   terr.message,
	})

	stream.Publish(event.KindError, event.ErrorData{Kind: terr.kind, Message: terr.message})
	stream.Publish(event.KindDone, nil)
	o.logger.Warn("Pipeline terminated", "task_id", in.TaskID, "kind", terr.kind, "error", terr.message)
}

// setFeedbackStatus advances the feedback's live status.
func (o *Orchestrator) setFeedbackStatus(id string, status store.FeedbackStatus) {
	_ = o.store.UpdateFeedback(id, func(f *store.Feedback) {
		f.Status = status
	})
}

// finishFeedback writes the terminal feedback state and forces a flush in
// file mode.
func (o *Orchestrator) finishFeedback(id string, status store.FeedbackStatus, result *store.TerminalResult) {
	_ = o.store.UpdateFeedback(id, func(f *store.Feedback) {
		f.Status = status
		f.Result = result
	})
	if err := o.store.FlushNow(); err != nil {
		o.logger.Warn("Flush after terminal transition failed", "error", err)
	}
}

// finishTask writes the terminal task state.
func (o *Orchestrator) finishTask(id string, status store.TaskStatus, errMsg string) {
	now := time.Now()
	_ = o.store.UpdateTask(id, func(t *store.Task) {
		t.Status = status
		t.CompletedAt = &now
		t.Error = errMsg
	})
}

// publicationFromData rebuilds the publisher's output from its stage data
// blob.
func publicationFromData(data map[string]any) *stage.Publication {
	if data == nil {
		return nil
	}
	pub := &stage.Publication{}
	if changelog, ok := data["changelog"].(string); ok {
		pub.Changelog = changelog
	}
	if pr, ok := data["pr"].(map[string]any); ok {
		if v, ok := pr["url"].(string); ok {
			pub.PR.URL = v
		}
		if v, ok := pr["number"].(int); ok {
			pub.PR.Number = v
		}
		if v, ok := pr["branch"].(string); ok {
			pub.PR.Branch = v
		}
		if v, ok := pr["title"].(string); ok {
			pub.PR.Title = v
		}
	}
	return pub
}
