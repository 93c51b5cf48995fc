package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/harness"
	"github.com/LJN-sisi/feedback-agent/store"
)

// Verifier is the harness surface the tester needs. *harness.Harness
// satisfies it.
type Verifier interface {
	GenerateCases(ctx context.Context, changeSummary, taskID, feedbackID string) ([]harness.TestCase, error)
	Execute(ctx context.Context, cases []harness.TestCase) harness.Report
	Assess(ctx context.Context, changeSummary string, report harness.Report, taskID, feedbackID string) (*float64, error)
	Gate() harness.Gate
}

// Retrier tracks the per-task retry budget. *breaker.Breaker satisfies it.
type Retrier interface {
	IncrementRetry(taskID string) bool
}

// Tester verifies the applied change and decides whether a failed round
// may retry.
type Tester struct {
	base
	verifier Verifier
	retrier  Retrier
}

// NewTester creates the test stage.
func NewTester(verifier Verifier, retrier Retrier, events Emitter, recorder Recorder, logger *slog.Logger) *Tester {
	return &Tester{
		base:     newBase(NameTest, events, recorder, logger),
		verifier: verifier,
		retrier:  retrier,
	}
}

// Run generates cases, executes them, and applies the quality gate. A gate
// failure consumes one retry from the task's budget.
func (t *Tester) Run(ctx context.Context, in *Input) *Result {
	started := t.begin(in)

	if in.Plan == nil || in.Modification == nil {
		t.finish(in, started, store.StageFailed, map[string]any{"error": "no applied modification to test"})
		return t.fail(fmt.Errorf("tester requires an applied modification"))
	}

	summary := fmt.Sprintf("%s (%s %s on branch %s)",
		in.Plan.Description, in.Plan.Action, in.Plan.File, in.Modification.Branch)

	cases, err := t.verifier.GenerateCases(ctx, summary, in.TaskID, in.FeedbackID)
	if err != nil {
		t.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return t.fail(fmt.Errorf("generate test cases: %w", err))
	}
	t.emit(in, event.KindTestProgress, map[string]any{"phase": "generated", "cases": len(cases)})

	report := t.verifier.Execute(ctx, cases)
	for _, detail := range report.Details {
		t.emit(in, event.KindTestProgress, detail)
	}

	var score *float64
	if t.verifier.Gate().MinScore > 0 {
		score, err = t.verifier.Assess(ctx, summary, report, in.TaskID, in.FeedbackID)
		if err != nil {
			// Assessment is advisory; the gate treats a missing score as
			// failing the threshold.
			t.logger.Warn("Change assessment failed", "task_id", in.TaskID, "error", err)
			score = nil
		}
	}

	passed, reason := t.verifier.Gate().Evaluate(report, score)
	t.emit(in, event.KindTestResult, map[string]any{
		"passed":      passed,
		"testsRun":    report.TestsRun,
		"testsPassed": report.TestsPassed,
		"testsFailed": report.TestsFailed,
		"reason":      reason,
	})

	data := map[string]any{
		"passed":      passed,
		"testsRun":    report.TestsRun,
		"testsPassed": report.TestsPassed,
		"testsFailed": report.TestsFailed,
	}

	if passed {
		t.finish(in, started, store.StageCompleted, data)
		return &Result{Success: true, Stage: t.name, Data: data}
	}

	canRetry := t.retrier.IncrementRetry(in.TaskID)
	data["canRetry"] = canRetry
	data["reason"] = reason
	t.finish(in, started, store.StageFailed, data)
	return &Result{
		Stage:    t.name,
		Data:     data,
		Reason:   reason,
		CanRetry: canRetry,
	}
}
