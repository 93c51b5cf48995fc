package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LJN-sisi/feedback-agent/breaker"
	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/llm"
	"github.com/LJN-sisi/feedback-agent/stage"
	"github.com/LJN-sisi/feedback-agent/store"
)

// scriptedStage runs a function per call.
type scriptedStage struct {
	calls int
	fn    func(call int, in *stage.Input) *stage.Result
}

func (s *scriptedStage) Run(_ context.Context, in *stage.Input) *stage.Result {
	call := s.calls
	s.calls++
	return s.fn(call, in)
}

// fakeRestorer records restore calls.
type fakeRestorer struct {
	restored []string
}

func (f *fakeRestorer) Restore(id string) error {
	f.restored = append(f.restored, id)
	return nil
}

func okAnalyzer(feasibility stage.Feasibility) *scriptedStage {
	return &scriptedStage{fn: func(_ int, in *stage.Input) *stage.Result {
		in.Analysis = &stage.Analysis{Intent: stage.IntentAccuracy, Feasibility: feasibility, Summary: "summary"}
		return &stage.Result{Success: true, Stage: stage.NameAnalyze}
	}}
}

func okPlanner() *scriptedStage {
	return &scriptedStage{fn: func(_ int, in *stage.Input) *stage.Result {
		in.Plan = &stage.Plan{File: "src/translator.js", Action: stage.ActionReplace, CodeBlock: "code", Description: "fix translation"}
		return &stage.Result{Success: true, Stage: stage.NamePlan}
	}}
}

func okModifier() *scriptedStage {
	return &scriptedStage{fn: func(call int, in *stage.Input) *stage.Result {
		in.Modification = &stage.Modification{Branch: "feedback-x-1", File: in.Plan.File, CommitHash: "abc", LinesAdded: 3}
		in.SnapshotID = fmt.Sprintf("snap-%d", call)
		return &stage.Result{Success: true, Stage: stage.NameModify}
	}}
}

func okTester() *scriptedStage {
	return &scriptedStage{fn: func(_ int, _ *stage.Input) *stage.Result {
		return &stage.Result{Success: true, Stage: stage.NameTest}
	}}
}

func okPublisher() *scriptedStage {
	return &scriptedStage{fn: func(_ int, _ *stage.Input) *stage.Result {
		return &stage.Result{Success: true, Stage: stage.NamePublish, Data: map[string]any{
			"changelog": "fixed the translation",
			"pr":        map[string]any{"url": "stub://pulls/1", "number": 1, "branch": "feedback-x-1", "title": "fix"},
		}}
	}}
}

func newFeedbackStore(t *testing.T) (*store.Store, store.Feedback) {
	t.Helper()
	st, err := store.New(store.Options{Mode: store.ModeMemory})
	require.NoError(t, err)
	fb := store.Feedback{ID: "fb-1", Content: "the translation is wrong", CreatedAt: time.Now(), Status: store.FeedbackPending}
	require.NoError(t, st.CreateFeedback(fb))
	return st, fb
}

// collect drains a stream until its channel closes.
func collect(t *testing.T, stream *event.Stream) []event.Event {
	t.Helper()
	var events []event.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func kindsOf(events []event.Event) []event.Kind {
	kinds := make([]event.Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestRunHappyPath(t *testing.T) {
	st, fb := newFeedbackStore(t)
	o := New(st, Services{
		Analyzer:  okAnalyzer(stage.FeasibilityHigh),
		Planner:   okPlanner(),
		Modifier:  okModifier(),
		Tester:    okTester(),
		Publisher: okPublisher(),
	}, &fakeRestorer{})

	stream := event.NewStream("task-1", fb.ID, 0)
	go o.Run(context.Background(), fb, "task-1", stream)
	events := collect(t, stream)

	kinds := kindsOf(events)
	require.NotEmpty(t, kinds)
	assert.Equal(t, event.KindConnected, kinds[0])
	assert.Equal(t, event.KindDone, kinds[len(kinds)-1])
	assert.Equal(t, event.KindComplete, kinds[len(kinds)-2])

	// Exactly one terminal event before done.
	terminals := 0
	for _, k := range kinds {
		if k == event.KindComplete || k == event.KindError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	complete := events[len(events)-2].Data.(CompleteData)
	require.NotNil(t, complete.PR)
	assert.Equal(t, "stub://pulls/1", complete.PR.URL)

	task, ok := st.GetTask("task-1")
	require.True(t, ok)
	assert.Equal(t, store.TaskCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	got, ok := st.GetFeedback(fb.ID)
	require.True(t, ok)
	assert.Equal(t, store.FeedbackCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "stub://pulls/1", got.Result.PRURL)
}

func TestRunFeasibilityLowNeedsHuman(t *testing.T) {
	st, fb := newFeedbackStore(t)
	planner := okPlanner()
	o := New(st, Services{
		Analyzer:  okAnalyzer(stage.FeasibilityLow),
		Planner:   planner,
		Modifier:  okModifier(),
		Tester:    okTester(),
		Publisher: okPublisher(),
	}, &fakeRestorer{})

	stream := event.NewStream("task-1", fb.ID, 0)
	go o.Run(context.Background(), fb, "task-1", stream)
	events := collect(t, stream)

	assert.Zero(t, planner.calls, "pipeline stops before planning")

	complete := events[len(events)-2]
	require.Equal(t, event.KindComplete, complete.Kind)
	assert.True(t, complete.Data.(CompleteData).NeedsHuman)

	got, ok := st.GetFeedback(fb.ID)
	require.True(t, ok)
	assert.Equal(t, store.FeedbackNeedsHuman, got.Status)

	task, ok := st.GetTask("task-1")
	require.True(t, ok)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Empty(t, task.Stages, "no planner/modifier/tester stage rows")
}

func TestRunRetryThenExhaust(t *testing.T) {
	st, fb := newFeedbackStore(t)

	// Tester fails every round; the budget allows two retries.
	rounds := 0
	tester := &scriptedStage{fn: func(_ int, _ *stage.Input) *stage.Result {
		rounds++
		return &stage.Result{
			Stage:    stage.NameTest,
			Reason:   "1 of 3 cases failed",
			CanRetry: rounds <= 2,
		}
	}}
	planner := okPlanner()
	restorer := &fakeRestorer{}

	o := New(st, Services{
		Analyzer:  okAnalyzer(stage.FeasibilityHigh),
		Planner:   planner,
		Modifier:  okModifier(),
		Tester:    tester,
		Publisher: okPublisher(),
	}, restorer)

	stream := event.NewStream("task-1", fb.ID, 0)
	go o.Run(context.Background(), fb, "task-1", stream)
	events := collect(t, stream)

	// Two retries: planner runs 3 times. Each retry restores the snapshot
	// this task's own modifier took in the previous round.
	assert.Equal(t, 3, planner.calls)
	assert.Equal(t, []string{"snap-0", "snap-1"}, restorer.restored)

	errEvent := events[len(events)-2]
	require.Equal(t, event.KindError, errEvent.Kind)
	assert.Equal(t, KindQualityGateFailed, errEvent.Data.(event.ErrorData).Kind)

	got, ok := st.GetFeedback(fb.ID)
	require.True(t, ok)
	assert.Equal(t, store.FeedbackNeedsHuman, got.Status)

	task, ok := st.GetTask("task-1")
	require.True(t, ok)
	assert.Equal(t, store.TaskFailed, task.Status)
}

func TestRunPlannerExecutionsBoundedByRetryBudget(t *testing.T) {
	st, fb := newFeedbackStore(t)

	cfg := breaker.DefaultConfig()
	cfg.MaxRetries = 3
	b, err := breaker.New(cfg)
	require.NoError(t, err)

	// The tester consumes the real breaker's retry budget, mirroring the
	// wired pipeline.
	tester := &scriptedStage{fn: func(_ int, in *stage.Input) *stage.Result {
		return &stage.Result{
			Stage:    stage.NameTest,
			Reason:   "gate failed",
			CanRetry: b.IncrementRetry(in.TaskID),
		}
	}}
	planner := okPlanner()

	o := New(st, Services{
		Analyzer:  okAnalyzer(stage.FeasibilityHigh),
		Planner:   planner,
		Modifier:  okModifier(),
		Tester:    tester,
		Publisher: okPublisher(),
	}, &fakeRestorer{})

	stream := event.NewStream("task-1", fb.ID, 0)
	go o.Run(context.Background(), fb, "task-1", stream)
	collect(t, stream)

	assert.Equal(t, cfg.MaxRetries+1, planner.calls)
}

func TestRunBreakerBlockedAbortsFailed(t *testing.T) {
	st, fb := newFeedbackStore(t)
	planner := &scriptedStage{fn: func(_ int, _ *stage.Input) *stage.Result {
		return &stage.Result{Stage: stage.NamePlan, Err: &llm.BlockedError{
			Decision: breaker.Decision{Reason: store.BreakerDailyLimit, Message: "daily token budget exhausted"},
		}}
	}}

	o := New(st, Services{
		Analyzer:  okAnalyzer(stage.FeasibilityHigh),
		Planner:   planner,
		Modifier:  okModifier(),
		Tester:    okTester(),
		Publisher: okPublisher(),
	}, &fakeRestorer{})

	stream := event.NewStream("task-1", fb.ID, 0)
	go o.Run(context.Background(), fb, "task-1", stream)
	events := collect(t, stream)

	errEvent := events[len(events)-2]
	require.Equal(t, event.KindError, errEvent.Kind)
	data := errEvent.Data.(event.ErrorData)
	assert.Equal(t, KindBreakerBlocked, data.Kind)
	assert.Contains(t, data.Message, "daily-limit")

	task, ok := st.GetTask("task-1")
	require.True(t, ok)
	assert.Equal(t, store.TaskFailed, task.Status)
}

func TestRunTransientModelErrorAbortsFailed(t *testing.T) {
	st, fb := newFeedbackStore(t)
	analyzer := &scriptedStage{fn: func(_ int, _ *stage.Input) *stage.Result {
		return &stage.Result{Stage: stage.NameAnalyze, Err: llm.NewTransientError(context.DeadlineExceeded)}
	}}

	o := New(st, Services{Analyzer: analyzer, Planner: okPlanner(), Modifier: okModifier(), Tester: okTester(), Publisher: okPublisher()}, &fakeRestorer{})

	stream := event.NewStream("task-1", fb.ID, 0)
	go o.Run(context.Background(), fb, "task-1", stream)
	events := collect(t, stream)

	errEvent := events[len(events)-2]
	require.Equal(t, event.KindError, errEvent.Kind)
	assert.Equal(t, KindModelTransient, errEvent.Data.(event.ErrorData).Kind)

	got, ok := st.GetFeedback(fb.ID)
	require.True(t, ok)
	assert.Equal(t, store.FeedbackFailed, got.Status)
}

func TestRunCancellationAborts(t *testing.T) {
	st, fb := newFeedbackStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	planner := okPlanner()
	o := New(st, Services{
		Analyzer:  okAnalyzer(stage.FeasibilityHigh),
		Planner:   planner,
		Modifier:  okModifier(),
		Tester:    okTester(),
		Publisher: okPublisher(),
	}, &fakeRestorer{})

	stream := event.NewStream("task-1", fb.ID, 0)
	go o.Run(ctx, fb, "task-1", stream)
	events := collect(t, stream)

	errEvent := events[len(events)-2]
	require.Equal(t, event.KindError, errEvent.Kind)
	assert.Equal(t, KindCancelled, errEvent.Data.(event.ErrorData).Kind)

	task, ok := st.GetTask("task-1")
	require.True(t, ok)
	assert.Equal(t, store.TaskAborted, task.Status)
}

func TestRunSubscriberDisconnectDoesNotStopPipeline(t *testing.T) {
	st, fb := newFeedbackStore(t)
	o := New(st, Services{
		Analyzer:  okAnalyzer(stage.FeasibilityHigh),
		Planner:   okPlanner(),
		Modifier:  okModifier(),
		Tester:    okTester(),
		Publisher: okPublisher(),
	}, &fakeRestorer{})

	stream := event.NewStream("task-1", fb.ID, 0)
	stream.Close()

	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), fb, "task-1", stream)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline blocked on a closed stream")
	}

	task, ok := st.GetTask("task-1")
	require.True(t, ok)
	assert.Equal(t, store.TaskCompleted, task.Status)
}
