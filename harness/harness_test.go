package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LJN-sisi/feedback-agent/llm"
)

// fakeCaller returns scripted responses in order.
type fakeCaller struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeCaller) Call(_ context.Context, _ []llm.Message, _ llm.Options) (*llm.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return nil, fmt.Errorf("unexpected model call %d", i)
	}
	return &llm.Response{Content: f.responses[i]}, nil
}

// fakeRunner maps case names to results.
type fakeRunner struct {
	results map[string]CaseResult
}

func (f *fakeRunner) Run(_ context.Context, tc TestCase) CaseResult {
	if r, ok := f.results[tc.Name]; ok {
		return r
	}
	return CaseResult{Name: tc.Name, Status: CasePassed}
}

func TestGenerateCases(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []string{
		"Here are the tests:\n```json\n[{\"name\": \"loads\", \"steps\": [\"open page\"], \"expected\": \"renders\"}, {\"name\": \"clicks\"}, {\"name\": \"\"}]\n```",
	}}
	h := New(caller, &fakeRunner{})

	cases, err := h.GenerateCases(context.Background(), "made the button blue", "task-1", "fb-1")
	require.NoError(t, err)
	require.Len(t, cases, 2, "unnamed case is dropped")
	assert.Equal(t, "loads", cases[0].Name)
}

func TestGenerateCasesBadOutput(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []string{"I cannot produce tests right now."}}
	h := New(caller, &fakeRunner{})

	_, err := h.GenerateCases(context.Background(), "change", "task-1", "fb-1")
	require.Error(t, err)
}

func TestExecuteAggregates(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: map[string]CaseResult{
		"b": {Name: "b", Status: CaseFailed, Error: "button stayed red"},
	}}
	h := New(&fakeCaller{}, runner)

	report := h.Execute(context.Background(), []TestCase{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	assert.False(t, report.Passed)
	assert.Equal(t, 3, report.TestsRun)
	assert.Equal(t, 2, report.TestsPassed)
	assert.Equal(t, 1, report.TestsFailed)
	require.Len(t, report.Details, 3)
	assert.Equal(t, "button stayed red", report.Details[1].Error)
}

func TestExecuteEnvironmentFailureShortCircuits(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: map[string]CaseResult{
		"a": {Name: "a", Status: CaseFailed, Error: "test-environment-missing: no headless browser binary available"},
	}}
	h := New(&fakeCaller{}, runner)

	report := h.Execute(context.Background(), []TestCase{{Name: "a"}, {Name: "b"}})
	assert.False(t, report.Passed)
	assert.Zero(t, report.TestsRun)
	assert.True(t, IsEnvironmentError(report.Reason))
}

func TestGateEvaluate(t *testing.T) {
	t.Parallel()

	score := func(v float64) *float64 { return &v }

	tests := []struct {
		name   string
		gate   Gate
		report Report
		score  *float64
		want   bool
	}{
		{
			name:   "all pass enough cases",
			report: Report{Passed: true, TestsRun: 3, TestsPassed: 3},
			want:   true,
		},
		{
			name:   "failure blocks",
			report: Report{TestsRun: 3, TestsPassed: 2, TestsFailed: 1},
			want:   false,
		},
		{
			name:   "too few cases",
			report: Report{Passed: true, TestsRun: 2, TestsPassed: 2},
			want:   false,
		},
		{
			name:   "environment reason blocks",
			report: Report{Reason: "test-environment-missing: no browser"},
			want:   false,
		},
		{
			name:   "score threshold met",
			gate:   Gate{MinScore: 0.7},
			report: Report{Passed: true, TestsRun: 3, TestsPassed: 3},
			score:  score(0.85),
			want:   true,
		},
		{
			name:   "score threshold missed",
			gate:   Gate{MinScore: 0.7},
			report: Report{Passed: true, TestsRun: 3, TestsPassed: 3},
			score:  score(0.4),
			want:   false,
		},
		{
			name:   "threshold with no score blocks",
			gate:   Gate{MinScore: 0.7},
			report: Report{Passed: true, TestsRun: 3, TestsPassed: 3},
			want:   false,
		},
		{
			name:   "custom min cases",
			gate:   Gate{MinCases: 1},
			report: Report{Passed: true, TestsRun: 1, TestsPassed: 1},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := tt.gate.Evaluate(tt.report, tt.score)
			assert.Equal(t, tt.want, ok)
			if !tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestAssessParsesScore(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []string{`{"score": 0.9}`}}
	h := New(caller, &fakeRunner{})

	score, err := h.Assess(context.Background(), "change", Report{Passed: true, TestsRun: 3, TestsPassed: 3}, "task-1", "fb-1")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.InDelta(t, 0.9, *score, 0.001)
}

func TestAssessRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []string{`{"score": 7}`}}
	h := New(caller, &fakeRunner{})

	_, err := h.Assess(context.Background(), "change", Report{}, "task-1", "fb-1")
	require.Error(t, err)
}

func TestAssessPropagatesCallerError(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{errs: []error{fmt.Errorf("model down")}}
	h := New(caller, &fakeRunner{})

	_, err := h.Assess(context.Background(), "change", Report{}, "task-1", "fb-1")
	require.Error(t, err)
}

func TestChromeRunnerMissingBinary(t *testing.T) {
	t.Parallel()

	r := NewChromeRunner(ChromeRunnerConfig{
		BinaryPath:  "/nonexistent/chrome",
		TargetURL:   "http://localhost:3000",
		CaseTimeout: time.Second,
	}, nil)

	result := r.Run(context.Background(), TestCase{Name: "loads"})
	assert.Equal(t, CaseFailed, result.Status)
	assert.True(t, IsEnvironmentError(result.Error))
}
