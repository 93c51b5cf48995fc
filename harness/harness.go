// Package harness verifies an applied code change: a model synthesizes
// test-case descriptors from the plan, a Runner executes them against a
// headless browser, and a quality gate decides whether the change ships.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/LJN-sisi/feedback-agent/llm"
	"github.com/LJN-sisi/feedback-agent/model"
)

// DefaultMinCases is the gate's minimum number of executed cases.
const DefaultMinCases = 3

// Caller is the model surface the harness needs. *llm.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error)
}

// TestCase is one synthesized browser check.
type TestCase struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	Expected    string   `json:"expected,omitempty"`
}

// CaseStatus is the outcome of one executed case.
type CaseStatus string

const (
	CasePassed CaseStatus = "passed"
	CaseFailed CaseStatus = "failed"
)

// CaseResult is the per-case execution record.
type CaseResult struct {
	Name   string     `json:"name"`
	Status CaseStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Report aggregates a test run.
type Report struct {
	Passed      bool         `json:"passed"`
	TestsRun    int          `json:"testsRun"`
	TestsPassed int          `json:"testsPassed"`
	TestsFailed int          `json:"testsFailed"`
	Details     []CaseResult `json:"details"`

	// Reason is set when the run could not execute at all, e.g. the
	// browser binary is missing.
	Reason string `json:"reason,omitempty"`
}

// Gate is the configurable quality bar.
type Gate struct {
	// MinCases is the minimum number of executed cases; 0 uses
	// DefaultMinCases.
	MinCases int

	// MinScore, when > 0, additionally requires the model-assessed score
	// to reach this threshold (0..1).
	MinScore float64
}

// Evaluate applies the gate. score is nil when no assessment ran.
func (g Gate) Evaluate(r Report, score *float64) (bool, string) {
	minCases := g.MinCases
	if minCases <= 0 {
		minCases = DefaultMinCases
	}

	switch {
	case r.Reason != "":
		return false, r.Reason
	case r.TestsFailed > 0 || r.TestsPassed != r.TestsRun:
		return false, fmt.Sprintf("%d of %d cases failed", r.TestsFailed, r.TestsRun)
	case r.TestsRun < minCases:
		return false, fmt.Sprintf("only %d cases ran, need at least %d", r.TestsRun, minCases)
	case g.MinScore > 0 && (score == nil || *score < g.MinScore):
		got := 0.0
		if score != nil {
			got = *score
		}
		return false, fmt.Sprintf("assessed score %.2f below threshold %.2f", got, g.MinScore)
	}
	return true, ""
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithGate sets the quality gate.
func WithGate(g Gate) Option {
	return func(h *Harness) { h.gate = g }
}

// Harness orchestrates generation, execution, and gating.
type Harness struct {
	caller Caller
	runner Runner
	gate   Gate
	logger *slog.Logger
}

// New creates a harness over a model caller and a case runner.
func New(caller Caller, runner Runner, opts ...Option) *Harness {
	h := &Harness{
		caller: caller,
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GenerateCases asks the model for test-case descriptors covering the
// applied change.
func (h *Harness) GenerateCases(ctx context.Context, changeSummary, taskID, feedbackID string) ([]TestCase, error) {
	resp, err := h.caller.Call(ctx, []llm.Message{
		{Role: "system", Content: testGenSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(testGenUserPrompt, changeSummary)},
	}, llm.Options{
		Capability: model.CapabilityTestgen,
		TaskID:     taskID,
		FeedbackID: feedbackID,
	})
	if err != nil {
		return nil, fmt.Errorf("generate test cases: %w", err)
	}

	raw := llm.ExtractJSONArray(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("no test-case array in model output")
	}

	var cases []TestCase
	if err := json.Unmarshal([]byte(raw), &cases); err != nil {
		return nil, fmt.Errorf("parse test cases: %w", err)
	}

	valid := cases[:0]
	for _, tc := range cases {
		if strings.TrimSpace(tc.Name) != "" {
			valid = append(valid, tc)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("model produced no usable test cases")
	}
	return valid, nil
}

// Execute runs every case through the runner and aggregates the report. A
// runner environment failure short-circuits with a structured reason
// instead of per-case errors.
func (h *Harness) Execute(ctx context.Context, cases []TestCase) Report {
	report := Report{Details: make([]CaseResult, 0, len(cases))}

	for _, tc := range cases {
		result := h.runner.Run(ctx, tc)
		if result.Status == CaseFailed && IsEnvironmentError(result.Error) {
			return Report{Reason: result.Error}
		}

		report.TestsRun++
		report.Details = append(report.Details, result)
		if result.Status == CasePassed {
			report.TestsPassed++
		} else {
			report.TestsFailed++
			h.logger.Debug("Test case failed", "case", tc.Name, "error", result.Error)
		}
	}

	report.Passed = report.TestsRun > 0 && report.TestsFailed == 0
	return report
}

// Assess asks the model to score the change quality (0..1) given the test
// report. An assessment failure is non-fatal: the gate treats a missing
// score as zero only when a threshold is configured.
func (h *Harness) Assess(ctx context.Context, changeSummary string, report Report, taskID, feedbackID string) (*float64, error) {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}

	resp, err := h.caller.Call(ctx, []llm.Message{
		{Role: "system", Content: assessSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(assessUserPrompt, changeSummary, string(reportJSON))},
	}, llm.Options{
		Capability: model.CapabilityAssess,
		TaskID:     taskID,
		FeedbackID: feedbackID,
	})
	if err != nil {
		return nil, fmt.Errorf("assess change: %w", err)
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("no assessment object in model output")
	}

	var assessment struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(raw), &assessment); err != nil {
		return nil, fmt.Errorf("parse assessment: %w", err)
	}
	if assessment.Score < 0 || assessment.Score > 1 {
		return nil, fmt.Errorf("assessment score %f out of range", assessment.Score)
	}
	return &assessment.Score, nil
}

// Gate returns the configured quality gate.
func (h *Harness) Gate() Gate {
	return h.gate
}

const testGenSystemPrompt = `You are a QA engineer writing browser smoke tests.
Given a summary of a code change to a web application, produce a JSON array
of test cases. Each case has: "name" (short identifier), "description",
"steps" (array of user actions), and "expected" (observable outcome).
Produce at least 3 cases. Respond with only the JSON array.`

const testGenUserPrompt = `Code change summary:

%s

Produce the test cases.`

const assessSystemPrompt = `You are reviewing a code change against its test
results. Respond with a JSON object: {"score": <0..1>} where 1.0 means the
change fully addresses the feedback with all tests passing.`

const assessUserPrompt = `Change summary:

%s

Test report:

%s`
