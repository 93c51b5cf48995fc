package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/llm"
	"github.com/LJN-sisi/feedback-agent/model"
	"github.com/LJN-sisi/feedback-agent/store"
)

// Analyzer classifies the feedback: what it asks for and whether the
// pipeline can act on it.
type Analyzer struct {
	base
	caller Caller
}

// NewAnalyzer creates the analyze stage.
func NewAnalyzer(caller Caller, events Emitter, recorder Recorder, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		base:   newBase(NameAnalyze, events, recorder, logger),
		caller: caller,
	}
}

// Run derives intent, feasibility, priority, impact, and a summary from
// the raw feedback text.
func (a *Analyzer) Run(ctx context.Context, in *Input) *Result {
	started := a.begin(in)

	resp, err := a.caller.Call(ctx, []llm.Message{
		{Role: "system", Content: analyzeSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(analyzeUserPrompt, in.Content, in.Language)},
	}, llm.Options{
		Capability: model.CapabilityAnalysis,
		TaskID:     in.TaskID,
		FeedbackID: in.FeedbackID,
	})
	if err != nil {
		a.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return a.fail(fmt.Errorf("analyze feedback: %w", err))
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		a.finish(in, started, store.StageFailed, map[string]any{"error": "no analysis object in model output"})
		return a.fail(fmt.Errorf("no analysis object in model output"))
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		a.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return a.fail(fmt.Errorf("parse analysis: %w", err))
	}

	// Unrecognized classifications degrade rather than fail.
	if !validIntents[analysis.Intent] {
		a.logger.Debug("Unrecognized intent, using other", "intent", analysis.Intent)
		analysis.Intent = IntentOther
	}
	if !validFeasibilities[analysis.Feasibility] {
		analysis.Feasibility = FeasibilityMedium
	}

	in.Analysis = &analysis
	data := map[string]any{
		"intent":      string(analysis.Intent),
		"feasibility": string(analysis.Feasibility),
		"priority":    analysis.Priority,
		"impact":      analysis.Impact,
		"summary":     analysis.Summary,
	}

	a.emit(in, event.KindIntent, analysis)
	a.finish(in, started, store.StageCompleted, data)
	return &Result{Success: true, Stage: a.name, Data: data}
}
