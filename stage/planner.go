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

// codeChunkSize bounds each streamed code_chunk payload.
const codeChunkSize = 512

// Planner turns the analysis into one concrete edit.
type Planner struct {
	base
	caller Caller
}

// NewPlanner creates the plan stage.
func NewPlanner(caller Caller, events Emitter, recorder Recorder, logger *slog.Logger) *Planner {
	return &Planner{
		base:   newBase(NamePlan, events, recorder, logger),
		caller: caller,
	}
}

// Run produces the edit plan. On a retry round the previous gate reason is
// folded into the prompt so the model does not repeat itself.
func (p *Planner) Run(ctx context.Context, in *Input) *Result {
	started := p.begin(in)

	if in.Analysis == nil {
		p.finish(in, started, store.StageFailed, map[string]any{"error": "no analysis available"})
		return p.fail(fmt.Errorf("planner requires an analysis"))
	}

	prompt := fmt.Sprintf(planUserPrompt, in.Content, in.Analysis.Intent, in.Analysis.Summary)
	if in.Retry > 0 && in.LastFailure != "" {
		prompt += fmt.Sprintf(planRetryAddendum, in.Retry, in.LastFailure)
	}

	resp, err := p.caller.Call(ctx, []llm.Message{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.Options{
		Capability: model.CapabilityPlanning,
		TaskID:     in.TaskID,
		FeedbackID: in.FeedbackID,
	})
	if err != nil {
		p.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return p.fail(fmt.Errorf("plan change: %w", err))
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		p.finish(in, started, store.StageFailed, map[string]any{"error": "no plan object in model output"})
		return p.fail(fmt.Errorf("no plan object in model output"))
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		p.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return p.fail(fmt.Errorf("parse plan: %w", err))
	}

	if plan.File == "" {
		p.finish(in, started, store.StageFailed, map[string]any{"error": "plan names no file"})
		return p.fail(fmt.Errorf("plan names no file"))
	}
	if !validActions[plan.Action] {
		p.finish(in, started, store.StageFailed, map[string]any{"error": fmt.Sprintf("unknown plan action %q", plan.Action)})
		return p.fail(fmt.Errorf("unknown plan action %q", plan.Action))
	}

	in.Plan = &plan
	data := map[string]any{
		"file":        plan.File,
		"action":      string(plan.Action),
		"description": plan.Description,
	}

	p.emit(in, event.KindSuggestion, map[string]any{
		"file":        plan.File,
		"action":      string(plan.Action),
		"description": plan.Description,
	})
	for offset := 0; offset < len(plan.CodeBlock); offset += codeChunkSize {
		end := offset + codeChunkSize
		if end > len(plan.CodeBlock) {
			end = len(plan.CodeBlock)
		}
		p.emit(in, event.KindCodeChunk, map[string]any{"chunk": plan.CodeBlock[offset:end]})
	}

	p.finish(in, started, store.StageCompleted, data)
	return &Result{Success: true, Stage: p.name, Data: data}
}
