package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/llm"
	"github.com/LJN-sisi/feedback-agent/model"
	"github.com/LJN-sisi/feedback-agent/store"
)

// PRRequest is what the publisher hands to the hosting layer.
type PRRequest struct {
	Branch string
	Title  string
	Body   string
}

// PRCreator opens a pull request for a pushed branch. The default
// implementation is StubPRCreator; a real Git hosting client plugs in
// here.
type PRCreator interface {
	CreatePR(ctx context.Context, req PRRequest) (PRRecord, error)
}

// StubPRCreator fabricates local PR records without contacting any
// hosting service. URLs carry the stub:// scheme so they cannot be
// mistaken for real ones.
type StubPRCreator struct {
	mu   sync.Mutex
	next int
}

// CreatePR returns a locally numbered stub record.
func (s *StubPRCreator) CreatePR(_ context.Context, req PRRequest) (PRRecord, error) {
	s.mu.Lock()
	s.next++
	number := s.next
	s.mu.Unlock()

	return PRRecord{
		URL:    fmt.Sprintf("stub://pulls/%d", number),
		Number: number,
		Branch: req.Branch,
		Title:  req.Title,
		Body:   req.Body,
	}, nil
}

// Publisher synthesizes a changelog and records the pull request.
type Publisher struct {
	base
	caller  Caller
	creator PRCreator
}

// NewPublisher creates the publish stage. A nil creator falls back to the
// local stub.
func NewPublisher(caller Caller, creator PRCreator, events Emitter, recorder Recorder, logger *slog.Logger) *Publisher {
	if creator == nil {
		creator = &StubPRCreator{}
	}
	return &Publisher{
		base:    newBase(NamePublish, events, recorder, logger),
		caller:  caller,
		creator: creator,
	}
}

// Run writes the changelog and opens the PR record.
func (p *Publisher) Run(ctx context.Context, in *Input) *Result {
	started := p.begin(in)

	if in.Plan == nil || in.Modification == nil {
		p.finish(in, started, store.StageFailed, map[string]any{"error": "nothing to publish"})
		return p.fail(fmt.Errorf("publisher requires an applied modification"))
	}

	changelog, err := p.synthesizeChangelog(ctx, in)
	if err != nil {
		// A changelog failure does not block publishing; fall back to the
		// plan description.
		p.logger.Warn("Changelog synthesis failed", "task_id", in.TaskID, "error", err)
		changelog = in.Plan.Description
	}

	title := in.Plan.Description
	if title == "" {
		title = fmt.Sprintf("Apply feedback to %s", in.Plan.File)
	}
	pr, err := p.creator.CreatePR(ctx, PRRequest{
		Branch: in.Modification.Branch,
		Title:  title,
		Body:   changelog,
	})
	if err != nil {
		p.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return p.fail(fmt.Errorf("create PR: %w", err))
	}

	data := map[string]any{
		"changelog": changelog,
		"pr": map[string]any{
			"url":    pr.URL,
			"number": pr.Number,
			"branch": pr.Branch,
			"title":  pr.Title,
		},
	}
	p.emit(in, event.KindPR, Publication{Changelog: changelog, PR: pr})
	p.finish(in, started, store.StageCompleted, data)
	return &Result{Success: true, Stage: p.name, Data: data}
}

// synthesizeChangelog asks the model for a short human-readable changelog
// entry.
func (p *Publisher) synthesizeChangelog(ctx context.Context, in *Input) (string, error) {
	resp, err := p.caller.Call(ctx, []llm.Message{
		{Role: "system", Content: changelogSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(changelogUserPrompt,
			in.Content, in.Plan.Description, in.Plan.File, in.Modification.LinesAdded)},
	}, llm.Options{
		Capability: model.CapabilityChangelog,
		TaskID:     in.TaskID,
		FeedbackID: in.FeedbackID,
	})
	if err != nil {
		return "", err
	}

	changelog := strings.TrimSpace(resp.Content)
	if changelog == "" {
		return "", fmt.Errorf("model produced an empty changelog")
	}
	return changelog, nil
}
