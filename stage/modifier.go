package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/store"
	"github.com/LJN-sisi/feedback-agent/workspace"
)

// Tree is the workspace surface the modifier needs. *workspace.Workspace
// satisfies it. Lock/Unlock bracket the whole snapshot-branch-write-commit
// sequence; concurrent tasks share one working tree and one git HEAD.
type Tree interface {
	Lock()
	Unlock()
	Ensure(ctx context.Context) error
	CheckoutNewBranch(ctx context.Context, name string) error
	WriteFile(path, content string, mode workspace.WriteMode) error
	Commit(ctx context.Context, message string) (string, error)
	Snapshot(name string) (string, error)
	ReadFile(path string) ([]byte, error)
}

// Modifier applies the plan to the working tree: ensure clone, branch,
// write, commit. A pre-modification snapshot is always taken so a failed
// test round can restore the baseline.
type Modifier struct {
	base
	tree Tree
}

// NewModifier creates the modify stage.
func NewModifier(tree Tree, events Emitter, recorder Recorder, logger *slog.Logger) *Modifier {
	return &Modifier{
		base: newBase(NameModify, events, recorder, logger),
		tree: tree,
	}
}

// Run applies the planned edit and commits it on a fresh branch.
func (m *Modifier) Run(ctx context.Context, in *Input) *Result {
	started := m.begin(in)

	if in.Plan == nil {
		m.finish(in, started, store.StageFailed, map[string]any{"error": "no plan available"})
		return m.fail(fmt.Errorf("modifier requires a plan"))
	}
	plan := in.Plan

	if err := m.tree.Ensure(ctx); err != nil {
		m.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return m.fail(fmt.Errorf("ensure workspace: %w", err))
	}

	// Held until the commit lands: another task's sequence must not
	// interleave with this one.
	m.tree.Lock()
	defer m.tree.Unlock()

	snapID, err := m.tree.Snapshot(fmt.Sprintf("pre-modify-%s-r%d", in.TaskID, in.Retry))
	if err != nil {
		m.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return m.fail(fmt.Errorf("snapshot workspace: %w", err))
	}
	in.SnapshotID = snapID

	// A file the plan creates reads as empty here.
	original, _ := m.tree.ReadFile(plan.File)

	branch := workspace.NewBranchName(in.TaskID)
	if err := m.tree.CheckoutNewBranch(ctx, branch); err != nil {
		m.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return m.fail(fmt.Errorf("checkout branch: %w", err))
	}

	content, mode := plan.CodeBlock, workspace.ModeReplace
	if plan.Action == ActionInsert {
		mode = workspace.ModeInsert
	}
	if plan.Action == ActionDelete {
		content = ""
	}
	if err := m.tree.WriteFile(plan.File, content, mode); err != nil {
		m.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return m.fail(fmt.Errorf("write %s: %w", plan.File, err))
	}

	updated, err := m.tree.ReadFile(plan.File)
	if err != nil {
		updated = []byte(content)
	}
	linesAdded := countAddedLines(string(original), string(updated))

	message := plan.Description
	if message == "" {
		message = "apply requested change"
	}
	hash, err := m.tree.Commit(ctx, fmt.Sprintf("fix(feedback): %s", message))
	if err != nil {
		m.finish(in, started, store.StageFailed, map[string]any{"error": err.Error()})
		return m.fail(fmt.Errorf("commit change: %w", err))
	}

	mod := Modification{
		Branch:     branch,
		File:       plan.File,
		CommitHash: hash,
		LinesAdded: linesAdded,
	}
	in.Modification = &mod

	data := map[string]any{
		"branch":     mod.Branch,
		"file":       mod.File,
		"commitHash": mod.CommitHash,
		"linesAdded": mod.LinesAdded,
	}
	m.emit(in, event.KindSuggestion, mod)
	m.finish(in, started, store.StageCompleted, data)
	return &Result{Success: true, Stage: m.name, Data: data}
}

// countAddedLines diffs the before and after content line-wise and counts
// inserted lines.
func countAddedLines(before, after string) int {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineIndex := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(beforeChars, afterChars, false), lineIndex)

	added := 0
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffInsert {
			continue
		}
		added += strings.Count(d.Text, "\n")
		if len(d.Text) > 0 && !strings.HasSuffix(d.Text, "\n") {
			added++
		}
	}
	return added
}
