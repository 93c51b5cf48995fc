package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DatabaseFile is the name of the single JSON document in file mode.
const DatabaseFile = "database.json"

// MinFlushInterval is the floor for the background flush tick.
const MinFlushInterval = 30 * time.Second

// document is the on-disk layout of the database file.
type document struct {
	Feedback      []Feedback        `json:"feedback"`
	Tasks         []Task            `json:"tasks"`
	TokenUsage    []TokenUsage      `json:"tokenUsage"`
	BreakerEvents []BreakerEvent    `json:"breakerEvents"`
	Settings      map[string]string `json:"settings"`
}

// Start runs the background flush loop until ctx is cancelled. A final
// flush runs on shutdown. No-op in memory mode.
func (s *Store) Start(ctx context.Context) {
	if s.opts.Mode != ModeFile {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.FlushNow(); err != nil {
				s.log.Error("Periodic database flush failed", "error", err)
			}
		case <-ctx.Done():
			if err := s.FlushNow(); err != nil {
				s.log.Error("Final database flush failed", "error", err)
			}
			return
		}
	}
}

// FlushNow rewrites the database document atomically if anything changed
// since the last flush. Called by the flush loop and by the orchestrator on
// terminal transitions. No-op in memory mode.
func (s *Store) FlushNow() error {
	if s.opts.Mode != ModeFile {
		return nil
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	doc := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal database: %w", err)
	}

	if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Write-then-rename so readers never observe a torn document.
	path := filepath.Join(s.opts.DataDir, DatabaseFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write database: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}

	s.log.Debug("Flushed database",
		"path", path,
		"feedback", len(doc.Feedback),
		"tasks", len(doc.Tasks))
	return nil
}

// snapshotLocked builds the on-disk document from live state. Caller holds
// the lock.
func (s *Store) snapshotLocked() document {
	doc := document{
		Feedback:      make([]Feedback, 0, len(s.feedbackOrder)),
		Tasks:         make([]Task, 0, len(s.taskOrder)),
		TokenUsage:    append([]TokenUsage(nil), s.tokenUsage...),
		BreakerEvents: append([]BreakerEvent(nil), s.breakerEvents...),
		Settings:      make(map[string]string, len(s.settings)),
	}
	for _, id := range s.feedbackOrder {
		doc.Feedback = append(doc.Feedback, copyFeedback(s.feedback[id]))
	}
	for _, id := range s.taskOrder {
		doc.Tasks = append(doc.Tasks, copyTask(s.tasks[id]))
	}
	for k, v := range s.settings {
		doc.Settings[k] = v
	}
	return doc
}

// load reads an existing database document, if present.
func (s *Store) load() error {
	path := filepath.Join(s.opts.DataDir, DatabaseFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", DatabaseFile, err)
	}

	for i := range doc.Feedback {
		f := doc.Feedback[i]
		s.feedback[f.ID] = &f
		s.feedbackOrder = append(s.feedbackOrder, f.ID)
	}
	for i := range doc.Tasks {
		t := doc.Tasks[i]
		s.tasks[t.ID] = &t
		s.taskOrder = append(s.taskOrder, t.ID)
	}
	s.tokenUsage = doc.TokenUsage
	s.breakerEvents = doc.BreakerEvents
	if doc.Settings != nil {
		s.settings = doc.Settings
	}

	s.log.Info("Loaded database",
		"path", path,
		"feedback", len(s.feedbackOrder),
		"tasks", len(s.taskOrder))
	return nil
}
