package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Mode selects the persistence backend.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeFile   Mode = "file"
)

// Retention caps. Oldest records are evicted when a list exceeds its cap.
const (
	DefaultFeedbackCap     = 1000
	DefaultTaskCap         = 1000
	DefaultTokenUsageCap   = 10000
	DefaultBreakerEventCap = 5000
)

// Options configures a Store.
type Options struct {
	Mode          Mode
	DataDir       string
	FlushInterval time.Duration
	Logger        *slog.Logger

	FeedbackCap     int
	TaskCap         int
	TokenUsageCap   int
	BreakerEventCap int
}

// Store owns all durable records. All methods are safe for concurrent use;
// callers always receive copies, never internal state.
type Store struct {
	mu sync.RWMutex

	feedback      map[string]*Feedback
	feedbackOrder []string
	tasks         map[string]*Task
	taskOrder     []string
	tokenUsage    []TokenUsage
	breakerEvents []BreakerEvent
	settings      map[string]string

	opts  Options
	log   *slog.Logger
	dirty bool
}

// New creates a store. In file mode any existing database document is
// loaded before the store is returned.
func New(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FeedbackCap <= 0 {
		opts.FeedbackCap = DefaultFeedbackCap
	}
	if opts.TaskCap <= 0 {
		opts.TaskCap = DefaultTaskCap
	}
	if opts.TokenUsageCap <= 0 {
		opts.TokenUsageCap = DefaultTokenUsageCap
	}
	if opts.BreakerEventCap <= 0 {
		opts.BreakerEventCap = DefaultBreakerEventCap
	}
	if opts.Mode == "" {
		opts.Mode = ModeMemory
	}
	if opts.FlushInterval < MinFlushInterval {
		opts.FlushInterval = MinFlushInterval
	}

	s := &Store{
		feedback: make(map[string]*Feedback),
		tasks:    make(map[string]*Task),
		settings: make(map[string]string),
		opts:     opts,
		log:      opts.Logger,
	}

	if opts.Mode == ModeFile {
		if opts.DataDir == "" {
			return nil, fmt.Errorf("file mode requires a data directory")
		}
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load database: %w", err)
		}
	}

	return s, nil
}

// ----------------------------------------------------------------------------
// Feedback
// ----------------------------------------------------------------------------

// CreateFeedback inserts a new feedback row.
func (s *Store) CreateFeedback(f Feedback) error {
	if f.ID == "" {
		return fmt.Errorf("feedback id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.feedback[f.ID]; exists {
		return fmt.Errorf("feedback %s already exists", f.ID)
	}

	cp := f
	s.feedback[f.ID] = &cp
	s.feedbackOrder = append(s.feedbackOrder, f.ID)
	s.evictFeedbackLocked()
	s.dirty = true
	return nil
}

// GetFeedback returns a copy of the feedback row, if present.
func (s *Store) GetFeedback(id string) (Feedback, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.feedback[id]
	if !ok {
		return Feedback{}, false
	}
	return copyFeedback(f), true
}

// UpdateFeedback applies fn to the stored row under the lock. The mutator
// sees the live row; this keeps feedback a single-writer record (the
// orchestrator) without read-modify-write races.
func (s *Store) UpdateFeedback(id string, fn func(*Feedback)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feedback[id]
	if !ok {
		return fmt.Errorf("feedback %s not found", id)
	}
	fn(f)
	s.dirty = true
	return nil
}

// FeedbackFilter narrows a feedback listing.
type FeedbackFilter struct {
	Status   FeedbackStatus
	Language string
	Offset   int
	Limit    int
}

// ListFeedback returns matching rows, newest first, plus the total match
// count before offset/limit.
func (s *Store) ListFeedback(filter FeedbackFilter) ([]Feedback, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Feedback, 0, len(s.feedbackOrder))
	for i := len(s.feedbackOrder) - 1; i >= 0; i-- {
		f := s.feedback[s.feedbackOrder[i]]
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.Language != "" && f.Language != filter.Language {
			continue
		}
		matched = append(matched, copyFeedback(f))
	}

	total := len(matched)
	return paginate(matched, filter.Offset, filter.Limit), total
}

// ----------------------------------------------------------------------------
// Tasks
// ----------------------------------------------------------------------------

// CreateTask inserts a new task row.
func (s *Store) CreateTask(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}

	cp := t
	cp.Stages = append([]Stage(nil), t.Stages...)
	s.tasks[t.ID] = &cp
	s.taskOrder = append(s.taskOrder, t.ID)
	s.evictTasksLocked()
	s.dirty = true
	return nil
}

// GetTask returns a copy of the task row, if present.
func (s *Store) GetTask(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return copyTask(t), true
}

// UpdateTask applies fn to the stored task row under the lock.
func (s *Store) UpdateTask(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	fn(t)
	s.dirty = true
	return nil
}

// AppendStage appends one stage row to a task. Stage lists are append-only.
func (s *Store) AppendStage(taskID string, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Stages = append(t.Stages, stage)
	s.dirty = true
	return nil
}

// TaskFilter narrows a task listing.
type TaskFilter struct {
	TaskID     string
	FeedbackID string
	Status     TaskStatus
	Offset     int
	Limit      int
}

// ListTasks returns matching tasks, newest first, plus the total match count.
func (s *Store) ListTasks(filter TaskFilter) ([]Task, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Task, 0, len(s.taskOrder))
	for i := len(s.taskOrder) - 1; i >= 0; i-- {
		t := s.tasks[s.taskOrder[i]]
		if filter.TaskID != "" && t.ID != filter.TaskID {
			continue
		}
		if filter.FeedbackID != "" && t.FeedbackID != filter.FeedbackID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		matched = append(matched, copyTask(t))
	}

	total := len(matched)
	return paginate(matched, filter.Offset, filter.Limit), total
}

// ----------------------------------------------------------------------------
// Token usage
// ----------------------------------------------------------------------------

// AppendTokenUsage appends one usage row. The log is append-only and capped.
func (s *Store) AppendTokenUsage(r TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenUsage = append(s.tokenUsage, r)
	if over := len(s.tokenUsage) - s.opts.TokenUsageCap; over > 0 {
		s.tokenUsage = append([]TokenUsage(nil), s.tokenUsage[over:]...)
	}
	s.dirty = true
}

// UsageFilter narrows a token-usage listing.
type UsageFilter struct {
	TaskID     string
	FeedbackID string
	Since      time.Time
	Until      time.Time
	Offset     int
	Limit      int
}

// UsageAggregates are computed on read over the filtered slice.
type UsageAggregates struct {
	TotalPromptTokens     int            `json:"total_prompt_tokens"`
	TotalCompletionTokens int            `json:"total_completion_tokens"`
	TokensByModel         map[string]int `json:"tokens_by_model"`
	TokensByCallType      map[string]int `json:"tokens_by_call_type"`
	SuccessCount          int            `json:"success_count"`
	FailureCount          int            `json:"failure_count"`
}

// ListTokenUsage returns matching rows, newest first, with aggregates
// computed over every matching row (not just the returned page).
func (s *Store) ListTokenUsage(filter UsageFilter) ([]TokenUsage, UsageAggregates) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := UsageAggregates{
		TokensByModel:    make(map[string]int),
		TokensByCallType: make(map[string]int),
	}

	matched := make([]TokenUsage, 0, len(s.tokenUsage))
	for i := len(s.tokenUsage) - 1; i >= 0; i-- {
		r := s.tokenUsage[i]
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.FeedbackID != "" && r.FeedbackID != filter.FeedbackID {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && r.Timestamp.After(filter.Until) {
			continue
		}
		matched = append(matched, r)

		total := r.PromptTokens + r.CompletionTokens
		agg.TotalPromptTokens += r.PromptTokens
		agg.TotalCompletionTokens += r.CompletionTokens
		agg.TokensByModel[r.Model] += total
		agg.TokensByCallType[r.CallType] += total
		if r.Success {
			agg.SuccessCount++
		} else {
			agg.FailureCount++
		}
	}

	return paginate(matched, filter.Offset, filter.Limit), agg
}

// ----------------------------------------------------------------------------
// Breaker events
// ----------------------------------------------------------------------------

// AppendBreakerEvent appends one breaker event. Append-only and capped.
func (s *Store) AppendBreakerEvent(e BreakerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breakerEvents = append(s.breakerEvents, e)
	if over := len(s.breakerEvents) - s.opts.BreakerEventCap; over > 0 {
		s.breakerEvents = append([]BreakerEvent(nil), s.breakerEvents[over:]...)
	}
	s.dirty = true
}

// ResolveBreakerEvent marks an event as handled. Only the resolved flag and
// note are mutable on a breaker event.
func (s *Store) ResolveBreakerEvent(id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.breakerEvents {
		if s.breakerEvents[i].ID == id {
			s.breakerEvents[i].Resolved = true
			s.breakerEvents[i].Resolution = note
			s.dirty = true
			return nil
		}
	}
	return fmt.Errorf("breaker event %s not found", id)
}

// EventFilter narrows a breaker-event listing.
type EventFilter struct {
	Service        string
	UnresolvedOnly bool
	Offset         int
	Limit          int
}

// ListBreakerEvents returns matching events, newest first, plus the total
// match count.
func (s *Store) ListBreakerEvents(filter EventFilter) ([]BreakerEvent, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]BreakerEvent, 0, len(s.breakerEvents))
	for i := len(s.breakerEvents) - 1; i >= 0; i-- {
		e := s.breakerEvents[i]
		if filter.Service != "" && e.Service != filter.Service {
			continue
		}
		if filter.UnresolvedOnly && e.Resolved {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	return paginate(matched, filter.Offset, filter.Limit), total
}

// ----------------------------------------------------------------------------
// Settings
// ----------------------------------------------------------------------------

// SetSetting stores an operator-visible key/value pair. Persisted under the
// settings key in file mode.
func (s *Store) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	s.dirty = true
}

// GetSetting returns a stored setting.
func (s *Store) GetSetting(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok
}

// Settings returns a sorted copy of all settings keys.
func (s *Store) Settings() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.settings))
	keys := make([]string, 0, len(s.settings))
	for k := range s.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = s.settings[k]
	}
	return out
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (s *Store) evictFeedbackLocked() {
	for len(s.feedbackOrder) > s.opts.FeedbackCap {
		oldest := s.feedbackOrder[0]
		s.feedbackOrder = s.feedbackOrder[1:]
		delete(s.feedback, oldest)
	}
}

func (s *Store) evictTasksLocked() {
	for len(s.taskOrder) > s.opts.TaskCap {
		oldest := s.taskOrder[0]
		s.taskOrder = s.taskOrder[1:]
		delete(s.tasks, oldest)
	}
}

func copyFeedback(f *Feedback) Feedback {
	cp := *f
	if f.Result != nil {
		r := *f.Result
		cp.Result = &r
	}
	return cp
}

func copyTask(t *Task) Task {
	cp := *t
	cp.Stages = append([]Stage(nil), t.Stages...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return cp
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
