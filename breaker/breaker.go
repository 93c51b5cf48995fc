// Package breaker is the single admission-control point for the agent's
// scarce resources: daily model tokens, per-task token budgets, concurrent
// task slots, and retry counts. It also runs a trip/half-open circuit over
// its own denial history so a burst of refusals cools the whole system
// down instead of letting callers hammer the limits.
//
// All state transitions are serialized under one mutex; Check pre-reserves
// tokens so concurrent callers can never jointly exceed a budget through a
// check-then-act race.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LJN-sisi/feedback-agent/store"
)

// Clock abstracts time so quota windows and circuit cooldowns are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Config holds the breaker thresholds.
type Config struct {
	MaxDailyTokens     int64
	MaxTaskTokens      int64
	MaxConcurrentTasks int
	MaxRetries         int

	// TokenWindow is the rolling window for the daily bucket.
	TokenWindow time.Duration

	// HalfOpenProbeInterval is how long the circuit stays open before a
	// single probe is admitted, and the extension applied when a half-open
	// probe is denied.
	HalfOpenProbeInterval time.Duration

	// TripFailureThreshold is how many non-allowed events inside TripWindow
	// trip the circuit.
	TripFailureThreshold int
	TripWindow           time.Duration

	// TaskExpiry is the leak guard: task records untouched this long are
	// discarded by housekeeping.
	TaskExpiry time.Duration
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxDailyTokens:        1_000_000,
		MaxTaskTokens:         100_000,
		MaxConcurrentTasks:    3,
		MaxRetries:            3,
		TokenWindow:           24 * time.Hour,
		HalfOpenProbeInterval: 10 * time.Minute,
		TripFailureThreshold:  5,
		TripWindow:            60 * time.Second,
		TaskExpiry:            time.Hour,
	}
}

// Validate checks threshold sanity.
func (c Config) Validate() error {
	if c.MaxDailyTokens <= 0 {
		return fmt.Errorf("max daily tokens must be positive")
	}
	if c.MaxTaskTokens <= 0 {
		return fmt.Errorf("max task tokens must be positive")
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max concurrent tasks must be positive")
	}
	if c.TokenWindow <= 0 || c.TripWindow <= 0 || c.HalfOpenProbeInterval <= 0 {
		return fmt.Errorf("breaker windows must be positive")
	}
	return nil
}

// circuitState is the trip circuit's position.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// taskRecord tracks one task's consumption. The record survives Release so
// per-task budgets and retry counts accumulate across a task's calls; the
// inFlight flag is what counts against the concurrency cap.
type taskRecord struct {
	tokensUsed   int64
	lastReserved int64
	retryCount   int
	inFlight     bool
	createdAt    time.Time
	touchedAt    time.Time
}

// Recorder receives breaker events for the audit log. *store.Store
// satisfies it.
type Recorder interface {
	AppendBreakerEvent(e store.BreakerEvent)
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed  bool                   `json:"allowed"`
	Reason   store.BreakerEventType `json:"reason,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Snapshot store.UsageSnapshot    `json:"snapshot"`
}

// Status is the observable breaker state.
type Status struct {
	store.UsageSnapshot
	NextProbeAt  *time.Time `json:"next_probe_at,omitempty"`
	TrackedTasks int        `json:"tracked_tasks"`
	RecentDenies int        `json:"recent_denies"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

// WithRecorder sets the breaker-event sink.
func WithRecorder(r Recorder) Option {
	return func(b *Breaker) { b.recorder = r }
}

// Breaker is the admission controller. One instance per process.
type Breaker struct {
	mu sync.Mutex

	cfg      Config
	clock    Clock
	log      *slog.Logger
	recorder Recorder

	dailyTokensUsed int64
	windowStart     time.Time

	tasks map[string]*taskRecord

	state       circuitState
	nextAllowed time.Time

	// recent holds timestamps of non-allowed events inside TripWindow.
	recent []time.Time
}

// New creates a breaker.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Breaker{
		cfg:   cfg,
		clock: systemClock{},
		log:   slog.Default(),
		tasks: make(map[string]*taskRecord),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.clock.Now()
	return b, nil
}

// Check decides whether a call consuming estimatedTokens may proceed on
// behalf of taskID. On allow the tokens are pre-reserved and the task is
// registered in flight; the caller must pair every allowed Check with a
// Release.
func (b *Breaker) Check(service, action string, estimatedTokens int64, taskID string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.housekeepLocked(now)

	// (i) Circuit position.
	if b.state == circuitOpen {
		if now.Before(b.nextAllowed) {
			return b.denyLocked(now, service, action, taskID, store.BreakerCircuitOpen,
				fmt.Sprintf("circuit open until %s", b.nextAllowed.Format(time.RFC3339)))
		}
		b.state = circuitHalfOpen
		b.log.Info("Circuit half-open, admitting probe", "service", service, "action", action)
	}

	// (ii) Daily budget.
	if b.dailyTokensUsed+estimatedTokens > b.cfg.MaxDailyTokens {
		return b.denyLocked(now, service, action, taskID, store.BreakerDailyLimit,
			fmt.Sprintf("daily-limit: %d used + %d estimated exceeds %d",
				b.dailyTokensUsed, estimatedTokens, b.cfg.MaxDailyTokens))
	}

	rec := b.tasks[taskID]

	// (iii) Concurrency cap. Only a task not yet in flight takes a slot.
	if rec == nil || !rec.inFlight {
		if b.inFlightLocked() >= b.cfg.MaxConcurrentTasks {
			return b.denyLocked(now, service, action, taskID, store.BreakerConcurrencyLimit,
				fmt.Sprintf("concurrency-limit: %d tasks in flight", b.inFlightLocked()))
		}
	}

	// (iv) Per-task budget.
	if rec != nil && rec.tokensUsed+estimatedTokens > b.cfg.MaxTaskTokens {
		return b.denyLocked(now, service, action, taskID, store.BreakerTaskLimit,
			fmt.Sprintf("task-limit: task %s used %d + %d estimated exceeds %d",
				taskID, rec.tokensUsed, estimatedTokens, b.cfg.MaxTaskTokens))
	}

	// Allowed: pre-reserve.
	if rec == nil {
		rec = &taskRecord{createdAt: now}
		b.tasks[taskID] = rec
	}
	rec.inFlight = true
	rec.lastReserved = estimatedTokens
	rec.tokensUsed += estimatedTokens
	rec.touchedAt = now
	b.dailyTokensUsed += estimatedTokens

	return Decision{Allowed: true, Snapshot: b.snapshotLocked(taskID)}
}

// Release reconciles the last reservation for taskID against the tokens
// actually consumed and frees the task's concurrency slot. A Release while
// the circuit is half-open closes it (the probe survived).
func (b *Breaker) Release(taskID string, actualTokens int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.tasks[taskID]
	if !ok {
		b.log.Warn("Release for unknown task", "task_id", taskID)
		return
	}

	delta := actualTokens - rec.lastReserved
	b.dailyTokensUsed += delta
	if b.dailyTokensUsed < 0 {
		b.dailyTokensUsed = 0
	}
	rec.tokensUsed += delta
	if rec.tokensUsed < 0 {
		rec.tokensUsed = 0
	}
	rec.lastReserved = 0
	rec.inFlight = false
	rec.touchedAt = b.clock.Now()

	if b.state == circuitHalfOpen {
		b.state = circuitClosed
		b.recent = nil
		b.log.Info("Circuit closed after successful probe", "task_id", taskID)
	}
}

// IncrementRetry bumps the task's retry count. It returns false when the
// new count exceeds the configured maximum, recording a max-retries event.
func (b *Breaker) IncrementRetry(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	rec := b.tasks[taskID]
	if rec == nil {
		rec = &taskRecord{createdAt: now}
		b.tasks[taskID] = rec
	}
	rec.retryCount++
	rec.touchedAt = now

	if rec.retryCount > b.cfg.MaxRetries {
		b.recordEventLocked(now, "orchestrator", "retry", taskID, store.BreakerMaxRetries,
			fmt.Sprintf("max-retries: task %s reached %d of %d", taskID, rec.retryCount, b.cfg.MaxRetries))
		return false
	}
	return true
}

// GetRetryCount returns the task's current retry count.
func (b *Breaker) GetRetryCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec, ok := b.tasks[taskID]; ok {
		return rec.retryCount
	}
	return 0
}

// Status returns the current observable state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.housekeepLocked(b.clock.Now())

	st := Status{
		UsageSnapshot: b.snapshotLocked(""),
		TrackedTasks:  len(b.tasks),
		RecentDenies:  len(b.recent),
	}
	if b.state == circuitOpen {
		t := b.nextAllowed
		st.NextProbeAt = &t
	}
	return st
}

// Tick runs one housekeeping pass. The Run loop calls it at 1 Hz; tests
// call it directly with a fake clock.
func (b *Breaker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.housekeepLocked(b.clock.Now())
}

// ----------------------------------------------------------------------------
// internals (lock held)
// ----------------------------------------------------------------------------

func (b *Breaker) inFlightLocked() int {
	n := 0
	for _, rec := range b.tasks {
		if rec.inFlight {
			n++
		}
	}
	return n
}

func (b *Breaker) snapshotLocked(taskID string) store.UsageSnapshot {
	snap := store.UsageSnapshot{
		DailyTokensUsed:    b.dailyTokensUsed,
		MaxDailyTokens:     b.cfg.MaxDailyTokens,
		MaxTaskTokens:      b.cfg.MaxTaskTokens,
		ConcurrentTasks:    b.inFlightLocked(),
		MaxConcurrentTasks: b.cfg.MaxConcurrentTasks,
		CircuitState:       b.state.String(),
	}
	if rec, ok := b.tasks[taskID]; ok {
		snap.TaskTokensUsed = rec.tokensUsed
	}
	return snap
}

// denyLocked records a non-allowed decision, feeds the trip circuit, and
// builds the denial.
func (b *Breaker) denyLocked(now time.Time, service, action, taskID string, reason store.BreakerEventType, msg string) Decision {
	b.recordEventLocked(now, service, action, taskID, reason, msg)

	// A denied half-open probe re-opens the circuit and extends the wait.
	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.nextAllowed = now.Add(b.cfg.HalfOpenProbeInterval)
		b.log.Warn("Half-open probe denied, circuit re-opened",
			"reason", reason, "next_probe", b.nextAllowed)
	}

	return Decision{
		Allowed:  false,
		Reason:   reason,
		Message:  msg,
		Snapshot: b.snapshotLocked(taskID),
	}
}

// recordEventLocked appends to the audit log and the trip ring, tripping
// the circuit when the ring crosses the threshold.
func (b *Breaker) recordEventLocked(now time.Time, service, action, taskID string, reason store.BreakerEventType, msg string) {
	if b.recorder != nil {
		b.recorder.AppendBreakerEvent(store.BreakerEvent{
			ID:        uuid.NewString(),
			Timestamp: now,
			Service:   service,
			Action:    action,
			Type:      reason,
			Usage:     b.snapshotLocked(taskID),
			TaskID:    taskID,
		})
	}

	b.recent = append(b.recent, now)
	b.trimRecentLocked(now)

	if b.state == circuitClosed && len(b.recent) >= b.cfg.TripFailureThreshold {
		b.state = circuitOpen
		b.nextAllowed = now.Add(b.cfg.HalfOpenProbeInterval)
		b.log.Warn("Circuit tripped",
			"denies_in_window", len(b.recent),
			"threshold", b.cfg.TripFailureThreshold,
			"next_probe", b.nextAllowed)
	}
}

func (b *Breaker) trimRecentLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.TripWindow)
	i := 0
	for i < len(b.recent) && b.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.recent = append([]time.Time(nil), b.recent[i:]...)
	}
}

// housekeepLocked resets the daily bucket when the window closes, expires
// stale task records, and trims the trip ring.
func (b *Breaker) housekeepLocked(now time.Time) {
	if now.Sub(b.windowStart) >= b.cfg.TokenWindow {
		b.log.Info("Daily token window reset", "tokens_used", b.dailyTokensUsed)
		b.dailyTokensUsed = 0
		b.windowStart = now
	}

	for id, rec := range b.tasks {
		if !rec.inFlight && now.Sub(rec.touchedAt) >= b.cfg.TaskExpiry {
			delete(b.tasks, id)
		}
	}

	b.trimRecentLocked(now)
}
