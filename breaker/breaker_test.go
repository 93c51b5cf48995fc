package breaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LJN-sisi/feedback-agent/store"
)

// fakeClock is a manually-advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventSink collects breaker events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []store.BreakerEvent
}

func (s *eventSink) AppendBreakerEvent(e store.BreakerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) byType(t store.BreakerEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxDailyTokens = 10_000
	cfg.MaxTaskTokens = 3_000
	cfg.MaxConcurrentTasks = 2
	cfg.MaxRetries = 3
	return cfg
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock, *eventSink) {
	t.Helper()
	clock := newFakeClock()
	sink := &eventSink{}
	b, err := New(cfg, WithClock(clock), WithRecorder(sink))
	require.NoError(t, err)
	return b, clock, sink
}

func TestCheckOrderedDenials(t *testing.T) {
	t.Parallel()
	b, _, sink := newTestBreaker(t, testConfig())

	// Daily limit.
	d := b.Check("llm", "analysis", 20_000, "task-a")
	require.False(t, d.Allowed)
	assert.Equal(t, store.BreakerDailyLimit, d.Reason)

	// Concurrency limit: fill both slots, third new task denied.
	require.True(t, b.Check("llm", "analysis", 100, "task-a").Allowed)
	require.True(t, b.Check("llm", "analysis", 100, "task-b").Allowed)
	d = b.Check("llm", "analysis", 100, "task-c")
	require.False(t, d.Allowed)
	assert.Equal(t, store.BreakerConcurrencyLimit, d.Reason)

	// An in-flight task is not blocked by the cap.
	assert.True(t, b.Check("llm", "planning", 100, "task-a").Allowed)

	// Task limit: task-a has consumed its budget.
	d = b.Check("llm", "testgen", 3_000, "task-a")
	require.False(t, d.Allowed)
	assert.Equal(t, store.BreakerTaskLimit, d.Reason)

	assert.Equal(t, 1, sink.byType(store.BreakerDailyLimit))
	assert.Equal(t, 1, sink.byType(store.BreakerConcurrencyLimit))
	assert.Equal(t, 1, sink.byType(store.BreakerTaskLimit))
}

// Admission is atomic: for N concurrent checks of T tokens against daily
// budget B, at most B/T are allowed, and the concurrency cap is never
// exceeded at any instant.
func TestConcurrentCheckNeverExceedsDailyBudget(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxDailyTokens = 1000
	cfg.MaxTaskTokens = 1000
	cfg.MaxConcurrentTasks = 100
	b, _, _ := newTestBreaker(t, cfg)

	const n = 50
	const tokens = 300

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := b.Check("llm", "analysis", tokens, fmt.Sprintf("task-%d", i))
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// 3 * 300 = 900 <= 1000; a 4th would need 1200.
	assert.Equal(t, 3, allowed)
	assert.LessOrEqual(t, int64(allowed)*tokens, cfg.MaxDailyTokens)
}

func TestConcurrencyCapUnderContention(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxDailyTokens = 1_000_000
	cfg.MaxConcurrentTasks = 4
	b, _, _ := newTestBreaker(t, cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.Check("llm", "analysis", 10, fmt.Sprintf("task-%d", i)).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, cfg.MaxConcurrentTasks, admitted)
	assert.Equal(t, cfg.MaxConcurrentTasks, b.Status().ConcurrentTasks)
}

// Release reconciles: after all Check/Release pairs, daily usage equals the
// sum of actuals and nothing is left in flight.
func TestReleaseReconcilesReservations(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxDailyTokens = 100_000
	cfg.MaxTaskTokens = 100_000
	cfg.MaxConcurrentTasks = 10
	b, _, _ := newTestBreaker(t, cfg)

	pairs := []struct {
		reserved int64
		actual   int64
	}{
		{1000, 750},
		{1000, 1200}, // actual above estimate
		{500, 0},     // failed call
		{2000, 2000},
	}

	var sum int64
	for i, p := range pairs {
		taskID := fmt.Sprintf("task-%d", i)
		require.True(t, b.Check("llm", "analysis", p.reserved, taskID).Allowed)
		b.Release(taskID, p.actual)
		sum += p.actual
	}

	st := b.Status()
	assert.Equal(t, sum, st.DailyTokensUsed)
	assert.Equal(t, 0, st.ConcurrentTasks)
}

func TestReleaseClampsAtZero(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(t, testConfig())

	require.True(t, b.Check("llm", "analysis", 500, "task-a").Allowed)
	b.Release("task-a", 0)

	assert.Equal(t, int64(0), b.Status().DailyTokensUsed)

	// Unknown task is a warning, not a panic or state change.
	b.Release("ghost", 100)
	assert.Equal(t, int64(0), b.Status().DailyTokensUsed)
}

func TestTaskBudgetAccumulatesAcrossCalls(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(t, testConfig()) // task budget 3000

	require.True(t, b.Check("llm", "analysis", 1000, "task-a").Allowed)
	b.Release("task-a", 1500)
	require.True(t, b.Check("llm", "planning", 1000, "task-a").Allowed)
	b.Release("task-a", 1000)

	// 2500 consumed; 1000 more would exceed 3000.
	d := b.Check("llm", "testgen", 1000, "task-a")
	require.False(t, d.Allowed)
	assert.Equal(t, store.BreakerTaskLimit, d.Reason)
	assert.Equal(t, int64(2500), d.Snapshot.TaskTokensUsed)
}

func TestTripAndRecover(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TripFailureThreshold = 5
	b, clock, _ := newTestBreaker(t, cfg)

	// Five denials inside the trip window open the circuit.
	for i := 0; i < 5; i++ {
		d := b.Check("llm", "analysis", cfg.MaxDailyTokens+1, fmt.Sprintf("task-%d", i))
		require.False(t, d.Allowed)
		clock.Advance(time.Second)
	}

	d := b.Check("llm", "analysis", 10, "task-x")
	require.False(t, d.Allowed)
	assert.Equal(t, store.BreakerCircuitOpen, d.Reason)
	assert.Equal(t, "open", b.Status().CircuitState)

	// After the probe interval a single check is admitted half-open.
	clock.Advance(cfg.HalfOpenProbeInterval + time.Second)
	d = b.Check("llm", "analysis", 10, "task-probe")
	require.True(t, d.Allowed)
	assert.Equal(t, "half-open", d.Snapshot.CircuitState)

	// A release closes the circuit.
	b.Release("task-probe", 10)
	assert.Equal(t, "closed", b.Status().CircuitState)
}

func TestHalfOpenDenyReopensWithExtendedInterval(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	b, clock, _ := newTestBreaker(t, cfg)

	for i := 0; i < cfg.TripFailureThreshold; i++ {
		b.Check("llm", "analysis", cfg.MaxDailyTokens+1, fmt.Sprintf("task-%d", i))
	}
	require.Equal(t, "open", b.Status().CircuitState)

	clock.Advance(cfg.HalfOpenProbeInterval + time.Second)

	// Probe is admitted into half-open, then denied on the budget: re-open.
	d := b.Check("llm", "analysis", cfg.MaxDailyTokens+1, "task-probe")
	require.False(t, d.Allowed)
	st := b.Status()
	assert.Equal(t, "open", st.CircuitState)
	require.NotNil(t, st.NextProbeAt)
	assert.Equal(t, clock.Now().Add(cfg.HalfOpenProbeInterval), *st.NextProbeAt)
}

func TestDailyWindowReset(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	b, clock, _ := newTestBreaker(t, cfg)

	require.True(t, b.Check("llm", "analysis", 2000, "task-a").Allowed)
	b.Release("task-a", 2000)
	assert.Equal(t, int64(2000), b.Status().DailyTokensUsed)

	clock.Advance(cfg.TokenWindow + time.Minute)
	b.Tick()
	assert.Equal(t, int64(0), b.Status().DailyTokensUsed)
}

func TestTaskExpiryLeakGuard(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	b, clock, _ := newTestBreaker(t, cfg)

	require.True(t, b.Check("llm", "analysis", 100, "task-a").Allowed)
	b.Release("task-a", 100)
	require.True(t, b.IncrementRetry("task-a"))
	assert.Equal(t, 1, b.GetRetryCount("task-a"))

	clock.Advance(cfg.TaskExpiry + time.Minute)
	b.Tick()

	assert.Equal(t, 0, b.GetRetryCount("task-a"), "expired record should be gone")
	assert.Equal(t, 0, b.Status().TrackedTasks)
}

func TestIncrementRetryBound(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 3
	b, _, sink := newTestBreaker(t, cfg)

	assert.True(t, b.IncrementRetry("task-a"))
	assert.True(t, b.IncrementRetry("task-a"))
	assert.True(t, b.IncrementRetry("task-a"))
	assert.False(t, b.IncrementRetry("task-a"), "fourth retry exceeds the bound")
	assert.Equal(t, 4, b.GetRetryCount("task-a"))
	assert.Equal(t, 1, sink.byType(store.BreakerMaxRetries))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxDailyTokens = 0
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxConcurrentTasks = 0
	require.Error(t, bad.Validate())
}
