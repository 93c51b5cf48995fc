package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains the stream until the channel closes or the timeout fires.
func collect(t *testing.T, s *Stream, timeout time.Duration) []Event {
	t.Helper()

	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				return got
			}
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out waiting for stream to finish, got %d events", len(got))
		}
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	t.Parallel()

	s := NewStream("task-1", "fb-1", 16)
	s.Publish(KindConnected, nil)
	s.Publish(KindStage, StageData{Stage: "analyze-intent", Status: "started"})
	s.Publish(KindIntent, map[string]string{"intent": "accuracy"})
	s.Publish(KindComplete, nil)
	s.Publish(KindDone, nil)

	got := collect(t, s, 2*time.Second)
	require.Len(t, got, 5)

	kinds := make([]Kind, len(got))
	for i, e := range got {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []Kind{KindConnected, KindStage, KindIntent, KindComplete, KindDone}, kinds)

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestStreamConnectedFirstDoneLast(t *testing.T) {
	t.Parallel()

	s := NewStream("task-2", "fb-2", 16)
	s.Publish(KindConnected, nil)
	s.Publish(KindError, ErrorData{Kind: "quality-gate-failed", Message: "tests failed"})
	s.Publish(KindDone, nil)
	// Anything after done is dropped.
	s.Publish(KindStage, nil)

	got := collect(t, s, 2*time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, KindConnected, got[0].Kind)
	assert.Equal(t, KindDone, got[len(got)-1].Kind)
}

func TestStreamDropsOldestCodeChunksWhenFull(t *testing.T) {
	t.Parallel()

	// Tiny buffer, no consumer reading yet.
	s := NewStream("task-3", "fb-3", 4)
	s.Publish(KindConnected, nil)
	for i := 0; i < 10; i++ {
		s.Publish(KindCodeChunk, map[string]int{"chunk": i})
	}
	s.Publish(KindComplete, nil)
	s.Publish(KindDone, nil)

	got := collect(t, s, 2*time.Second)

	// Lifecycle events always survive.
	kinds := map[Kind]int{}
	for _, e := range got {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[KindConnected])
	assert.Equal(t, 1, kinds[KindComplete])
	assert.Equal(t, 1, kinds[KindDone])
	// Most chunks were evicted.
	assert.Less(t, kinds[KindCodeChunk], 10)

	// Surviving chunks are the most recent ones, still in order.
	var chunkIdx []int
	for _, e := range got {
		if e.Kind == KindCodeChunk {
			chunkIdx = append(chunkIdx, e.Data.(map[string]int)["chunk"])
		}
	}
	for i := 1; i < len(chunkIdx); i++ {
		assert.Greater(t, chunkIdx[i], chunkIdx[i-1])
	}
}

func TestStreamPublishAfterCloseIsNoOp(t *testing.T) {
	t.Parallel()

	s := NewStream("task-4", "fb-4", 8)
	s.Publish(KindConnected, nil)
	s.Close()

	// Must not block or panic.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Publish(KindCodeChunk, i)
		}
		s.Publish(KindDone, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after subscriber close")
	}

	// Channel closes promptly.
	select {
	case _, ok := <-s.Events():
		assert.False(t, ok, "expected closed channel")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStream("task-5", "fb-5", 8)
	s.Close()
	s.Close()
}
