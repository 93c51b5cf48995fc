package event

import (
	"sync"
	"time"
)

// DefaultBufferSize bounds the number of undelivered events a stream holds.
const DefaultBufferSize = 256

// Stream is a bounded, ordered, single-producer single-consumer event
// channel for one task.
//
// Guarantees:
//   - events are delivered in publish order;
//   - when the buffer is full the oldest droppable event is evicted first,
//     lifecycle events are never dropped (the buffer grows past its bound
//     rather than lose one);
//   - after the subscriber closes the stream, publishing is a silent no-op
//     and never blocks the producer.
type Stream struct {
	taskID     string
	feedbackID string

	mu       sync.Mutex
	queue    []Event
	bound    int
	seq      uint64
	finished bool // producer published done
	closed   bool // subscriber went away

	notify   chan struct{}
	closedCh chan struct{}
	out      chan Event
}

// NewStream creates a stream for the given task and starts its delivery
// pump. The caller owns the producer side; Events() hands out the consumer
// side.
func NewStream(taskID, feedbackID string, bufferSize int) *Stream {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &Stream{
		taskID:     taskID,
		feedbackID: feedbackID,
		bound:      bufferSize,
		queue:      make([]Event, 0, bufferSize),
		notify:     make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
		out:        make(chan Event),
	}
	go s.pump()
	return s
}

// TaskID returns the task this stream belongs to.
func (s *Stream) TaskID() string { return s.taskID }

// Publish appends an event to the stream. It never blocks. Publishing after
// the subscriber closed the stream, or after a done event, is a no-op.
func (s *Stream) Publish(kind Kind, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.finished {
		return
	}

	s.seq++
	s.queue = append(s.queue, Event{
		Kind:       kind,
		TaskID:     s.taskID,
		FeedbackID: s.feedbackID,
		Seq:        s.seq,
		Timestamp:  time.Now(),
		Data:       data,
	})

	if len(s.queue) > s.bound {
		s.evictOldestDroppable()
	}

	if kind == KindDone {
		s.finished = true
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evictOldestDroppable removes the oldest droppable event from the queue.
// Called with the lock held. If every queued event is a lifecycle event the
// queue is left over-bound; correctness wins over the buffer cap.
func (s *Stream) evictOldestDroppable() {
	for i := range s.queue {
		if s.queue[i].Kind.droppable() {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Events returns the consumer channel. The channel is closed after the done
// event is delivered or the stream is closed.
func (s *Stream) Events() <-chan Event {
	return s.out
}

// Close detaches the subscriber. Pending events are discarded and future
// publishes become no-ops. Safe to call more than once and safe to call
// concurrently with Publish.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.closedCh)
}

// pump moves queued events to the out channel in order.
func (s *Stream) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var next *Event
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			next = &e
		} else if s.finished {
			// Everything delivered.
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.notify:
			case <-s.closedCh:
				return
			}
			continue
		}

		select {
		case s.out <- *next:
		case <-s.closedCh:
			return
		}
	}
}
