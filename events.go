package collabkit

import (
	"sync"
	"time"
)

// EventType names a state change the engine announces to UI and
// notification collaborators.
type EventType string

const (
	EventDocumentCreated   EventType = "document.created"
	EventDocumentUpdated   EventType = "document.updated"
	EventOperationApplied  EventType = "operation.applied"
	EventOperationReceived EventType = "operation.received"
	EventCommentAdded      EventType = "comment.added"
	EventCommentResolved   EventType = "comment.resolved"
	EventCursorMoved       EventType = "cursor.moved"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventDocumentLocked    EventType = "document.locked"
	EventDocumentUnlocked  EventType = "document.unlocked"
	EventConflictResolved  EventType = "conflict.resolved"
)

// Event is a closed record of one engine state change. Exactly the
// payload fields relevant to the Type are set; everything else is zero.
// The engine assumes no reactive runtime: consumers either poll
// DrainEvents or register a handler with SubscribeEvents.
type Event struct {
	Type          EventType
	DocumentID    string
	ParticipantID string
	Timestamp     time.Time

	Operation *Operation
	Comment   *Comment
	Cursor    *Cursor

	// LockOwner is set on lock/unlock events.
	LockOwner string

	// ReorderedOps lists operation IDs in the order a resolution pass
	// applied them; set on conflict.resolved events.
	ReorderedOps []string
}

// eventQueue is the bounded in-memory event buffer. When full, the
// oldest event is dropped and counted; consumers that care about loss
// watch the drop counter through metrics.
type eventQueue struct {
	mu          sync.Mutex
	buf         []Event
	limit       int
	dropped     uint64
	subscribers []func(Event)
}

func newEventQueue(limit int) *eventQueue {
	if limit <= 0 {
		limit = DefaultEventBuffer
	}
	return &eventQueue{limit: limit}
}

// Publish appends an event, dropping the oldest when the buffer is
// full, and fans out to subscribers. Returns the number dropped by this
// call (0 or 1).
func (q *eventQueue) Publish(ev Event) int {
	q.mu.Lock()
	dropped := 0
	if len(q.buf) >= q.limit {
		q.buf = q.buf[1:]
		q.dropped++
		dropped = 1
	}
	q.buf = append(q.buf, ev)
	subscribers := make([]func(Event), len(q.subscribers))
	copy(subscribers, q.subscribers)
	q.mu.Unlock()

	for _, handler := range subscribers {
		go func(h func(Event)) {
			defer func() {
				recover()
			}()
			h(ev)
		}(handler)
	}
	return dropped
}

// Drain returns all pending events and clears the buffer.
func (q *eventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// Subscribe registers a push handler. Handlers run in their own
// goroutines; a panicking handler is recovered and never takes the
// engine down.
func (q *eventQueue) Subscribe(handler func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscribers = append(q.subscribers, handler)
}

// Dropped returns the total number of events dropped so far.
func (q *eventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pending returns the current buffer depth.
func (q *eventQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
