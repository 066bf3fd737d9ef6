package eventstream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream is the live-subscriber push surface of §4.3/§6, grounded on a
// graph/emit.Emitter contract: non-blocking Emit, per-subscriber
// buffered delivery, DrainPending to drain the outbox.
type Stream struct {
	store Store

	mu          sync.Mutex
	subscribers map[string]map[int]chan Event // instanceID -> subID -> chan
	nextSubID   int
}

// NewStream builds a Stream backed by store. Every Emit durably appends to
// store before fanning out to live subscribers, so Replay always reflects
// at least what has been pushed.
func NewStream(store Store) *Stream {
	return &Stream{store: store, subscribers: make(map[string]map[int]chan Event)}
}

// Emit assigns an id/timestamp if unset, appends to the durable store, and
// pushes to any live subscribers for event.InstanceID. Emit never blocks on
// a slow subscriber: an event that does not fit in a subscriber's buffer is
// dropped for that subscriber (it stays in Store for Replay) and no error is
// reported for it. The error return reports only a failed Append.
func (s *Stream) Emit(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := s.store.Append(ctx, event); err != nil {
		return err
	}

	s.mu.Lock()
	subs := s.subscribers[event.InstanceID]
	chans := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			// Buffer full: drop for this subscriber rather than block the
			// scheduler. The event remains in Store for Replay.
		}
	}
	return nil
}

// Subscribe returns a channel of future events for instanceID and a cancel
// function to unsubscribe. The buffer size bounds backpressure per §5.
func (s *Stream) Subscribe(instanceID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	if s.subscribers[instanceID] == nil {
		s.subscribers[instanceID] = make(map[int]chan Event)
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[instanceID][id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[instanceID], id)
		if len(s.subscribers[instanceID]) == 0 {
			delete(s.subscribers, instanceID)
		}
		close(ch)
	}
	return ch, cancel
}

// Replay returns the stored events for (instanceID, elementID) in original
// causal order with original timestamps (§4.3).
func (s *Stream) Replay(ctx context.Context, instanceID, elementID string) ([]Event, error) {
	return s.store.Replay(ctx, instanceID, elementID)
}

// DrainPending flushes the transactional outbox: it fetches up to limit
// not-yet-emitted events from Store and marks them emitted. This exists
// for a durable-store deployment where a separate process resumes
// delivery after a crash; the in-process Emit path above already delivers
// synchronously and does not depend on this method.
func (s *Stream) DrainPending(ctx context.Context, limit int) ([]Event, error) {
	events, err := s.store.PendingEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if len(ids) > 0 {
		if err := s.store.MarkEventsEmitted(ctx, ids); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Purge removes all events for instanceID from the durable store.
func (s *Stream) Purge(ctx context.Context, instanceID string) error {
	return s.store.Purge(ctx, instanceID)
}
