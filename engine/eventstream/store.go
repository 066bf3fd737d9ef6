package eventstream

import (
	"context"
	"errors"
)

// ErrNotFound mirrors its store.ErrNotFound for an unknown
// instance/element combination.
var ErrNotFound = errors.New("eventstream: not found")

// Store is the durable append-only log behind EventStream. Causal
// ordering and monotonically non-decreasing timestamps within an instance
// are guarantees the caller (the Scheduler) must uphold when it calls
// Append; Store itself only preserves the order it receives.
type Store interface {
	// Append durably writes event, returning after commit.
	Append(ctx context.Context, event Event) error

	// Replay returns the events stored for (instanceID, elementID) in
	// original causal order with original timestamps. elementID == "" means
	// "all elements of this instance".
	Replay(ctx context.Context, instanceID, elementID string) ([]Event, error)

	// PendingEvents returns up to limit not-yet-emitted events, in
	// insertion order, implementing the transactional-outbox pattern for
	// exactly-once delivery to the live Stream.
	PendingEvents(ctx context.Context, limit int) ([]Event, error)

	// MarkEventsEmitted records eventIDs as delivered so PendingEvents
	// will not return them again.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error

	// Purge removes all events for instanceID (explicit purge, per §3's
	// "retained until explicit purge" lifecycle note).
	Purge(ctx context.Context, instanceID string) error
}
