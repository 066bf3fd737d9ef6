// Package bus implements the correlation-keyed MessageBus of §4.2:
// receive/event-based tasks Await a (messageRef, correlationKey) pair,
// webhooks and message/signal throw events Publish to it. The external
// transport surface (publish/subscribe plumbing, so a distributed backend
// can later replace the default in-process one) is grounded on the
// watermill-based Publisher/Registrar/Service shape in
// mindersec-minder/internal/events/interfaces.go; the correlation-waiter
// bookkeeping that gives exactly-one-waiter-per-publish delivery is
// grounded on its own suspension/resume pattern in
// graph/engine.go.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-gochannel/pkg/gochannel"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// ErrTimeout is returned by Await when DueAt elapses before a matching
// message or cancellation arrives.
var ErrTimeout = errors.New("bus: await timed out")

// ErrCancelled is returned by Await when its caller's context is cancelled
// (e.g. a competing branch won a race join).
var ErrCancelled = errors.New("bus: await cancelled")

// Option configures a Bus.
type Option func(*Bus)

// WithRetention sets the default TTL for messages published with no waiter
// present. Zero (the default) means "retained for the lifetime of the Bus"
// (Open Question 2: undelivered-message retention is unbounded within
// instance lifetime by default; callers purge per-instance via Purge).
func WithRetention(ttl time.Duration) Option {
	return func(b *Bus) { b.retention = ttl }
}

// Bus is the correlation-keyed message queue. One Bus instance typically
// backs one engine instance (or a shared one scoped by instance id
// embedded in the correlation key), per the caller's choice.
type Bus struct {
	retention time.Duration

	pub *gochannel.GoChannel

	mu      sync.Mutex
	waiters map[string][]*waiter // key: ref+"|"+correlationKey, FIFO
	queued  map[string][]queuedMessage
}

type waiter struct {
	id     string
	respCh chan Delivery
}

type queuedMessage struct {
	payload  map[string]any
	expireAt time.Time
}

// Delivery is the result handed to an Await caller.
type Delivery struct {
	Payload map[string]any
	Err     error
}

// New builds a Bus. The watermill gochannel publisher backs the
// outward-facing notification topic per (messageRef); the in-process
// waiter table remains the source of truth for exactly-once delivery.
func New(opts ...Option) *Bus {
	b := &Bus{
		pub:     gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}),
		waiters: make(map[string][]*waiter),
		queued:  make(map[string][]queuedMessage),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func key(messageRef, correlationKey string) string {
	return messageRef + "|" + correlationKey
}

// Await registers a waiter for (messageRef, correlationKey). If a matching
// queued message already exists it is consumed and returned immediately;
// otherwise it blocks until Publish delivers a match, ctx is cancelled, or
// dueAt elapses (zero dueAt means no deadline).
//
// Empty correlationKey is a distinct wildcard key of its own — per §4.2 it
// never matches a keyed publish, since matching is exact string equality
// on the pair.
func (b *Bus) Await(ctx context.Context, messageRef, correlationKey string, dueAt time.Time) (Delivery, error) {
	k := key(messageRef, correlationKey)

	b.mu.Lock()
	qs := b.queued[k]
	now := time.Now()
	for len(qs) > 0 && !qs[0].expireAt.IsZero() && now.After(qs[0].expireAt) {
		qs = qs[1:]
	}
	if len(qs) > 0 {
		msg := qs[0]
		b.queued[k] = qs[1:]
		b.mu.Unlock()
		return Delivery{Payload: msg.payload}, nil
	}
	b.queued[k] = qs
	w := &waiter{id: uuid.NewString(), respCh: make(chan Delivery, 1)}
	b.waiters[k] = append(b.waiters[k], w)
	b.mu.Unlock()

	var timerCh <-chan time.Time
	if !dueAt.IsZero() {
		d := time.Until(dueAt)
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case resp := <-w.respCh:
		return resp, resp.Err
	case <-timerCh:
		b.removeWaiter(k, w.id)
		return Delivery{}, ErrTimeout
	case <-ctx.Done():
		b.removeWaiter(k, w.id)
		return Delivery{}, ErrCancelled
	}
}

func (b *Bus) removeWaiter(k, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[k]
	for i, w := range ws {
		if w.id == id {
			b.waiters[k] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to the (messageRef, correlationKey) waiter
// registered longest ago (first-registered-first-served, §4.2). If no
// waiter matches, the message is enqueued subject to the configured
// retention TTL. A best-effort notification is also fanned out over the
// internal watermill topic so external observers can subscribe to raw
// traffic on messageRef without participating in the waiter protocol.
func (b *Bus) Publish(messageRef, correlationKey string, payload map[string]any) error {
	k := key(messageRef, correlationKey)

	b.mu.Lock()
	ws := b.waiters[k]
	var w *waiter
	if len(ws) > 0 {
		w = ws[0]
		b.waiters[k] = ws[1:]
	} else {
		var expireAt time.Time
		if b.retention > 0 {
			expireAt = time.Now().Add(b.retention)
		}
		b.queued[k] = append(b.queued[k], queuedMessage{payload: payload, expireAt: expireAt})
	}
	b.mu.Unlock()

	if w != nil {
		w.respCh <- Delivery{Payload: payload}
	}

	return b.notify(messageRef, correlationKey, payload)
}

// Broadcast implements signal-event semantics (§4.6): every current waiter
// for messageRef across all correlation keys is delivered independently,
// none are queued.
func (b *Bus) Broadcast(messageRef string, payload map[string]any) int {
	b.mu.Lock()
	var matched []*waiter
	prefix := messageRef + "|"
	for k, ws := range b.waiters {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			matched = append(matched, ws...)
			delete(b.waiters, k)
		}
	}
	b.mu.Unlock()

	for _, w := range matched {
		w.respCh <- Delivery{Payload: payload}
	}
	return len(matched)
}

// Purge drops queued messages and cancels waiters for every
// (messageRef, correlationKey) pair for which matches reports true.
// Callers that scope correlation keys per instance can use it to drop an
// instance's traffic when the instance ends; the engine does not call it.
func (b *Bus) Purge(matches func(messageRef, correlationKey string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, ws := range b.waiters {
		ref, ck := splitKey(k)
		if matches(ref, ck) {
			for _, w := range ws {
				w.respCh <- Delivery{Err: ErrCancelled}
			}
			delete(b.waiters, k)
		}
	}
	for k := range b.queued {
		ref, ck := splitKey(k)
		if matches(ref, ck) {
			delete(b.queued, k)
		}
	}
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func (b *Bus) notify(messageRef, correlationKey string, payload map[string]any) error {
	topic := messageRef
	msg := message.NewMessage(uuid.NewString(), marshalBestEffort(payload))
	msg.Metadata.Set("correlationKey", correlationKey)
	if err := b.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("bus: publishing notification: %w", err)
	}
	return nil
}

func marshalBestEffort(payload map[string]any) []byte {
	if payload == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Subscriber exposes the underlying watermill subscriber for external
// observers (e.g. metrics, logging sinks) that want raw notification
// traffic without participating in the Await/Publish waiter protocol.
func (b *Bus) Subscriber() message.Subscriber { return b.pub }

// Close releases the underlying watermill pub/sub resources.
func (b *Bus) Close() error { return b.pub.Close() }
