package exec

import (
	"context"
	"errors"
	"time"

	"github.com/bpmnflow/engine/bus"
)

// ReceiveExecutor implements the Receive Task contract: read messageRef/
// correlationKey (interpolated)/timeoutMs, await via MessageBus, write the
// delivered payload keys into context prefixed by the element id.
type ReceiveExecutor struct {
	Bus  *bus.Bus
	Eval Interpolator
}

func (r ReceiveExecutor) Execute(ctx context.Context, elementID string, props map[string]string, state map[string]any, progress chan<- Progress) Result {
	ref := props["messageRef"]
	if ref == "" {
		return Result{Err: errMissingProperty(elementID, "messageRef")}
	}
	key := r.Eval.Interpolate(props["correlationKey"], state)

	var dueAt time.Time
	if ms, ok := props["timeoutMs"]; ok && ms != "" {
		if d, err := time.ParseDuration(ms + "ms"); err == nil {
			dueAt = time.Now().Add(d)
		}
	}

	d, err := r.Bus.Await(ctx, ref, key, dueAt)
	if err != nil {
		if errors.Is(err, bus.ErrCancelled) {
			if progress != nil {
				progress <- Progress{Kind: "cancelled", Payload: map[string]any{"elementId": elementID}}
			}
			return Result{Cancelled: true}
		}
		return Result{Err: err}
	}

	out := make(map[string]any, len(d.Payload))
	for k, v := range d.Payload {
		out[elementID+"_"+k] = v
	}
	return Result{Value: out}
}

// MessageEventExecutor implements intermediate throw/catch message events
// (§4.6): throw publishes, catch awaits.
type MessageEventExecutor struct {
	Bus    *bus.Bus
	Eval   Interpolator
	IsThrow bool
}

func (m MessageEventExecutor) Execute(ctx context.Context, elementID string, props map[string]string, state map[string]any, progress chan<- Progress) Result {
	ref := props["messageRef"]
	if ref == "" {
		return Result{Err: errMissingProperty(elementID, "messageRef")}
	}
	key := m.Eval.Interpolate(props["correlationKey"], state)

	if m.IsThrow {
		payload := map[string]any{}
		for k, v := range state {
			payload[k] = v
		}
		if err := m.Bus.Publish(ref, key, payload); err != nil {
			return Result{Err: err}
		}
		if progress != nil {
			progress <- Progress{Kind: "message.delivered", Payload: map[string]any{"messageRef": ref, "correlationKey": key}}
		}
		return Result{Value: map[string]any{}}
	}

	d, err := m.Bus.Await(ctx, ref, key, time.Time{})
	if err != nil {
		if errors.Is(err, bus.ErrCancelled) {
			return Result{Cancelled: true}
		}
		return Result{Err: err}
	}
	out := make(map[string]any, len(d.Payload))
	for k, v := range d.Payload {
		out[elementID+"_"+k] = v
	}
	return Result{Value: out}
}

// SignalEventExecutor implements signal broadcast: throw broadcasts to
// every current waiter on the signal ref, independently (§4.6).
type SignalEventExecutor struct {
	Bus *bus.Bus
}

func (s SignalEventExecutor) Execute(_ context.Context, elementID string, props map[string]string, state map[string]any, progress chan<- Progress) Result {
	ref := props["signalRef"]
	if ref == "" {
		return Result{Err: errMissingProperty(elementID, "signalRef")}
	}
	n := s.Bus.Broadcast(ref, map[string]any{"signalRef": ref})
	if progress != nil {
		progress <- Progress{Kind: "signal.broadcast", Payload: map[string]any{"signalRef": ref, "waiters": n}}
	}
	return Result{Value: map[string]any{elementID + "_delivered_to": n}}
}
