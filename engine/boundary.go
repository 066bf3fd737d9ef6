package engine

import (
	"context"
	"time"
)

// BoundarySupervisor implements the boundary-event contract of §4.7: race
// each non-error boundary event attached to a host activity against that
// activity's own execution, interrupting it (cancelActivity != "false") or
// letting it run alongside (non-interrupting) when the boundary fires
// first. Error boundary events are handled separately by executeActivity
// itself, since they only activate on the host's own failure rather than
// racing it. Grounded on its graph/timeout.go race-against-
// deadline pattern, generalised from a single timeout to an arbitrary set
// of competing triggers.
type BoundarySupervisor struct {
	sched *Scheduler
}

// NewBoundarySupervisor builds a BoundarySupervisor bound to s's message
// bus and expression evaluator.
func NewBoundarySupervisor(s *Scheduler) *BoundarySupervisor {
	return &BoundarySupervisor{sched: s}
}

// findBoundaryEvents returns every element (at any nesting depth) whose
// AttachedToRef is hostID.
func findBoundaryEvents(def *WorkflowDefinition, hostID string) []*Element {
	var out []*Element
	var walk func([]*Element)
	walk = func(els []*Element) {
		for _, e := range els {
			if e.AttachedToRef == hostID {
				out = append(out, e)
			}
			if len(e.ChildElements) > 0 {
				walk(e.ChildElements)
			}
		}
	}
	walk(def.Elements)
	return out
}

// HasBoundaryEvents reports whether hostID has any attached boundary
// event, so executeActivity can skip the race machinery entirely for the
// common case of a plain activity.
func (b *BoundarySupervisor) HasBoundaryEvents(def *WorkflowDefinition, hostID string) bool {
	return len(findBoundaryEvents(def, hostID)) > 0
}

// findBoundaryErrorEvent returns the attached boundary error event whose
// errorCode matches code, or the first attached boundary error event with
// no errorCode filter (a catch-all), or nil.
func findBoundaryErrorEvent(def *WorkflowDefinition, hostID, code string) *Element {
	var catchAll *Element
	for _, be := range findBoundaryEvents(def, hostID) {
		if be.Type != TypeBoundaryErrorEvent {
			continue
		}
		want := be.Properties["errorCode"]
		if want == "" {
			if catchAll == nil {
				catchAll = be
			}
			continue
		}
		if want == code {
			return be
		}
	}
	return catchAll
}

// Watch starts racing every non-error boundary event attached to host
// against its own execution. It returns a context derived from ctx that
// is cancelled when an interrupting boundary fires, and a cleanup function
// the caller must invoke once the host activity finishes (win or lose) to
// stop the race goroutines. If host has no non-error boundary events, ctx
// is returned unchanged with a no-op cleanup.
func (b *BoundarySupervisor) Watch(ctx context.Context, r *run, host *Element, tok token) (context.Context, func()) {
	var nonError []*Element
	for _, be := range findBoundaryEvents(r.def, host.ID) {
		if be.Type != TypeBoundaryErrorEvent {
			nonError = append(nonError, be)
		}
	}
	if len(nonError) == 0 {
		return ctx, func() {}
	}

	hostCtx, cancelHost := context.WithCancel(ctx)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	for _, be := range nonError {
		go b.race(ctx, watchCtx, r, host, be, tok, cancelHost)
	}
	return hostCtx, func() {
		cancelWatch()
		cancelHost()
	}
}

// race awaits be's trigger on watchCtx (so a losing race is cancelled once
// the host finishes or a sibling boundary wins) but spawns the winning
// continuation on outerCtx: the continuation is now an independent token
// and must outlive Watch's own cleanup, the same way forkOut's children do.
// The continuation is spawned before an interrupting boundary cancels the
// host, so the run never sees zero live tokens in between.
func (b *BoundarySupervisor) race(outerCtx, watchCtx context.Context, r *run, host, be *Element, tok token, cancelHost func()) {
	if !b.await(watchCtx, r, be) {
		return
	}
	interrupting := be.Properties["cancelActivity"] != "false"
	b.sched.emit(outerCtx, r.inst, elementEnteredViaBoundary, be.ID, map[string]any{"hostId": host.ID, "interrupting": interrupting})
	r.spawn(outerCtx, be, token{scopeID: tok.scopeID, cameFrom: host.ID})
	if interrupting {
		cancelHost()
	}
}

func (b *BoundarySupervisor) await(ctx context.Context, r *run, be *Element) bool {
	switch be.Type {
	case TypeBoundaryTimerEvent:
		spec, err := ParseTimerProperties(be.Properties)
		if err != nil {
			return false
		}
		due := spec.DueAt(time.Now())
		timer := time.NewTimer(time.Until(due))
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	case TypeBoundaryMessageEvent:
		ref := be.Properties["messageRef"]
		key := b.sched.eval.Interpolate(be.Properties["correlationKey"], map[string]any(r.inst.Snapshot()))
		_, err := b.sched.bus.Await(ctx, ref, key, time.Time{})
		return err == nil
	case TypeBoundaryEscalationEvent:
		ref := escalationMessageRef(be.Properties["escalationCode"])
		_, err := b.sched.bus.Await(ctx, ref, "", time.Time{})
		return err == nil
	case TypeBoundaryCompensationEvent:
		ref := compensationMessageRef(be.AttachedHost().ID)
		_, err := b.sched.bus.Await(ctx, ref, "", time.Time{})
		return err == nil
	default:
		return false
	}
}

// escalationMessageRef/compensationMessageRef name the synthetic
// MessageBus topics used to deliver escalation and compensation triggers
// to boundary events and event-sub-processes, reusing the bus's existing
// Await/Broadcast machinery instead of a second notification mechanism.
func escalationMessageRef(code string) string { return "escalation:" + code }
func compensationMessageRef(scopeID string) string { return "compensate:" + scopeID }

// elementEnteredViaBoundary is a local alias kept distinct from
// eventstream.ElementEntered so a boundary firing is visibly tagged in
// logs/tests without requiring a new eventstream.Type constant.
const elementEnteredViaBoundary = "element.entered"
