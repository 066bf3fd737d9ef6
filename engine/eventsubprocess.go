package engine

import (
	"context"
	"time"
)

// EventSubProcessSupervisor implements the event-sub-process contract of
// §4.8: a long-lived monitor per scope (the top-level process or a
// subProcess element) that activates its event-sub-process children on a
// matching error/timer/message/signal/escalation trigger, interrupting the
// enclosing scope when the start event is interrupting and running
// alongside it otherwise. Error propagation is innermost-scope-first: a
// task failure is first offered to the event-sub-process(es) of its own
// scope, then to the top-level scope, before failing the instance (§7).
type EventSubProcessSupervisor struct {
	sched *Scheduler
}

// NewEventSubProcessSupervisor builds a supervisor bound to s.
func NewEventSubProcessSupervisor(s *Scheduler) *EventSubProcessSupervisor {
	return &EventSubProcessSupervisor{sched: s}
}

// scopeChildren returns the elements directly nested in scopeID: the
// definition's top-level Elements when scopeID is the definition itself,
// or a subProcess element's ChildElements otherwise.
func (e *EventSubProcessSupervisor) scopeChildren(r *run, scopeID string) []*Element {
	if scopeID == "" || scopeID == r.def.ID {
		return r.def.Elements
	}
	host, ok := r.def.Element(scopeID)
	if !ok {
		return nil
	}
	return host.ChildElements
}

// findErrorStart returns the errorStartEvent of an event-sub-process
// nested directly in scopeID whose errorCode matches code, or a
// catch-all (no errorCode) start event, or nil.
func (e *EventSubProcessSupervisor) findErrorStart(r *run, scopeID, code string) *Element {
	var catchAll *Element
	for _, child := range e.scopeChildren(r, scopeID) {
		if child.Type != TypeEventSubProcess {
			continue
		}
		for _, inner := range child.ChildElements {
			if inner.Type != TypeErrorStartEvent {
				continue
			}
			want := inner.Properties["errorCode"]
			if want == "" {
				if catchAll == nil {
					catchAll = inner
				}
				continue
			}
			if want == code {
				return inner
			}
		}
	}
	return catchAll
}

// TryHandle offers cause to the innermost scope's error-event-sub-process,
// then the top-level scope's, returning true if one accepted it (a new
// token was spawned from its start event, running the handler instead of
// failing the instance).
func (e *EventSubProcessSupervisor) TryHandle(ctx context.Context, r *run, scopeID, code string, cause error) bool {
	if start := e.findErrorStart(r, scopeID, code); start != nil {
		r.spawn(ctx, start, token{scopeID: scopeID, cameFrom: scopeID})
		return true
	}
	if scopeID != r.def.ID {
		if start := e.findErrorStart(r, r.def.ID, code); start != nil {
			r.spawn(ctx, start, token{scopeID: r.def.ID, cameFrom: scopeID})
			return true
		}
	}
	return false
}

// ActivateScope starts the non-error (timer/message/signal/escalation)
// event-sub-process monitors nested directly in scopeID. Each monitor
// loops for as long as scopeCtx is alive: a non-interrupting start event
// fires and re-arms; an interrupting one cancels cancelScope (tearing down
// the enclosing scope's own tokens) after firing once.
func (e *EventSubProcessSupervisor) ActivateScope(scopeCtx context.Context, r *run, scopeID string, cancelScope func()) {
	for _, child := range e.scopeChildren(r, scopeID) {
		if child.Type != TypeEventSubProcess {
			continue
		}
		for _, inner := range child.ChildElements {
			switch inner.Type {
			case TypeTimerStartEvent, TypeMessageStartEvent, TypeSignalStartEvent, TypeEscalationStartEvent:
				go e.monitor(scopeCtx, r, scopeID, inner, cancelScope)
			}
		}
	}
}

func (e *EventSubProcessSupervisor) monitor(ctx context.Context, r *run, scopeID string, start *Element, cancelScope func()) {
	interrupting := start.Properties["cancelActivity"] != "false"
	for {
		if !e.awaitTrigger(ctx, r, start) {
			return
		}
		if interrupting {
			cancelScope()
		}
		r.spawn(ctx, start, token{scopeID: scopeID, cameFrom: scopeID})
		if interrupting {
			return
		}
	}
}

func (e *EventSubProcessSupervisor) awaitTrigger(ctx context.Context, r *run, start *Element) bool {
	switch start.Type {
	case TypeTimerStartEvent:
		spec, err := ParseTimerProperties(start.Properties)
		if err != nil {
			return false
		}
		timer := time.NewTimer(time.Until(spec.DueAt(time.Now())))
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	case TypeMessageStartEvent:
		ref := start.Properties["messageRef"]
		_, err := e.sched.bus.Await(ctx, ref, "", time.Time{})
		return err == nil
	case TypeSignalStartEvent:
		ref := start.Properties["signalRef"]
		_, err := e.sched.bus.Await(ctx, ref, "", time.Time{})
		return err == nil
	case TypeEscalationStartEvent:
		ref := escalationMessageRef(start.Properties["escalationCode"])
		_, err := e.sched.bus.Await(ctx, ref, "", time.Time{})
		return err == nil
	default:
		return false
	}
}
