package engine

import (
	"context"
	"sync"
	"time"

	"github.com/bpmnflow/engine/eventstream"
)

// compensationRegistry is the per-instance LIFO compensation handler
// registry of §4.4, grounded on its append-only, mutex-guarded
// bookkeeping style in graph/checkpoint.go.
type compensationRegistry struct {
	mu      sync.Mutex
	entries []CompensationEntry // append order == registration order
	cleared map[string]bool     // scopeID -> cleared without firing
}

func newCompensationRegistry() *compensationRegistry {
	return &compensationRegistry{cleared: make(map[string]bool)}
}

// Register records a completed activity's compensation handler.
func (r *compensationRegistry) Register(elementID, scopeID, handlerRef string, snapshot Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, CompensationEntry{
		ElementID:       elementID,
		ScopeID:         scopeID,
		HandlerRef:      handlerRef,
		ContextSnapshot: snapshot.Clone(),
		registeredAt:    time.Now(),
	})
}

// Entries returns all entries registered within scopeID, in reverse
// registration order (LIFO, per invariant 4 and the compensation-LIFO
// testable property).
func (r *compensationRegistry) Entries(scopeID string) []CompensationEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CompensationEntry, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].ScopeID == scopeID {
			out = append(out, r.entries[i])
		}
	}
	return out
}

// Clear drops all entries for scopeID without firing them (normal scope
// exit with no compensation trigger).
func (r *compensationRegistry) Clear(scopeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared[scopeID] = true
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.ScopeID != scopeID {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// fireCompensation runs every registered handler for scopeID in LIFO
// order against the context snapshot taken when it was registered (§4.4:
// compensation acts on the state as it was at completion time, not the
// current live state), then broadcasts on the scope's synthetic
// compensation topic for any boundary compensation events awaiting it.
func (s *Scheduler) fireCompensation(ctx context.Context, r *run, scopeID string) {
	for _, entry := range r.inst.compensation.Entries(scopeID) {
		if el, ok := r.def.Element(entry.HandlerRef); ok {
			s.runExecutorWithState(ctx, r, el, map[string]any(entry.ContextSnapshot))
		}
		s.emit(ctx, r.inst, eventstream.CompensationTriggered, entry.ElementID, map[string]any{
			"handler": entry.HandlerRef,
			"scopeId": scopeID,
		})
		s.metrics.compensations.Inc()
	}
	_ = s.bus.Broadcast(compensationMessageRef(scopeID), map[string]any{"scopeId": scopeID})
}
