package engine

import "strings"

// ctxGet resolves a dotted path ("customer.address.city") against a Context,
// following nested map[string]any values. It never follows slices/indices;
// §4.1 scopes dotted-path access to nested objects only.
func ctxGet(ctx Context, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(ctx)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ctxSet assigns value at a dotted path, creating intermediate maps as
// needed. Setting "a.b.c" when "a" already holds a non-map value overwrites
// it with a fresh map (last-writer-wins, per the shared-resource policy).
func ctxSet(ctx Context, path string, value any) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		ctx[path] = value
		return
	}
	m := map[string]any(ctx)
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Get reads a dotted path from the instance's live context, safe for
// concurrent use by multiple active tokens.
func (w *WorkflowInstance) Get(path string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return ctxGet(w.Context, path)
}

// Set writes a dotted path into the instance's live context, safe for
// concurrent use by multiple active tokens (last-writer-wins, no
// coordination between concurrent branches beyond mutual exclusion of the
// write itself).
func (w *WorkflowInstance) Set(path string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctxSet(w.Context, path, value)
}

// ApplyDelta merges the key/value pairs an executor returned into the
// instance's live context under a single lock acquisition.
func (w *WorkflowInstance) ApplyDelta(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range delta {
		w.Context[k] = v
	}
}

// Snapshot returns a clone of the instance's live context, safe to hand to
// an expression evaluator or compensation registry without holding the
// instance lock for the duration of evaluation.
func (w *WorkflowInstance) Snapshot() Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.Context.Clone()
}
