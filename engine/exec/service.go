package exec

import (
	"context"
	"fmt"
	"sync"
)

// ServiceHandler is the pluggable external-collaborator contract named
// throughout §4.6 (Service/Send/Agentic Task), grounded on its
// graph/tool.Tool interface: a named handler over (properties, context) ->
// result, matching the non-goal that external side-effects (email/LLM/
// tool/cloud calls) stay outside the engine core.
type ServiceHandler interface {
	Name() string
	Call(ctx context.Context, properties map[string]string, state map[string]any) (map[string]any, error)
}

// ServiceHandlerFunc adapts a function to ServiceHandler.
type ServiceHandlerFunc struct {
	NameValue string
	Fn        func(ctx context.Context, properties map[string]string, state map[string]any) (map[string]any, error)
}

func (f ServiceHandlerFunc) Name() string { return f.NameValue }
func (f ServiceHandlerFunc) Call(ctx context.Context, properties map[string]string, state map[string]any) (map[string]any, error) {
	return f.Fn(ctx, properties, state)
}

// ServiceHandlerRegistry resolves named handlers for Service/Send/Agentic
// tasks (Properties["implementation"] or a type-specific default name).
type ServiceHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ServiceHandler
}

// NewServiceHandlerRegistry builds an empty registry.
func NewServiceHandlerRegistry() *ServiceHandlerRegistry {
	return &ServiceHandlerRegistry{handlers: make(map[string]ServiceHandler)}
}

// Register binds a handler under its own Name().
func (r *ServiceHandlerRegistry) Register(h ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get resolves a handler by name.
func (r *ServiceHandlerRegistry) Get(name string) (ServiceHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("exec: no ServiceHandler registered for %q", name)
	}
	return h, nil
}
