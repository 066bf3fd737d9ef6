// Package exec implements the TaskExecutorRegistry of §4.6: the per-type
// executor contract and the built-in executor set (script, service, send,
// receive, user, timer, message, signal, agentic). It is grounded on its tagged-variant dispatch style
// (graph/node.go's Node[S]/NodeFunc pattern, generalised from typed state
// to the fixed Context map) and on graph/tool.Tool for the ServiceHandler
// contract. To keep this package free of a dependency cycle with the
// engine package that owns Element/Connection, executors operate on
// element id, string-keyed Properties, and the shared Context map rather
// than a concrete Element type.
package exec

import (
	"context"
	"fmt"

	"github.com/bpmnflow/engine/expr"
)

// Progress is a streamed update an executor may emit while running, mapped
// onto the AG-UI-style event types of §6 (task.thinking, task.tool.start/
// end, text.message.start/chunk/end) by the caller.
type Progress struct {
	Kind    string
	Payload map[string]any
}

// Result is the final outcome of one Execute call. Cancelled distinguishes
// a cooperative cancellation (never a terminal failure, §7) from Err (a
// task failure).
type Result struct {
	Value     map[string]any
	Cancelled bool
	Err       error
}

// Executor implements one element type's execution contract:
// Execute(element, context, cancellation) -> stream<Progress>, final,
// as named in §4.6/§9. progress is a caller-owned channel the executor may
// send zero or more updates to before returning; it must not close it.
type Executor interface {
	Execute(ctx context.Context, elementID string, props map[string]string, state map[string]any, progress chan<- Progress) Result
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, elementID string, props map[string]string, state map[string]any, progress chan<- Progress) Result

func (f ExecutorFunc) Execute(ctx context.Context, elementID string, props map[string]string, state map[string]any, progress chan<- Progress) Result {
	return f(ctx, elementID, props, state, progress)
}

// Registry dispatches by element type, grounded on §9's "polymorphism
// across element kinds" strategy: a registry keyed by element type with a
// no-op default fallback.
type Registry struct {
	byType map[string]Executor
}

// NewRegistry builds an empty Registry; register built-ins with
// NewDefaultRegistry or Register individual types.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Executor)}
}

// Register binds an Executor to an element type string (matching the
// canonicalised engine.ElementType values, e.g. "scriptTask").
func (r *Registry) Register(elementType string, e Executor) {
	r.byType[elementType] = e
}

// Lookup returns the executor for elementType, or the PassThroughExecutor
// default fallback if none was registered.
func (r *Registry) Lookup(elementType string) Executor {
	if e, ok := r.byType[elementType]; ok {
		return e
	}
	return PassThroughExecutor{}
}

// NewDefaultRegistry builds a Registry with the stateless built-in
// executors (scriptTask, serviceTask, sendTask, agenticTask) bound to the
// given evaluator, handler registry, and agentic ChatModel. model may be
// nil if no agentic backend is configured; the Agentic Task then fails
// with a clear error at run time instead of panicking at wiring time.
func NewDefaultRegistry(eval *expr.Evaluator, handlers *ServiceHandlerRegistry, model ChatModel) *Registry {
	handlers.Register(NewHTTPServiceHandler())

	r := NewRegistry()
	r.Register("scriptTask", ScriptExecutor{Eval: eval})
	r.Register("serviceTask", ServiceExecutor{Handlers: handlers})
	r.Register("sendTask", SendExecutor{Eval: eval, Handlers: handlers})
	r.Register("agenticTask", AgenticExecutor{Model: model})
	return r
}

// PassThroughExecutor is the default fallback: it completes immediately
// with no context changes, used for startEvent/endEvent and any
// unregistered element type.
type PassThroughExecutor struct{}

func (PassThroughExecutor) Execute(_ context.Context, _ string, _ map[string]string, _ map[string]any, _ chan<- Progress) Result {
	return Result{Value: map[string]any{}}
}

// errMissingProperty is a convenience for executors that require a property
// they were not given.
func errMissingProperty(elementID, key string) error {
	return fmt.Errorf("exec: element %s missing required property %q", elementID, key)
}
