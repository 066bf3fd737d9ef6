package exec

import (
	"context"
	"fmt"
)

// ServiceExecutor implements the Service Task contract: invoke a named
// handler through ServiceHandler with (properties, context); handler
// errors surface as task failures.
type ServiceExecutor struct {
	Handlers *ServiceHandlerRegistry
}

func (s ServiceExecutor) Execute(ctx context.Context, elementID string, props map[string]string, state map[string]any, _ chan<- Progress) Result {
	name := props["implementation"]
	if name == "" {
		name = props["topic"]
	}
	if name == "" {
		return Result{Err: errMissingProperty(elementID, "implementation")}
	}
	h, err := s.Handlers.Get(name)
	if err != nil {
		return Result{Err: err}
	}
	out, err := h.Call(ctx, props, state)
	if err != nil {
		return Result{Err: fmt.Errorf("exec: service handler %q failed: %w", name, err)}
	}
	return Result{Value: out}
}

// SendExecutor implements the Send Task contract: compose a payload via
// Interpolate over the to/subject/messageBody properties (messageBody is
// passed to the handler as "body"), delegate to ServiceHandler("send").
type SendExecutor struct {
	Eval     Interpolator
	Handlers *ServiceHandlerRegistry
}

// Interpolator is the minimal surface SendExecutor needs from
// expr.Evaluator, kept as its own interface so this file doesn't need to
// import the expr package directly for a single method.
type Interpolator interface {
	Interpolate(tmpl string, ctx map[string]any) string
}

func (s SendExecutor) Execute(ctx context.Context, elementID string, props map[string]string, state map[string]any, _ chan<- Progress) Result {
	h, err := s.Handlers.Get("send")
	if err != nil {
		return Result{Err: err}
	}
	composed := map[string]string{
		"to":      s.Eval.Interpolate(props["to"], state),
		"subject": s.Eval.Interpolate(props["subject"], state),
		"body":    s.Eval.Interpolate(props["messageBody"], state),
	}
	for k, v := range props {
		if _, exists := composed[k]; !exists {
			composed[k] = v
		}
	}
	out, err := h.Call(ctx, composed, state)
	if err != nil {
		return Result{Err: fmt.Errorf("exec: send handler failed for %s: %w", elementID, err)}
	}
	return Result{Value: out}
}
