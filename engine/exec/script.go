package exec

import (
	"context"

	"github.com/bpmnflow/engine/expr"
)

// ScriptExecutor implements the Script Task contract of §4.6: a small
// embedded script string evaluated in the same sandbox as
// ExpressionEvaluator, extended with assignment statements. The context is
// bound as the only namespace; the returned value of the last expression
// statement becomes the task result.
type ScriptExecutor struct {
	Eval *expr.Evaluator
}

func (s ScriptExecutor) Execute(_ context.Context, elementID string, props map[string]string, state map[string]any, _ chan<- Progress) Result {
	script := props["script"]
	if script == "" {
		return Result{Err: errMissingProperty(elementID, "script")}
	}
	value, err := s.Eval.EvaluateScript(script, state)
	if err != nil {
		return Result{Err: err}
	}
	out := map[string]any{}
	if m, ok := value.(map[string]any); ok {
		out = m
	} else {
		out["value"] = value
	}
	return Result{Value: out}
}
