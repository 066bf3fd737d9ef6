package exec

import (
	"context"
	"errors"
)

// UserTaskWaiter is implemented by the engine's per-instance bookkeeping
// (WaitingTaskHandle registration) and injected here so this package stays
// decoupled from the engine package. Await blocks until
// CompleteUserTask(instanceId, elementId, ...) resolves it, the instance is
// cancelled, or ctx is done.
type UserTaskWaiter interface {
	Await(ctx context.Context, elementID string, props map[string]string) (decision string, comments string, payload map[string]any, err error)
}

// UserTaskExecutor implements the User Task contract of §4.6: register a
// waiting handle, emit task.user.pending (left to the caller, which owns
// the event stream), resume on CompleteUserTask, record
// <elementId>_decision, and raise UserRejected when decision=="rejected".
type UserTaskExecutor struct {
	Waiter UserTaskWaiter
}

func (u UserTaskExecutor) Execute(ctx context.Context, elementID string, props map[string]string, _ map[string]any, progress chan<- Progress) Result {
	if progress != nil {
		progress <- Progress{Kind: "task.user.pending", Payload: map[string]any{"elementId": elementID, "form": props}}
	}
	decision, comments, payload, err := u.Waiter.Await(ctx, elementID, props)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{Cancelled: true}
		}
		return Result{Err: err}
	}
	out := map[string]any{
		elementID + "_decision": decision,
		elementID + "_comments": comments,
	}
	for k, v := range payload {
		out[elementID+"_"+k] = v
	}
	if decision == "rejected" {
		return Result{Value: out, Err: &UserRejectedError{ElementID: elementID}}
	}
	return Result{Value: out}
}

// UserRejectedError marks a "rejected" user-task decision, the domain error
// named in §7 that terminates the instance unless caught.
type UserRejectedError struct {
	ElementID string
}

func (e *UserRejectedError) Error() string {
	return "exec: user task " + e.ElementID + " rejected"
}
