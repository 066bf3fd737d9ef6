package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bpmnflow/engine/exec"
)

// isMultiInstance reports whether el's properties request multi-instance
// execution (§4.6: "isMultiInstance" applies to any activity type).
func isMultiInstance(el *Element) bool {
	return el.Properties["isMultiInstance"] == "true"
}

// isStandardLoop reports whether el requests the standard (non-multi-
// instance) loop semantics of §4.6: presence of loopCondition on an
// activity that is not itself multi-instance.
func isStandardLoop(el *Element) bool {
	return !isMultiInstance(el) && el.Properties["loopCondition"] != ""
}

// isSequentialMultiInstance reports whether a multi-instance activity runs
// its iterations in order (isSequential=true) rather than concurrently.
func isSequentialMultiInstance(el *Element) bool {
	return el.Properties["isSequential"] == "true"
}

// executeLoop wraps one element's executor with multi-instance fan-out or
// standard-loop repetition, enforcing the iteration caps of §5.
func (s *Scheduler) executeLoop(ctx context.Context, r *run, el *Element, tok token) exec.Result {
	if isMultiInstance(el) {
		return s.executeMultiInstance(ctx, r, el)
	}
	return s.executeStandardLoop(ctx, r, el)
}

func (s *Scheduler) resolveCardinality(r *run, el *Element, items []any) (int, error) {
	if len(items) > 0 {
		return len(items), nil
	}
	card := el.Properties["loopCardinality"]
	if card == "" {
		return 0, NewTaskError(el.ID, ErrDefinitionInvalid, fmt.Errorf("multi-instance activity has neither inputCollection nor loopCardinality"))
	}
	if n, err := strconv.Atoi(card); err == nil {
		return n, nil
	}
	return 0, NewTaskError(el.ID, ErrExpression, fmt.Errorf("loopCardinality %q is not a literal integer", card))
}

// executeMultiInstance fans an activity out across loopCardinality/
// inputCollection iterations per §4.6. Parallel-mode iteration failures
// never fail the task: a failing iteration's slot in the output collection
// stores {error: <message>} and its siblings continue regardless,
// consistent with §8 scenario 3's `context.results == [{...A}, {error:
// "boom"}, {...C}]` with overall outcome success. Only cooperative
// cancellation short-circuits a parallel fan-out. Sequential mode still
// runs iterations strictly in order, applying each iteration's output
// delta to the shared context before the next begins, and still fails the
// task (stopping later iterations) when one raises, since there is no
// later sibling left to run concurrently with it.
func (s *Scheduler) executeMultiInstance(ctx context.Context, r *run, el *Element) exec.Result {
	var items []any
	if path := el.Properties["inputCollection"]; path != "" {
		if v, ok := r.inst.Get(path); ok {
			if arr, ok := v.([]any); ok {
				items = arr
			}
		}
	}
	n, err := s.resolveCardinality(r, el, items)
	if err != nil {
		return exec.Result{Err: err}
	}
	if n > s.cfg.MaxMultiInstanceFanOut {
		return exec.Result{Err: NewTaskError(el.ID, ErrMultiInstanceOverflow, fmt.Errorf("%d iterations exceeds cap of %d", n, s.cfg.MaxMultiInstanceFanOut))}
	}

	inputElement := el.Properties["inputElement"]
	if inputElement == "" {
		inputElement = el.ID + "_item"
	}
	outputElement := el.Properties["outputElement"]
	outputCollection := el.Properties["outputCollection"]
	if outputCollection == "" {
		outputCollection = el.ID + "_results"
	}

	results := make([]any, n)
	cancelled := make([]bool, n)
	sequential := isSequentialMultiInstance(el)

	runIteration := func(i int, nrOfActive, nrOfCompleted int) exec.Result {
		state := map[string]any(r.inst.Snapshot())
		if items != nil {
			state[inputElement] = items[i]
		}
		state["loopCounter"] = i
		state["nrOfInstances"] = n
		state["nrOfActiveInstances"] = nrOfActive
		state["nrOfCompletedInstances"] = nrOfCompleted
		return s.runExecutorWithState(ctx, r, el, state)
	}

	slotValue := func(res exec.Result) any {
		if res.Err != nil {
			// Record the message the iteration itself raised, not the
			// executor's wrapping of it.
			root := res.Err
			for errors.Unwrap(root) != nil {
				root = errors.Unwrap(root)
			}
			return map[string]any{"error": root.Error()}
		}
		if outputElement != "" {
			if v, ok := res.Value[outputElement]; ok {
				return v
			}
		}
		return res.Value
	}

	if !sequential {
		var wg sync.WaitGroup
		var completed int32
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res := runIteration(i, n, int(atomic.LoadInt32(&completed)))
				atomic.AddInt32(&completed, 1)
				if res.Cancelled {
					cancelled[i] = true
					return
				}
				results[i] = slotValue(res)
			}(i)
		}
		wg.Wait()

		for _, c := range cancelled {
			if c {
				return exec.Result{Cancelled: true}
			}
		}
		return exec.Result{Value: map[string]any{outputCollection: results}}
	}

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return exec.Result{Cancelled: true}
		default:
		}
		res := runIteration(i, 1, i)
		if res.Cancelled {
			return exec.Result{Cancelled: true}
		}
		if res.Err != nil {
			return exec.Result{Err: fmt.Errorf("engine: multi-instance iteration %d of %s failed: %w", i, el.ID, res.Err)}
		}
		results[i] = slotValue(res)
		r.inst.ApplyDelta(res.Value)
	}
	return exec.Result{Value: map[string]any{outputCollection: results}}
}

func (s *Scheduler) executeStandardLoop(ctx context.Context, r *run, el *Element) exec.Result {
	cond := el.Properties["loopCondition"]
	testBefore := el.Properties["testBefore"] == "true"
	cap := s.cfg.MaxStandardLoopIterations
	if cap <= 0 {
		cap = 100
	}
	if max := el.Properties["loopMaximum"]; max != "" {
		if n, err := strconv.Atoi(max); err == nil && n < cap {
			cap = n
		}
	}

	var last exec.Result
	ran := false
	for i := 0; i < cap; i++ {
		if testBefore && cond != "" {
			ok, err := s.eval.Evaluate(cond, map[string]any(r.inst.Snapshot()))
			if err == nil && !ok {
				break
			}
		}
		select {
		case <-ctx.Done():
			return exec.Result{Cancelled: true}
		default:
		}

		state := map[string]any(r.inst.Snapshot())
		state["loopCounter"] = i
		last = s.runExecutorWithState(ctx, r, el, state)
		ran = true
		if last.Err != nil || last.Cancelled {
			return last
		}
		r.inst.ApplyDelta(last.Value)

		if !testBefore && cond != "" {
			ok, err := s.eval.Evaluate(cond, map[string]any(r.inst.Snapshot()))
			if err == nil && !ok {
				break
			}
		}
	}
	if !ran {
		return exec.Result{Value: map[string]any{}}
	}
	return last
}
