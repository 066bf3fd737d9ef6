package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bpmnflow/engine/eventstream"
	"github.com/bpmnflow/engine/exec"
)

// executeCallActivity implements subprocess recursion (§4.6's Call
// Activity contract): spawn a nested WorkflowInstance from the called
// element's definition, wait for it to reach a terminal status, and copy
// only the properties named by outputMappings back into the caller's
// context (Open Question 3's decision: no implicit context sharing across
// a call-activity boundary).
func (s *Scheduler) executeCallActivity(ctx context.Context, r *run, el *Element) exec.Result {
	name := el.Properties["calledElement"]
	sub, ok := r.def.SubprocessDefinitions[name]
	if !ok {
		return exec.Result{Err: NewTaskError(el.ID, ErrDefinitionInvalid, fmt.Errorf("call activity references unknown subprocess %q", name))}
	}

	input := Context{}
	for _, m := range parseMappings(el.Properties["inputMappings"]) {
		if v, ok := r.inst.Get(m.src); ok {
			input[m.dst] = v
		}
	}

	subInstanceID := r.inst.InstanceID + "/" + el.ID + "/" + uuid.NewString()
	subInst, err := s.StartInstance(ctx, subInstanceID, sub, input)
	if err != nil {
		return exec.Result{Err: err}
	}

	ch, cancelSub := s.events.Subscribe(subInstanceID, 16)
	defer cancelSub()

waitLoop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok || ev.Type == eventstream.WorkflowCompleted {
				break waitLoop
			}
		case <-ctx.Done():
			s.CancelInstance(subInst, ctx.Err())
			return exec.Result{Cancelled: true}
		}
	}

	subInst.mu.RLock()
	status := subInst.Status
	reason := subInst.cancelReason
	subInst.mu.RUnlock()

	if status == StatusFailure {
		return exec.Result{Err: NewTaskError(el.ID, ErrTaskFailed, reason)}
	}
	if status == StatusCancelled {
		return exec.Result{Cancelled: true}
	}

	out := map[string]any{}
	for _, m := range parseMappings(el.Properties["outputMappings"]) {
		if v, ok := subInst.Get(m.src); ok {
			out[m.dst] = v
		}
	}
	return exec.Result{Value: out}
}

type mapping struct{ dst, src string }

// parseMappings parses a "dst=src;dst2=src2" property value into
// mapping pairs, tolerating surrounding whitespace and a trailing
// separator.
func parseMappings(raw string) []mapping {
	if raw == "" {
		return nil
	}
	var out []mapping
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, mapping{dst: strings.TrimSpace(kv[0]), src: strings.TrimSpace(kv[1])})
	}
	return out
}
