package engine

import (
	"context"
	"sync"

	"github.com/bpmnflow/engine/eventstream"
	"github.com/bpmnflow/engine/exec"
)

// Facade is the inbound control surface of §6: the only entry points an
// outside caller (the CLI, an HTTP handler, a test) needs to drive
// workflow instances, independent of the Scheduler's internal token
// machinery. It keeps a registry of running/completed instances by id so
// later calls (CompleteUserTask, PublishMessage, CancelWorkflow,
// Subscribe, Replay) can address one by a plain string.
type Facade struct {
	sched *Scheduler

	mu        sync.RWMutex
	instances map[string]*WorkflowInstance
}

// NewFacade wires a Facade around an already-constructed Scheduler.
func NewFacade(sched *Scheduler) *Facade {
	return &Facade{sched: sched, instances: make(map[string]*WorkflowInstance)}
}

func (f *Facade) register(inst *WorkflowInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.InstanceID] = inst
}

func (f *Facade) lookup(instanceID string) (*WorkflowInstance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

// StartWorkflow begins a new instance of def with the given initial
// context and returns its instance id immediately; the instance continues
// running in the background and is observed via Subscribe/Replay or a
// later status lookup.
func (f *Facade) StartWorkflow(ctx context.Context, instanceID string, def *WorkflowDefinition, initial Context) (string, error) {
	inst, err := f.sched.StartInstance(ctx, instanceID, def, initial)
	if err != nil {
		return "", err
	}
	f.register(inst)
	return inst.InstanceID, nil
}

// CompleteUserTask delivers an external decision to a suspended user task,
// enforcing invariant 2 (at most one decision per task) via
// WaitingTaskHandle.MarkDecided.
func (f *Facade) CompleteUserTask(instanceID, elementID, decision, comments string, payload map[string]any) error {
	inst, err := f.lookup(instanceID)
	if err != nil {
		return err
	}
	handle, ok := inst.waiting(elementID)
	if !ok {
		return ErrElementNotWaiting
	}
	if !handle.MarkDecided() {
		return ErrAlreadyDecided
	}
	handle.CompletionCh <- userTaskDecision{Decision: decision, Comments: comments, Payload: payload}
	return nil
}

// PublishMessage delivers a correlated message to any receiveTask,
// boundary message event, or message-start event awaiting messageRef with
// a matching correlationKey.
func (f *Facade) PublishMessage(messageRef, correlationKey string, payload map[string]any) error {
	return f.sched.bus.Publish(messageRef, correlationKey, payload)
}

// CancelWorkflow cooperatively cancels every in-flight token of instanceID.
func (f *Facade) CancelWorkflow(instanceID string, reason error) error {
	inst, err := f.lookup(instanceID)
	if err != nil {
		return err
	}
	f.sched.CancelInstance(inst, reason)
	return nil
}

// Status returns the current status of instanceID.
func (f *Facade) Status(instanceID string) (InstanceStatus, error) {
	inst, err := f.lookup(instanceID)
	if err != nil {
		return "", err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.Status, nil
}

// Cost returns the LLM spend tracker for instanceID, attributing Agentic
// Task token usage and cost across the instance's lifetime.
func (f *Facade) Cost(instanceID string) (*exec.CostTracker, error) {
	inst, err := f.lookup(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Cost(), nil
}

// Subscribe returns a channel of events for instanceID as they occur, plus
// a cancel function the caller must invoke once done. buffer sizes the
// channel so a slow consumer does not block the scheduler.
func (f *Facade) Subscribe(instanceID string, buffer int) (<-chan eventstream.Event, func()) {
	return f.sched.events.Subscribe(instanceID, buffer)
}

// Replay returns the recorded events for instanceID, optionally filtered
// to a single elementID, in emission order.
func (f *Facade) Replay(ctx context.Context, instanceID, elementID string) ([]eventstream.Event, error) {
	return f.sched.events.Replay(ctx, instanceID, elementID)
}
