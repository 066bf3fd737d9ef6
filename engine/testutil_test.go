package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bpmnflow/engine/bus"
	"github.com/bpmnflow/engine/eventstream"
	"github.com/bpmnflow/engine/exec"
	"github.com/bpmnflow/engine/expr"
)

// newTestScheduler builds a Scheduler over in-memory dependencies (no
// durable store, no message-bus retention limit), returning the handler
// registry too so individual tests can register service handlers before
// starting an instance.
func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *exec.ServiceHandlerRegistry) {
	t.Helper()
	eval, err := expr.New()
	require.NoError(t, err)

	handlers := exec.NewServiceHandlerRegistry()
	registry := exec.NewDefaultRegistry(eval, handlers, nil)
	msgBus := bus.New()
	stream := eventstream.NewStream(eventstream.NewMemoryStore())

	sched, err := NewScheduler(eval, registry, handlers, msgBus, stream, opts...)
	require.NoError(t, err)
	return sched, handlers
}

// newDef builds a WorkflowDefinition from a flat element/connection list
// and indexes it, failing the test on a structural error.
func newDef(t *testing.T, id string, elements []*Element, connections []*Connection) *WorkflowDefinition {
	t.Helper()
	def := &WorkflowDefinition{ID: id, Elements: elements, Connections: connections}
	require.NoError(t, def.Build())
	return def
}

func el(id string, typ ElementType, props map[string]string) *Element {
	if props == nil {
		props = map[string]string{}
	}
	return &Element{ID: id, Type: typ, Properties: props}
}

func conn(id, from, to string) *Connection {
	return &Connection{ID: id, From: from, To: to, Properties: map[string]string{}}
}

func condConn(id, from, to, condition string) *Connection {
	return &Connection{ID: id, From: from, To: to, Properties: map[string]string{"condition": condition}}
}

func defaultConn(id, from, to string) *Connection {
	return &Connection{ID: id, From: from, To: to, Properties: map[string]string{"isDefault": "true"}}
}

// waitTerminal polls inst.Status until it leaves StatusRunning or timeout
// elapses, failing the test in the latter case.
func waitTerminal(t *testing.T, inst *WorkflowInstance, timeout time.Duration) InstanceStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inst.mu.RLock()
		status := inst.Status
		inst.mu.RUnlock()
		if status != StatusRunning {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for instance to reach a terminal status")
	return StatusRunning
}

// waitUntil polls cond until it reports true or timeout elapses, failing
// the test in the latter case. Used to observe an in-flight suspension
// (e.g. a user task registered as waiting) without a terminal status.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// completeUserTask replicates facade.CompleteUserTask's bookkeeping
// directly against a live instance, for tests that construct a Scheduler
// without a Facade in front of it.
func completeUserTask(t *testing.T, inst *WorkflowInstance, elementID, decision string) {
	t.Helper()
	handle, ok := inst.waiting(elementID)
	require.True(t, ok, "element %s is not awaiting completion", elementID)
	require.True(t, handle.MarkDecided())
	handle.CompletionCh <- userTaskDecision{Decision: decision}
}
