package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/bpmnflow/engine/exec"
)

// Context is the schema-less, JSON-compatible state map shared within a
// scope. Every token of an instance shares one live Context (gateway forks
// do not copy it); each executor call, including every multi-instance
// iteration, receives a Clone. Concurrent writes are last-writer-wins:
// WorkflowInstance's accessors serialise each individual read or write but
// do not coordinate between branches.
type Context map[string]any

// Clone returns a shallow copy suitable for handing to a forked branch or
// multi-instance iteration. Nested maps/slices are not deep-copied: callers
// that mutate nested structures concurrently are responsible for their own
// isolation, matching the "author-controlled isolation" guidance.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge copies src's keys into c, last-writer-wins.
func (c Context) Merge(src Context) {
	for k, v := range src {
		c[k] = v
	}
}

// ElementType enumerates the recognised workflow element types. Type
// strings are compared exactly: neither Build nor the CLI loader
// canonicalises case, so "UserTask" does not match TypeUserTask.
type ElementType string

const (
	TypeStartEvent                 ElementType = "startEvent"
	TypeEndEvent                   ElementType = "endEvent"
	TypeTask                       ElementType = "task"
	TypeScriptTask                 ElementType = "scriptTask"
	TypeServiceTask                ElementType = "serviceTask"
	TypeSendTask                   ElementType = "sendTask"
	TypeReceiveTask                ElementType = "receiveTask"
	TypeUserTask                   ElementType = "userTask"
	TypeAgenticTask                ElementType = "agenticTask"
	TypeManualTask                 ElementType = "manualTask"
	TypeCallActivity               ElementType = "callActivity"
	TypeSubProcess                 ElementType = "subProcess"
	TypeEventSubProcess            ElementType = "eventSubProcess"
	TypeExclusiveGateway           ElementType = "exclusiveGateway"
	TypeInclusiveGateway           ElementType = "inclusiveGateway"
	TypeParallelGateway             ElementType = "parallelGateway"
	TypeEventBasedGateway           ElementType = "eventBasedGateway"
	TypeIntermediateCatchEvent      ElementType = "intermediateCatchEvent"
	TypeIntermediateThrowEvent      ElementType = "intermediateThrowEvent"
	TypeTimerStartEvent             ElementType = "timerStartEvent"
	TypeTimerIntermediateCatchEvent ElementType = "timerIntermediateCatchEvent"
	TypeBoundaryTimerEvent          ElementType = "boundaryTimerEvent"
	TypeBoundaryErrorEvent          ElementType = "boundaryErrorEvent"
	TypeBoundaryMessageEvent        ElementType = "boundaryMessageEvent"
	TypeBoundaryEscalationEvent     ElementType = "boundaryEscalationEvent"
	TypeBoundaryCompensationEvent   ElementType = "boundaryCompensationEvent"
	TypeErrorStartEvent             ElementType = "errorStartEvent"
	TypeMessageStartEvent           ElementType = "messageStartEvent"
	TypeSignalStartEvent            ElementType = "signalStartEvent"
	TypeEscalationStartEvent        ElementType = "escalationStartEvent"
)

// IsGateway reports whether t is one of the four gateway kinds.
func (t ElementType) IsGateway() bool {
	switch t {
	case TypeExclusiveGateway, TypeInclusiveGateway, TypeParallelGateway, TypeEventBasedGateway:
		return true
	}
	return false
}

// IsBoundaryEvent reports whether t attaches to a host activity.
func (t ElementType) IsBoundaryEvent() bool {
	switch t {
	case TypeBoundaryTimerEvent, TypeBoundaryErrorEvent, TypeBoundaryMessageEvent,
		TypeBoundaryEscalationEvent, TypeBoundaryCompensationEvent:
		return true
	}
	return false
}

// Element is one node of a WorkflowDefinition graph.
type Element struct {
	ID            string
	Type          ElementType
	Name          string
	Properties    map[string]string
	AttachedToRef string // for boundary events; resolved to attachedHost at load

	ChildElements   []*Element
	ChildConnections []*Connection

	attachedHost *Element // cached lookup pointer, resolved once at load
}

// Connection is a directed sequence/message flow between two elements.
type Connection struct {
	ID         string
	From       string
	To         string
	Properties map[string]string
}

// Condition returns the Properties["condition"] expression, if any.
func (c *Connection) Condition() string { return c.Properties["condition"] }

// IsDefault reports whether this connection is the gateway's default flow.
func (c *Connection) IsDefault() bool { return c.Properties["isDefault"] == "true" }

// IsCompensation reports whether this connection is a compensation flow.
func (c *Connection) IsCompensation() bool { return c.Properties["isCompensation"] == "true" }

// WorkflowDefinition is an immutable parsed workflow graph. Parsing/
// validation from BPMN XML or YAML is an external, non-goal concern; this
// type is the contract the scheduler consumes.
type WorkflowDefinition struct {
	ID          string
	Name        string
	Elements    []*Element
	Connections []*Connection
	Pools       []string
	Lanes       []string

	// SubprocessDefinitions maps a callActivity's calledElement name to the
	// inner definition it resolves to.
	SubprocessDefinitions map[string]*WorkflowDefinition

	elementsByID   map[string]*Element
	outgoingByFrom map[string][]*Connection
	incomingByTo   map[string][]*Connection
}

// InstanceStatus is the terminal/non-terminal state of a WorkflowInstance.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusSuccess   InstanceStatus = "success"
	StatusFailure   InstanceStatus = "failure"
	StatusCancelled InstanceStatus = "cancelled"
)

// WaitingTaskHandle describes a task suspended awaiting an external event.
type WaitingTaskHandle struct {
	ElementID       string
	Kind            string // "user", "message", "timer", "receive"
	CorrelationKey  string
	MessageRef      string
	DueAt           *time.Time
	CompletionCh    chan any
	decided         bool
	mu              sync.Mutex
}

// MarkDecided records a single decision for this handle, returning false if
// a decision was already recorded (invariant 2: at most one completion
// decision per user task).
func (h *WaitingTaskHandle) MarkDecided() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.decided {
		return false
	}
	h.decided = true
	return true
}

// CompensationEntry records a completed activity's compensation handler and
// the context snapshot taken at the moment of completion.
type CompensationEntry struct {
	ElementID       string
	ScopeID         string
	HandlerRef      string
	ContextSnapshot Context
	registeredAt    time.Time
}

// WorkflowInstance is the mutable run-state owned exclusively by its
// Scheduler. External callers observe it only through the Facade and the
// event stream.
type WorkflowInstance struct {
	InstanceID string
	Definition *WorkflowDefinition
	Context    Context
	StartTime  time.Time
	EndTime    time.Time
	Status     InstanceStatus

	mu sync.RWMutex

	activeTasks map[string]*WaitingTaskHandle
	gateways    *gatewayState
	compensation *compensationRegistry
	cost         *exec.CostTracker

	cancel       func(error)
	cancelReason error
}

// Cost returns the instance's Agentic Task spend tracker, attributing LLM
// token usage and cost per call across the life of this one instance.
func (w *WorkflowInstance) Cost() *exec.CostTracker {
	return w.cost
}

func newWorkflowInstance(id string, def *WorkflowDefinition, initial Context) *WorkflowInstance {
	return &WorkflowInstance{
		InstanceID:   id,
		Definition:   def,
		Context:      initial.Clone(),
		StartTime:    time.Now(),
		Status:       StatusRunning,
		activeTasks:  make(map[string]*WaitingTaskHandle),
		gateways:     newGatewayState(),
		compensation: newCompensationRegistry(),
		cost:         exec.NewCostTracker(),
	}
}

func (w *WorkflowInstance) registerWaiting(h *WaitingTaskHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeTasks[h.ElementID] = h
}

func (w *WorkflowInstance) unregisterWaiting(elementID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeTasks, elementID)
}

func (w *WorkflowInstance) waiting(elementID string) (*WaitingTaskHandle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.activeTasks[elementID]
	return h, ok
}

// Message is a payload delivered through the MessageBus.
type Message struct {
	MessageRef     string
	CorrelationKey string
	Payload        map[string]any
	ReceivedAt     time.Time
}

// Build indexes Connections/Elements for O(1) lookup and resolves
// AttachedToRef boundary-event back-references once, per the design note
// that cyclic graphs must never become pointer cycles.
func (d *WorkflowDefinition) Build() error {
	d.elementsByID = make(map[string]*Element, len(d.Elements))
	d.outgoingByFrom = make(map[string][]*Connection)
	d.incomingByTo = make(map[string][]*Connection)

	var index func(els []*Element)
	index = func(els []*Element) {
		for _, e := range els {
			d.elementsByID[e.ID] = e
			if len(e.ChildElements) > 0 {
				index(e.ChildElements)
			}
		}
	}
	index(d.Elements)

	var indexConns func(conns []*Connection)
	indexConns = func(conns []*Connection) {
		for _, c := range conns {
			d.outgoingByFrom[c.From] = append(d.outgoingByFrom[c.From], c)
			d.incomingByTo[c.To] = append(d.incomingByTo[c.To], c)
		}
	}
	indexConns(d.Connections)
	var walkChildConns func(els []*Element)
	walkChildConns = func(els []*Element) {
		for _, e := range els {
			if len(e.ChildConnections) > 0 {
				indexConns(e.ChildConnections)
			}
			if len(e.ChildElements) > 0 {
				walkChildConns(e.ChildElements)
			}
		}
	}
	walkChildConns(d.Elements)

	for _, e := range d.elementsByID {
		if e.AttachedToRef != "" {
			host, ok := d.elementsByID[e.AttachedToRef]
			if !ok {
				return NewTaskError(e.ID, ErrDefinitionInvalid, fmt.Errorf("attachedToRef %q does not resolve", e.AttachedToRef))
			}
			e.attachedHost = host
		}
	}

	defaultCount := make(map[string]int)
	for _, c := range d.Connections {
		if c.IsDefault() {
			defaultCount[c.From]++
		}
	}
	for from, n := range defaultCount {
		if n > 1 {
			return NewTaskError(from, ErrDefinitionInvalid, fmt.Errorf("gateway has %d default flows, want <=1", n))
		}
	}

	for name := range d.SubprocessDefinitions {
		if err := d.SubprocessDefinitions[name].Build(); err != nil {
			return err
		}
	}

	return nil
}

// Element looks up an element by id.
func (d *WorkflowDefinition) Element(id string) (*Element, bool) {
	e, ok := d.elementsByID[id]
	return e, ok
}

// Outgoing returns the connections leaving elementID, in declaration order.
func (d *WorkflowDefinition) Outgoing(elementID string) []*Connection {
	return d.outgoingByFrom[elementID]
}

// Incoming returns the connections arriving at elementID, in declaration order.
func (d *WorkflowDefinition) Incoming(elementID string) []*Connection {
	return d.incomingByTo[elementID]
}

// AttachedHost returns the cached host element pointer for a boundary event.
func (e *Element) AttachedHost() *Element { return e.attachedHost }
