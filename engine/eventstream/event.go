// Package eventstream implements EventStore + EventStream (§4.3): an
// append-only per-instance log of execution events with replay, and a
// live-subscriber push surface. It is grounded on its
// graph/emit.Event/Emitter shape (the exported Event/Stream API below
// mirrors that pairing) and on graph/store.Store's transactional-outbox
// PendingEvents/MarkEventsEmitted pattern, adapted from per-workflow-state
// persistence to per-instance causal event persistence.
package eventstream

import "time"

// Type enumerates the event types of §6's event-stream table.
type Type string

const (
	WorkflowStarted      Type = "workflow.started"
	WorkflowCompleted    Type = "workflow.completed"
	ElementEntered       Type = "element.entered"
	ElementCompleted     Type = "element.completed"
	ElementSkipped       Type = "element.skipped"
	ElementFailed        Type = "element.failed"
	GatewayEvaluating    Type = "gateway.evaluating"
	GatewayPathTaken     Type = "gateway.path_taken"
	GatewayPathNotTaken  Type = "gateway.path_not_taken"
	TaskUserPending      Type = "task.user.pending"
	TaskCancelled        Type = "task.cancelled"
	TaskThinking         Type = "task.thinking"
	TaskToolStart        Type = "task.tool.start"
	TaskToolEnd          Type = "task.tool.end"
	TextMessageStart     Type = "text.message.start"
	TextMessageChunk     Type = "text.message.chunk"
	TextMessageEnd       Type = "text.message.end"
	MessageDelivered     Type = "message.delivered"
	CompensationTriggered Type = "compensation.triggered"
	ExpressionError      Type = "expression.error"
)

// Event is a causal, per-instance execution event (§3).
type Event struct {
	// ID uniquely identifies this event for outbox/ack bookkeeping.
	ID string
	Type      Type
	InstanceID string
	ElementID string // optional: empty for workflow-level events
	Timestamp time.Time
	Payload   map[string]any

	emitted bool
}
