package api

import "time"

// EventType identifies a workflow history record.
type EventType string

const (
	EventWorkflowScheduled  EventType = "workflow.scheduled"
	EventWorkflowRecovered  EventType = "workflow.recovered"
	EventWorkflowTerminated EventType = "workflow.terminated"

	EventReceived  EventType = "event.received"
	EventDuplicate EventType = "event.duplicate"
	EventCompleted EventType = "event.completed"
	EventFailed    EventType = "event.failed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
)

// WorkflowEvent is a minimal append-only history record for audit/debugging.
// It is intentionally small and stable; richer history can be layered later.
type WorkflowEvent struct {
	WorkflowID string
	RunID      string
	At         time.Time
	Type       EventType

	// Optional context.
	WorkflowName string
	Event        string
	Step         string

	// Small, human-oriented details (e.g. error string, attempt).
	// Keep this low-volume: do NOT dump payloads here.
	Detail string
}
