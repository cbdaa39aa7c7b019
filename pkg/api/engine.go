package api

import (
	"context"
)

// Target addresses one workflow run.
//
// An empty RunID addresses the currently active run of WorkflowID.
type Target struct {
	WorkflowID string
	RunID      string
}

func (t Target) String() string {
	if t.RunID == "" {
		return t.WorkflowID
	}
	return t.WorkflowID + "/" + t.RunID
}

// ScheduleOptions controls ScheduleWorkflow.
type ScheduleOptions struct {
	// Exclusive rejects scheduling when a run with the same workflow ID is
	// still active.
	Exclusive bool
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// WorkflowName, if non-empty, limits results to instances of the given workflow.
	WorkflowName string

	// WorkflowID, if non-empty, limits results to runs of the given workflow ID.
	WorkflowID string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// Engine owns workflow instances, their event queues, and step execution.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// RegisterTaskQueue binds a capability provider to a named task queue.
	// Steps routed to the queue run on a pool of concurrency workers.
	RegisterTaskQueue(name string, capability any, concurrency int) error

	// ScheduleWorkflow creates a new instance of the named workflow and starts
	// its main function. It returns the new run ID.
	ScheduleWorkflow(ctx context.Context, name, workflowID string, opts ScheduleOptions) (string, error)

	// SendEvent enqueues ev for the target and waits for the handler result.
	// Cancelling ctx stops the wait; the handler keeps running.
	SendEvent(ctx context.Context, target Target, ev Event) (any, error)

	// Post enqueues ev for the target and returns once it is durably queued.
	Post(ctx context.Context, target Target, ev Event) error

	// GetInstance returns a snapshot of the addressed instance.
	GetInstance(ctx context.Context, target Target) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// ListHistory returns the append-only history of the addressed run.
	ListHistory(ctx context.Context, target Target) ([]WorkflowEvent, error)

	// Terminate retires an instance. Events sent afterwards are rejected.
	Terminate(ctx context.Context, target Target, reason string) error

	// Recover reattaches persisted, non-terminated instances and redelivers
	// their unacknowledged events in sequence order.
	//
	// It is intended to be called once on process startup, after all
	// workflows and task queues have been registered.
	Recover(ctx context.Context) (int, error)

	// Close stops all instances and worker pools.
	Close()
}
