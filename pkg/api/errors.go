package api

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowTerminated matches every WorkflowTerminatedError.
	ErrWorkflowTerminated = errors.New("workflow terminated")

	// ErrNoHandler is returned when an event has no registered handler.
	ErrNoHandler = errors.New("no handler registered for event")

	// ErrUnknownTaskQueue is returned when a step names an unregistered queue.
	ErrUnknownTaskQueue = errors.New("unknown task queue")

	// ErrDuplicateEvent is returned by SendEvent when an event with the same
	// ID was already delivered to the run.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrEngineClosed is returned once Close has been called. Events that
	// were queued but not handled stay in the inbox for Recover.
	ErrEngineClosed = errors.New("engine closed")
)

// SchedulingError is returned by ScheduleWorkflow.
type SchedulingError struct {
	Workflow   string
	WorkflowID string
	Reason     string
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("cannot schedule workflow %s (id=%s): %s", e.Workflow, e.WorkflowID, e.Reason)
}

// UnknownWorkflowError is returned when an event addresses no known instance.
type UnknownWorkflowError struct {
	Target Target
}

func (e *UnknownWorkflowError) Error() string {
	return "unknown workflow instance: " + e.Target.String()
}

// WorkflowTerminatedError is returned when an event addresses an instance
// that already reached its terminal state.
type WorkflowTerminatedError struct {
	Target Target
}

func (e *WorkflowTerminatedError) Error() string {
	return "workflow instance terminated: " + e.Target.String()
}

func (e *WorkflowTerminatedError) Is(target error) bool {
	return target == ErrWorkflowTerminated
}

// StepError wraps the final error of a failed step. It unwraps to the
// provider error so callers can match it with errors.Is / errors.As.
type StepError struct {
	Queue     string
	Operation string
	Attempts  int
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s/%s failed after %d attempt(s): %v", e.Queue, e.Operation, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
