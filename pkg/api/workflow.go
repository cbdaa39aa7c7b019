package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusRunning    Status = "RUNNING"
	StatusTerminated Status = "TERMINATED"
)

// Event is a named occurrence delivered to a workflow instance.
//
// ID is optional. When set, a second event with the same ID sent to the
// same run is dropped.
type Event struct {
	ID      string
	Name    string
	Payload json.RawMessage
}

// NewEvent builds an Event with payload JSON-encoded.
func NewEvent(name string, payload any) (Event, error) {
	ev := Event{Name: name}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	ev.Payload = data
	return ev, nil
}

// HandlerFunc handles one occurrence of an event.
type HandlerFunc func(ctx context.Context, wc WorkflowContext, payload json.RawMessage) (any, error)

// MainFunc is the body of a workflow instance. The instance terminates when
// it returns. A nil MainFunc keeps the instance alive until Terminate.
type MainFunc func(ctx context.Context, wc WorkflowContext) error

// WorkflowDefinition declares a workflow: its main function and one handler
// per event name.
type WorkflowDefinition struct {
	Name     string
	Handlers map[string]HandlerFunc
	Run      MainFunc
}

// On adapts a typed handler to a HandlerFunc. An empty payload decodes to
// the zero value of T.
func On[T, R any](fn func(ctx context.Context, wc WorkflowContext, in T) (R, error)) HandlerFunc {
	return func(ctx context.Context, wc WorkflowContext, payload json.RawMessage) (any, error) {
		var in T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		return fn(ctx, wc, in)
	}
}

// WorkflowInstance is a snapshot of one workflow run.
type WorkflowInstance struct {
	WorkflowID string
	RunID      string
	Name       string
	Status     Status

	// Vars holds workflow-local variables as JSON values.
	Vars map[string]json.RawMessage

	// Err is the reason the instance terminated, if any.
	Err error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target returns the address of the instance.
func (w *WorkflowInstance) Target() Target {
	return Target{WorkflowID: w.WorkflowID, RunID: w.RunID}
}

// Clone returns a deep copy of the instance.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	if w.Vars != nil {
		c.Vars = make(map[string]json.RawMessage, len(w.Vars))
		for k, v := range w.Vars {
			c.Vars[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Zero means no cap.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each retry (default 2.0).
	BackoffMultiplier float64

	// Retryable decides whether err may be retried. Nil retries every error.
	Retryable func(err error) bool
}

// StepOptions controls a single step invocation.
type StepOptions struct {
	Retry   *RetryPolicy
	Timeout time.Duration
}

// StepOption configures StepOptions.
type StepOption func(*StepOptions)

// WithRetry applies a retry policy to the step.
func WithRetry(p RetryPolicy) StepOption {
	return func(o *StepOptions) {
		r := p
		o.Retry = &r
	}
}

// WithTimeout bounds each attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(o *StepOptions) {
		o.Timeout = d
	}
}
