package api

import (
	"context"
	"fmt"
	"log/slog"
)

// WorkflowContext is the view a running workflow has of its own instance.
// All reads and writes of instance state go through it.
type WorkflowContext interface {
	// Target returns the address of the instance.
	Target() Target

	// WorkflowName returns the name of the workflow definition.
	WorkflowName() string

	// Logger returns a logger annotated with the instance identity.
	Logger() *slog.Logger

	// Var decodes the variable name into dst. It reports false when the
	// variable is unset.
	Var(name string, dst any) (bool, error)

	// SetVar stores a workflow-local variable and wakes pending conditions.
	SetVar(ctx context.Context, name string, value any) error

	// Condition blocks until pred returns true. pred is re-evaluated each
	// time the instance state changes.
	Condition(ctx context.Context, pred func() bool) error

	// ExecuteStep runs call on the worker pool bound to queue, passing it the
	// capability registered for that queue.
	ExecuteStep(ctx context.Context, queue, operation string, call func(ctx context.Context, capability any) (any, error), opts StepOptions) (any, error)
}

// Step executes one external effect through the capability of type C bound
// to queue. It is the typed entry point for WorkflowContext.ExecuteStep.
func Step[C, R any](
	ctx context.Context,
	wc WorkflowContext,
	queue, operation string,
	call func(ctx context.Context, c C) (R, error),
	opts ...StepOption,
) (R, error) {
	var o StepOptions
	for _, opt := range opts {
		opt(&o)
	}

	var zero R
	out, err := wc.ExecuteStep(ctx, queue, operation, func(ctx context.Context, capability any) (any, error) {
		c, ok := capability.(C)
		if !ok {
			return nil, fmt.Errorf("task queue %q: capability %T does not implement %T", queue, capability, (*C)(nil))
		}
		return call(ctx, c)
	}, o)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	r, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("step %s/%s: unexpected result type %T", queue, operation, out)
	}
	return r, nil
}
