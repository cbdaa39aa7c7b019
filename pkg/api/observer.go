package api

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; they are called from
// handler goroutines.
type Observer interface {
	// OnWorkflowStart is called once when an instance starts running, either
	// after ScheduleWorkflow or after Recover.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowTerminated is called when an instance reaches its terminal
	// state. err is nil when the main function returned cleanly.
	OnWorkflowTerminated(ctx context.Context, inst *WorkflowInstance, err error)

	// OnEventStart is called before a handler runs for an event.
	OnEventStart(ctx context.Context, inst *WorkflowInstance, event string)

	// OnEventCompleted is called after a handler returns, for both
	// successes and failures (err != nil).
	OnEventCompleted(ctx context.Context, inst *WorkflowInstance, event string, err error, duration time.Duration)

	// OnStepStart is called before each attempt of a step.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, queue, operation string, attempt int)

	// OnStepCompleted is called after each attempt of a step.
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, queue, operation string, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnWorkflowTerminated(ctx context.Context, inst *WorkflowInstance, err error) {
}
func (NoopObserver) OnEventStart(ctx context.Context, inst *WorkflowInstance, event string) {}
func (NoopObserver) OnEventCompleted(ctx context.Context, inst *WorkflowInstance, event string, err error, d time.Duration) {
}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowTerminated(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowTerminated(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnEventStart(ctx context.Context, inst *WorkflowInstance, event string) {
	for _, o := range c.observers {
		o.OnEventStart(ctx, inst, event)
	}
}

func (c *CompositeObserver) OnEventCompleted(ctx context.Context, inst *WorkflowInstance, event string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnEventCompleted(ctx, inst, event, err, d)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, queue, op, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, queue, op, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow, event and step
// lifecycle using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", inst.Name),
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowTerminated(ctx context.Context, inst *WorkflowInstance, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "workflow_terminated",
		slog.String("workflow", inst.Name),
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEventStart(ctx context.Context, inst *WorkflowInstance, event string) {
	o.Logger.DebugContext(ctx, "event_start",
		slog.String("workflow", inst.Name),
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("event", event),
	)
}

func (o *LoggingObserver) OnEventCompleted(ctx context.Context, inst *WorkflowInstance, event string, err error, d time.Duration) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "event_completed",
		slog.String("workflow", inst.Name),
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("event", event),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("queue", queue),
		slog.String("step", op),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("queue", queue),
		slog.String("step", op),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}
