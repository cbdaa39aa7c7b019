package taskqueue

import (
	"context"
	"time"
)

// Task is one step attempt waiting for a worker.
type Task struct {
	ID string

	// Queue is the name of the task queue the task was routed to.
	Queue string

	// Operation names the capability call, e.g. "createRelease".
	Operation string

	// Run performs the call. It is invoked exactly once by a worker.
	Run func() (any, error)

	// Result receives the outcome of Run. It must be buffered so a worker
	// never blocks on a caller that has gone away.
	Result chan<- Result

	EnqueuedAt time.Time
}

// Result is the outcome of a Task.
type Result struct {
	Value any
	Err   error
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
