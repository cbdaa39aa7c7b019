package api

import "context"

// Future is the pending result of an event accepted by SendEventAsync.
type Future interface {
	// Done is closed once the handler has returned.
	Done() <-chan struct{}

	// Wait blocks until the handler returns or ctx is done. Cancelling ctx
	// does not affect the handler. Wait may be called more than once.
	Wait(ctx context.Context) (any, error)
}

// AsyncSender is implemented by engines that can accept an event and hand
// back its result later.
type AsyncSender interface {
	Engine

	// SendEventAsync enqueues ev like Post and returns a Future for the
	// handler result. It fails with ErrDuplicateEvent when ev.ID was already
	// delivered to the run.
	SendEventAsync(ctx context.Context, target Target, ev Event) (Future, error)
}
