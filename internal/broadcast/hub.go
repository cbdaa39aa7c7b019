// Package broadcast delivers workflow outcomes to live observers.
//
// A Hub owns the set of registered sinks. Broadcast fans a message out to
// every open sink; a sink that is closed, fails or panics is removed without
// affecting the others or the caller.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSinkClosed is returned by a sink that can no longer accept messages.
var ErrSinkClosed = errors.New("sink closed")

// Sink is a live delivery target.
type Sink interface {
	// Send delivers msg. It must not block on a slow consumer.
	Send(ctx context.Context, msg Message) error

	// Closed reports whether the sink stopped accepting messages.
	Closed() bool
}

// Handle identifies a registration.
type Handle uint64

// RemoveReason tells why a sink left the hub.
type RemoveReason string

const (
	RemoveUnregistered RemoveReason = "unregistered"
	RemoveClosed       RemoveReason = "closed"
	RemoveFailed       RemoveReason = "failed"
)

// HubObserver receives hub lifecycle callbacks.
type HubObserver interface {
	OnSinkRegistered(active int)
	OnSinkRemoved(active int, reason RemoveReason)
	OnBroadcast(t MessageType, delivered, failed int)
}

type noopHubObserver struct{}

func (noopHubObserver) OnSinkRegistered(int)              {}
func (noopHubObserver) OnSinkRemoved(int, RemoveReason)   {}
func (noopHubObserver) OnBroadcast(MessageType, int, int) {}

// Hub is a concurrency-safe set of sinks.
type Hub struct {
	mu     sync.Mutex
	sinks  map[Handle]Sink
	nextID Handle

	// sendMu serializes Broadcast so every sink sees messages in call order.
	sendMu sync.Mutex

	observer HubObserver
	logger   *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithObserver(o HubObserver) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sinks:    make(map[Handle]Sink),
		observer: noopHubObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds sink to the active set.
func (h *Hub) Register(sink Sink) Handle {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.sinks[id] = sink
	n := len(h.sinks)
	h.mu.Unlock()

	h.observer.OnSinkRegistered(n)
	h.logger.Debug("sink registered", slog.Uint64("handle", uint64(id)), slog.Int("active", n))
	return id
}

// Unregister removes the sink behind handle. Unknown or already removed
// handles are ignored.
func (h *Hub) Unregister(handle Handle) {
	h.remove(handle, RemoveUnregistered)
}

func (h *Hub) remove(handle Handle, reason RemoveReason) {
	h.mu.Lock()
	if _, ok := h.sinks[handle]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sinks, handle)
	n := len(h.sinks)
	h.mu.Unlock()

	h.observer.OnSinkRemoved(n, reason)
	h.logger.Debug("sink removed",
		slog.Uint64("handle", uint64(handle)),
		slog.String("reason", string(reason)),
		slog.Int("active", n),
	)
}

// Len returns the number of registered sinks.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

type entry struct {
	handle Handle
	sink   Sink
}

func (h *Hub) snapshot() []entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]entry, 0, len(h.sinks))
	for id, s := range h.sinks {
		out = append(out, entry{handle: id, sink: s})
	}
	return out
}

// Broadcast delivers msg to every open sink and returns how many accepted
// it. Closed sinks are skipped and removed. Delivery errors never reach the
// caller.
func (h *Hub) Broadcast(ctx context.Context, msg Message) int {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	var delivered, failed int
	for _, e := range h.snapshot() {
		if e.sink.Closed() {
			h.remove(e.handle, RemoveClosed)
			continue
		}
		if err := deliver(ctx, e.sink, msg); err != nil {
			failed++
			h.logger.WarnContext(ctx, "broadcast delivery failed",
				slog.Uint64("handle", uint64(e.handle)),
				slog.String("type", string(msg.Type)),
				slog.Any("error", err),
			)
			h.remove(e.handle, RemoveFailed)
			continue
		}
		delivered++
	}

	h.observer.OnBroadcast(msg.Type, delivered, failed)
	return delivered
}

func deliver(ctx context.Context, s Sink, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Send(ctx, msg)
}
