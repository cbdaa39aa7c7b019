package persistence

import (
	"context"

	"github.com/petrijr/shipit/pkg/api"
)

// EventStore is the append-only execution history of workflow runs. It is
// diagnostic: the engine never reads it back to make decisions.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.WorkflowEvent) error

	// ListEvents returns the history of one run in append order.
	ListEvents(ctx context.Context, workflowID, runID string) ([]api.WorkflowEvent, error)
}

// Persistence is the set of stores one engine writes to. The three stores
// may be the same value.
type Persistence struct {
	Instances InstanceStore
	Inbox     Inbox
	Events    EventStore
}

// WithDefaults fills missing stores: instances and inbox share a private
// in-memory store, and history is discarded.
func (p Persistence) WithDefaults() Persistence {
	if p.Instances == nil || p.Inbox == nil {
		mem := NewInMemoryStore()
		if p.Instances == nil {
			p.Instances = mem
		}
		if p.Inbox == nil {
			p.Inbox = mem
		}
	}
	if p.Events == nil {
		p.Events = discardEvents{}
	}
	return p
}

type discardEvents struct{}

func (discardEvents) AppendEvent(context.Context, api.WorkflowEvent) error { return nil }

func (discardEvents) ListEvents(context.Context, string, string) ([]api.WorkflowEvent, error) {
	return nil, nil
}
