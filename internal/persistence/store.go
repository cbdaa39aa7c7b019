package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/shipit/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned by SaveInstance for a duplicate run.
	ErrInstanceExists = errors.New("instance already exists")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	WorkflowID   string
	Status       api.Status
}

func (f InstanceFilter) match(inst *api.WorkflowInstance) bool {
	if f.WorkflowName != "" && inst.Name != f.WorkflowName {
		return false
	}
	if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// InstanceStore handles storage of workflow instances, keyed by
// (WorkflowID, RunID).
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, workflowID, runID string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
}

// InboxEntry is an event accepted for a run but not yet acknowledged.
type InboxEntry struct {
	WorkflowID string
	RunID      string
	Seq        int64
	Event      api.Event
	EnqueuedAt time.Time
}

// Inbox is the durable event queue of workflow runs.
//
// Implementations must guarantee:
//   - Push assigns sequence numbers that increase monotonically per run.
//   - Pending returns un-acknowledged entries ordered by sequence, so every
//     accepted event is delivered at least once after a restart.
//   - An event with a non-empty ID that was already pushed to the same run
//     (acknowledged or not) is reported as duplicate and not stored again.
type Inbox interface {
	Push(ctx context.Context, workflowID, runID string, ev api.Event) (seq int64, duplicate bool, err error)
	Ack(ctx context.Context, workflowID, runID string, seq int64) error
	Pending(ctx context.Context, workflowID, runID string) ([]InboxEntry, error)
}
