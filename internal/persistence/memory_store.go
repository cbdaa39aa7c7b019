package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/shipit/pkg/api"
)

type runKey struct {
	workflowID string
	runID      string
}

// InMemoryStore is a simple, goroutine-safe implementation of InstanceStore,
// Inbox and EventStore backed by maps. Instances are copied on the way in and
// out so callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[runKey]*api.WorkflowInstance
	pending   map[runKey][]InboxEntry
	seen      map[runKey]map[string]struct{}
	history   map[runKey][]api.WorkflowEvent
	nextSeq   int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[runKey]*api.WorkflowInstance),
		pending:   make(map[runKey][]InboxEntry),
		seen:      make(map[runKey]map[string]struct{}),
		history:   make(map[runKey][]api.WorkflowEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ InstanceStore = (*InMemoryStore)(nil)
	_ Inbox         = (*InMemoryStore)(nil)
	_ EventStore    = (*InMemoryStore)(nil)
)

// Persistence returns a Persistence bundle backed entirely by s.
func (s *InMemoryStore) Persistence() Persistence {
	return Persistence{Instances: s, Inbox: s, Events: s}
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{inst.WorkflowID, inst.RunID}
	if _, ok := s.instances[key]; ok {
		return ErrInstanceExists
	}
	s.instances[key] = inst.Clone()
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{inst.WorkflowID, inst.RunID}
	if _, ok := s.instances[key]; !ok {
		return ErrInstanceNotFound
	}
	s.instances[key] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, workflowID, runID string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[runKey{workflowID, runID}]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.match(inst) {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) Push(ctx context.Context, workflowID, runID string, ev api.Event) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{workflowID, runID}
	if ev.ID != "" {
		ids := s.seen[key]
		if ids == nil {
			ids = make(map[string]struct{})
			s.seen[key] = ids
		}
		if _, dup := ids[ev.ID]; dup {
			return 0, true, nil
		}
		ids[ev.ID] = struct{}{}
	}

	s.nextSeq++
	s.pending[key] = append(s.pending[key], InboxEntry{
		WorkflowID: workflowID,
		RunID:      runID,
		Seq:        s.nextSeq,
		Event:      ev,
		EnqueuedAt: time.Now(),
	})
	return s.nextSeq, false, nil
}

func (s *InMemoryStore) Ack(ctx context.Context, workflowID, runID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{workflowID, runID}
	entries := s.pending[key]
	for i, e := range entries {
		if e.Seq == seq {
			s.pending[key] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.pending[key]) == 0 {
		delete(s.pending, key)
	}
	return nil
}

func (s *InMemoryStore) Pending(ctx context.Context, workflowID, runID string) ([]InboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.pending[runKey{workflowID, runID}]
	out := make([]InboxEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{ev.WorkflowID, ev.RunID}
	s.history[key] = append(s.history[key], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, workflowID, runID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[runKey{workflowID, runID}]
	out := make([]api.WorkflowEvent, len(events))
	copy(out, events)
	return out, nil
}
