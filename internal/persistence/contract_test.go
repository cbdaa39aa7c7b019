package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/shipit/pkg/api"
)

// runPersistenceContract exercises the behaviour every backend must share.
func runPersistenceContract(t *testing.T, newPersistence func(t *testing.T) Persistence) {
	t.Run("SaveGetUpdate", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		now := time.Now().Truncate(time.Millisecond)
		inst := &api.WorkflowInstance{
			WorkflowID: "hello",
			RunID:      "run-1",
			Name:       "handleReleaseWorkflow",
			Status:     api.StatusRunning,
			Vars:       map[string]json.RawMessage{"endReleaseWorkflow": json.RawMessage(`false`)},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		require.NoError(t, p.Instances.SaveInstance(ctx, inst))

		got, err := p.Instances.GetInstance(ctx, "hello", "run-1")
		require.NoError(t, err)
		require.Equal(t, "handleReleaseWorkflow", got.Name)
		require.Equal(t, api.StatusRunning, got.Status)
		require.JSONEq(t, `false`, string(got.Vars["endReleaseWorkflow"]))
		require.True(t, got.CreatedAt.Equal(now))

		got.Status = api.StatusTerminated
		got.Err = errors.New("terminated: shutdown")
		got.Vars["endReleaseWorkflow"] = json.RawMessage(`true`)
		require.NoError(t, p.Instances.UpdateInstance(ctx, got))

		again, err := p.Instances.GetInstance(ctx, "hello", "run-1")
		require.NoError(t, err)
		require.Equal(t, api.StatusTerminated, again.Status)
		require.EqualError(t, again.Err, "terminated: shutdown")
		require.JSONEq(t, `true`, string(again.Vars["endReleaseWorkflow"]))
	})

	t.Run("SaveDuplicateRun", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		inst := &api.WorkflowInstance{WorkflowID: "hello", RunID: "run-1", Name: "wf", Status: api.StatusRunning}
		require.NoError(t, p.Instances.SaveInstance(ctx, inst))
		require.ErrorIs(t, p.Instances.SaveInstance(ctx, inst), ErrInstanceExists)
	})

	t.Run("MissingInstance", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		_, err := p.Instances.GetInstance(ctx, "nope", "nope")
		require.ErrorIs(t, err, ErrInstanceNotFound)

		err = p.Instances.UpdateInstance(ctx, &api.WorkflowInstance{WorkflowID: "nope", RunID: "nope"})
		require.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ListInstancesFilters", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		base := time.Now()
		for i, inst := range []*api.WorkflowInstance{
			{WorkflowID: "a", RunID: "1", Name: "release", Status: api.StatusTerminated},
			{WorkflowID: "a", RunID: "2", Name: "release", Status: api.StatusRunning},
			{WorkflowID: "b", RunID: "1", Name: "other", Status: api.StatusRunning},
		} {
			inst.CreatedAt = base.Add(time.Duration(i) * time.Second)
			inst.UpdatedAt = inst.CreatedAt
			require.NoError(t, p.Instances.SaveInstance(ctx, inst))
		}

		all, err := p.Instances.ListInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "1", all[0].RunID)
		require.Equal(t, "b", all[2].WorkflowID)

		running, err := p.Instances.ListInstances(ctx, InstanceFilter{Status: api.StatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 2)

		byName, err := p.Instances.ListInstances(ctx, InstanceFilter{WorkflowName: "release", Status: api.StatusRunning})
		require.NoError(t, err)
		require.Len(t, byName, 1)
		require.Equal(t, "2", byName[0].RunID)

		byID, err := p.Instances.ListInstances(ctx, InstanceFilter{WorkflowID: "b"})
		require.NoError(t, err)
		require.Len(t, byID, 1)
		require.Equal(t, "other", byID[0].Name)
	})

	t.Run("InboxOrderAndAck", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		var seqs []int64
		for _, name := range []string{"greeting", "create-release", "greeting"} {
			seq, dup, err := p.Inbox.Push(ctx, "hello", "run-1", api.Event{Name: name, Payload: json.RawMessage(`{"n":1}`)})
			require.NoError(t, err)
			require.False(t, dup)
			seqs = append(seqs, seq)
		}
		require.Less(t, seqs[0], seqs[1])
		require.Less(t, seqs[1], seqs[2])

		// Other runs are isolated.
		_, _, err := p.Inbox.Push(ctx, "hello", "run-2", api.Event{Name: "greeting"})
		require.NoError(t, err)

		pending, err := p.Inbox.Pending(ctx, "hello", "run-1")
		require.NoError(t, err)
		require.Len(t, pending, 3)
		require.Equal(t, "create-release", pending[1].Event.Name)
		require.JSONEq(t, `{"n":1}`, string(pending[1].Event.Payload))

		require.NoError(t, p.Inbox.Ack(ctx, "hello", "run-1", seqs[1]))

		pending, err = p.Inbox.Pending(ctx, "hello", "run-1")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, seqs[0], pending[0].Seq)
		require.Equal(t, seqs[2], pending[1].Seq)
	})

	t.Run("InboxDuplicateIDs", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		ev := api.Event{ID: "delivery-1", Name: "create-release"}
		seq, dup, err := p.Inbox.Push(ctx, "hello", "run-1", ev)
		require.NoError(t, err)
		require.False(t, dup)

		_, dup, err = p.Inbox.Push(ctx, "hello", "run-1", ev)
		require.NoError(t, err)
		require.True(t, dup)

		// Still a duplicate after acknowledgement.
		require.NoError(t, p.Inbox.Ack(ctx, "hello", "run-1", seq))
		_, dup, err = p.Inbox.Push(ctx, "hello", "run-1", ev)
		require.NoError(t, err)
		require.True(t, dup)

		// The same ID on another run is a distinct event.
		_, dup, err = p.Inbox.Push(ctx, "hello", "run-2", ev)
		require.NoError(t, err)
		require.False(t, dup)

		// Events without an ID are never deduplicated.
		for i := 0; i < 2; i++ {
			_, dup, err = p.Inbox.Push(ctx, "hello", "run-1", api.Event{Name: "greeting"})
			require.NoError(t, err)
			require.False(t, dup)
		}
	})

	t.Run("History", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		require.NoError(t, p.Events.AppendEvent(ctx, api.WorkflowEvent{WorkflowID: "hello", RunID: "run-1", Type: api.EventWorkflowScheduled, WorkflowName: "wf"}))
		require.NoError(t, p.Events.AppendEvent(ctx, api.WorkflowEvent{WorkflowID: "hello", RunID: "run-1", Type: api.EventReceived, Event: "greeting"}))
		require.NoError(t, p.Events.AppendEvent(ctx, api.WorkflowEvent{WorkflowID: "hello", RunID: "run-2", Type: api.EventReceived}))

		events, err := p.Events.ListEvents(ctx, "hello", "run-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, api.EventWorkflowScheduled, events[0].Type)
		require.Equal(t, "wf", events[0].WorkflowName)
		require.Equal(t, "greeting", events[1].Event)
		require.False(t, events[1].At.IsZero())
	})
}
