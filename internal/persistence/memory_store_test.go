package persistence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/shipit/pkg/api"
)

func TestInMemoryStore(t *testing.T) {
	runPersistenceContract(t, func(t *testing.T) Persistence {
		return NewInMemoryStore().Persistence()
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	inst := &api.WorkflowInstance{
		WorkflowID: "hello",
		RunID:      "run-1",
		Vars:       map[string]json.RawMessage{"k": json.RawMessage(`1`)},
	}
	require.NoError(t, store.SaveInstance(ctx, inst))

	inst.Vars["k"] = json.RawMessage(`2`)
	got, err := store.GetInstance(ctx, "hello", "run-1")
	require.NoError(t, err)
	require.Equal(t, `1`, string(got.Vars["k"]))

	got.Vars["k"] = json.RawMessage(`3`)
	again, err := store.GetInstance(ctx, "hello", "run-1")
	require.NoError(t, err)
	require.Equal(t, `1`, string(again.Vars["k"]))
}

func TestPersistence_WithDefaults(t *testing.T) {
	ctx := context.Background()

	p := Persistence{}.WithDefaults()
	require.NotNil(t, p.Instances)
	require.Same(t, p.Instances, p.Inbox)

	require.NoError(t, p.Events.AppendEvent(ctx, api.WorkflowEvent{WorkflowID: "w", RunID: "r"}))
	history, err := p.Events.ListEvents(ctx, "w", "r")
	require.NoError(t, err)
	require.Empty(t, history)

	mem := NewInMemoryStore()
	kept := Persistence{Instances: mem, Events: mem}.WithDefaults()
	require.Same(t, mem, kept.Instances)
	require.NotSame(t, mem, kept.Inbox)
}
