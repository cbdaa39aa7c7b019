package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingObserver records how often each callback fired.
type countingObserver struct {
	mu    sync.Mutex
	calls map[string]int
	last  error
}

func newCountingObserver() *countingObserver {
	return &countingObserver{calls: make(map[string]int)}
}

func (o *countingObserver) hit(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[name]++
	if err != nil {
		o.last = err
	}
}

func (o *countingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.hit("start", nil)
}
func (o *countingObserver) OnWorkflowTerminated(ctx context.Context, inst *WorkflowInstance, err error) {
	o.hit("terminated", err)
}
func (o *countingObserver) OnEventStart(ctx context.Context, inst *WorkflowInstance, event string) {
	o.hit("event_start", nil)
}
func (o *countingObserver) OnEventCompleted(ctx context.Context, inst *WorkflowInstance, event string, err error, d time.Duration) {
	o.hit("event_completed", err)
}
func (o *countingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int) {
	o.hit("step_start", nil)
}
func (o *countingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, queue, op string, attempt int, err error, d time.Duration) {
	o.hit("step_completed", err)
}

func fire(o Observer, err error) {
	ctx := context.Background()
	inst := &WorkflowInstance{WorkflowID: "wf", RunID: "r1", Name: "demo"}
	o.OnWorkflowStart(ctx, inst)
	o.OnEventStart(ctx, inst, "ev")
	o.OnStepStart(ctx, inst, "q", "op", 1)
	o.OnStepCompleted(ctx, inst, "q", "op", 1, err, time.Millisecond)
	o.OnEventCompleted(ctx, inst, "ev", err, time.Millisecond)
	o.OnWorkflowTerminated(ctx, inst, err)
}

func TestCompositeObserver_FansOut(t *testing.T) {
	a, b := newCountingObserver(), newCountingObserver()
	boom := errors.New("boom")

	fire(NewCompositeObserver(a, nil, b), boom)

	for _, o := range []*countingObserver{a, b} {
		require.Len(t, o.calls, 6)
		for name, n := range o.calls {
			require.Equal(t, 1, n, name)
		}
		require.ErrorIs(t, o.last, boom)
	}
}

func TestNewCompositeObserver_Collapses(t *testing.T) {
	require.Equal(t, NoopObserver{}, NewCompositeObserver())
	require.Equal(t, NoopObserver{}, NewCompositeObserver(nil, nil))

	a := newCountingObserver()
	require.Same(t, a, NewCompositeObserver(nil, a))
}

func TestLoggingObserver_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fire(NewLoggingObserver(logger), nil)
	out := buf.String()
	require.Contains(t, out, `"msg":"workflow_start"`)
	require.Contains(t, out, `"msg":"event_completed"`)
	require.Contains(t, out, `"workflow_id":"wf"`)
	require.NotContains(t, out, "step_start", "debug records are filtered")

	buf.Reset()
	fire(NewLoggingObserver(logger), errors.New("boom"))
	out = buf.String()
	require.Contains(t, out, `"level":"WARN","msg":"step_completed"`)
	require.Contains(t, out, `"level":"ERROR","msg":"event_completed"`)
	require.Contains(t, out, `"level":"WARN","msg":"workflow_terminated"`)
}

func TestOn_DecodesPayload(t *testing.T) {
	type in struct {
		N int `json:"n"`
	}
	h := On(func(ctx context.Context, wc WorkflowContext, v in) (int, error) {
		return v.N * 2, nil
	})

	out, err := h(context.Background(), nil, json.RawMessage(`{"n":21}`))
	require.NoError(t, err)
	require.Equal(t, 42, out)

	out, err = h(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, out)

	_, err = h(context.Background(), nil, json.RawMessage(`[`))
	require.ErrorContains(t, err, "decode event payload")
}

func TestNewEventAndTarget(t *testing.T) {
	ev, err := NewEvent("ping", map[string]int{"a": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(ev.Payload))

	ev, err = NewEvent("ping", nil)
	require.NoError(t, err)
	require.Nil(t, ev.Payload)

	_, err = NewEvent("bad", func() {})
	require.Error(t, err)

	require.Equal(t, "wf", Target{WorkflowID: "wf"}.String())
	require.Equal(t, "wf/r1", Target{WorkflowID: "wf", RunID: "r1"}.String())
}

func TestWorkflowInstance_CloneIsDeep(t *testing.T) {
	inst := &WorkflowInstance{WorkflowID: "wf", Vars: map[string]json.RawMessage{"k": json.RawMessage(`1`)}}
	c := inst.Clone()
	c.Vars["k"][0] = '2'
	c.Vars["x"] = json.RawMessage(`3`)

	require.Equal(t, `1`, string(inst.Vars["k"]))
	require.NotContains(t, inst.Vars, "x")
	require.Nil(t, (*WorkflowInstance)(nil).Clone())
}
