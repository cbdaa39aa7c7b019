package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/shipit/internal/broadcast"
	"github.com/petrijr/shipit/pkg/api"
)

func TestWorkflowMetrics(t *testing.T) {
	m := New()
	ctx := context.Background()
	inst := &api.WorkflowInstance{Name: "handleReleaseWorkflow", WorkflowID: "hello"}

	m.OnWorkflowStart(ctx, inst)
	m.OnWorkflowStart(ctx, inst)
	require.Equal(t, 2.0, testutil.ToFloat64(m.workflowsActive.WithLabelValues("handleReleaseWorkflow")))

	m.OnWorkflowTerminated(ctx, inst, nil)
	require.Equal(t, 1.0, testutil.ToFloat64(m.workflowsActive.WithLabelValues("handleReleaseWorkflow")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.workflowsTerminated.WithLabelValues("handleReleaseWorkflow", "success")))

	m.OnEventCompleted(ctx, inst, "greeting", nil, 10*time.Millisecond)
	m.OnEventCompleted(ctx, inst, "greeting", errors.New("boom"), time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("handleReleaseWorkflow", "greeting", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("handleReleaseWorkflow", "greeting", "error")))
	require.Equal(t, 1, testutil.CollectAndCount(m.eventDuration))

	m.OnStepCompleted(ctx, inst, "github", "createRelease", 1, errors.New("503"), time.Millisecond)
	m.OnStepCompleted(ctx, inst, "github", "createRelease", 2, nil, time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.stepAttempts.WithLabelValues("github", "createRelease", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.stepAttempts.WithLabelValues("github", "createRelease", "success")))
}

type closedSink struct{}

func (closedSink) Send(context.Context, broadcast.Message) error { return nil }
func (closedSink) Closed() bool                                  { return true }

type failingSink struct{}

func (failingSink) Send(context.Context, broadcast.Message) error { return errors.New("gone") }
func (failingSink) Closed() bool                                  { return false }

func TestHubMetrics(t *testing.T) {
	m := New()
	hub := broadcast.NewHub(broadcast.WithObserver(m))

	hub.Register(closedSink{})
	hub.Register(failingSink{})
	h := hub.Register(closedSink{})
	require.Equal(t, 3.0, testutil.ToFloat64(m.sinksActive))

	hub.Unregister(h)
	hub.Broadcast(context.Background(), broadcast.AssistantMessage("hi"))

	require.Equal(t, 0.0, testutil.ToFloat64(m.sinksActive))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sinksRemoved.WithLabelValues("unregistered")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sinksRemoved.WithLabelValues("closed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sinksRemoved.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.broadcastsTotal.WithLabelValues("assistant-message")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.deliveriesFailed.WithLabelValues("assistant-message")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.OnSinkRegistered(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "shipit_observers_active 2")
	require.Contains(t, string(body), "go_goroutines")
}
