// Package metrics exposes Prometheus metrics for the workflow engine and the
// broadcast hub.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/shipit/internal/broadcast"
	"github.com/petrijr/shipit/pkg/api"
)

const namespace = "shipit"

// Metrics implements api.Observer and broadcast.HubObserver on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	workflowsActive     *prometheus.GaugeVec
	workflowsTerminated *prometheus.CounterVec

	eventsTotal   *prometheus.CounterVec
	eventDuration *prometheus.HistogramVec

	stepAttempts *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	sinksActive      prometheus.Gauge
	sinksRemoved     *prometheus.CounterVec
	broadcastsTotal  *prometheus.CounterVec
	deliveriesFailed *prometheus.CounterVec
}

var (
	_ api.Observer          = (*Metrics)(nil)
	_ broadcast.HubObserver = (*Metrics)(nil)
)

// New creates Metrics registered on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		workflowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Number of running workflow instances",
		}, []string{"workflow"}),
		workflowsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_terminated_total",
			Help:      "Total number of workflow instances that reached the terminal state",
		}, []string{"workflow", "status"}), // status: success, error

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of handled workflow events",
		}, []string{"workflow", "event", "status"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Duration of event handlers in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"workflow", "event"}),

		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Total number of step attempts",
		}, []string{"queue", "operation", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step attempts in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"queue", "operation"}),

		sinksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_active",
			Help:      "Number of connected live observers",
		}),
		sinksRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observers_removed_total",
			Help:      "Total number of observers removed from the hub",
		}, []string{"reason"}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of broadcast messages",
		}, []string{"type"}),
		deliveriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_failed_total",
			Help:      "Total number of failed deliveries to observers",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.workflowsActive,
		m.workflowsTerminated,
		m.eventsTotal,
		m.eventDuration,
		m.stepAttempts,
		m.stepDuration,
		m.sinksActive,
		m.sinksRemoved,
		m.broadcastsTotal,
		m.deliveriesFailed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) OnWorkflowStart(ctx context.Context, inst *api.WorkflowInstance) {
	m.workflowsActive.WithLabelValues(inst.Name).Inc()
}

func (m *Metrics) OnWorkflowTerminated(ctx context.Context, inst *api.WorkflowInstance, err error) {
	m.workflowsActive.WithLabelValues(inst.Name).Dec()
	m.workflowsTerminated.WithLabelValues(inst.Name, status(err)).Inc()
}

func (m *Metrics) OnEventStart(ctx context.Context, inst *api.WorkflowInstance, event string) {}

func (m *Metrics) OnEventCompleted(ctx context.Context, inst *api.WorkflowInstance, event string, err error, d time.Duration) {
	m.eventsTotal.WithLabelValues(inst.Name, event, status(err)).Inc()
	m.eventDuration.WithLabelValues(inst.Name, event).Observe(d.Seconds())
}

func (m *Metrics) OnStepStart(ctx context.Context, inst *api.WorkflowInstance, queue, op string, attempt int) {
}

func (m *Metrics) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, queue, op string, attempt int, err error, d time.Duration) {
	m.stepAttempts.WithLabelValues(queue, op, status(err)).Inc()
	m.stepDuration.WithLabelValues(queue, op).Observe(d.Seconds())
}

func (m *Metrics) OnSinkRegistered(active int) {
	m.sinksActive.Set(float64(active))
}

func (m *Metrics) OnSinkRemoved(active int, reason broadcast.RemoveReason) {
	m.sinksActive.Set(float64(active))
	m.sinksRemoved.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) OnBroadcast(t broadcast.MessageType, delivered, failed int) {
	m.broadcastsTotal.WithLabelValues(string(t)).Inc()
	if failed > 0 {
		m.deliveriesFailed.WithLabelValues(string(t)).Add(float64(failed))
	}
}
