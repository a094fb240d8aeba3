// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the task lifecycle.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/agentremote/pkg/task"
)

const namespace = "agentremote"

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated         *prometheus.CounterVec
	TaskTransitions      *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	ModeResolutions      *prometheus.CounterVec
	ApprovalsRequested   prometheus.Counter
	ApprovalConflicts    prometheus.Counter
	ApprovalsResolved    *prometheus.CounterVec
	ChatCommands         *prometheus.CounterVec
	UnauthorizedRequests *prometheus.CounterVec
	RateLimited          prometheus.Counter
	Completions          *prometheus.CounterVec
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created, by backend",
		}, []string{"backend"}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions, by target status",
		}, []string{"status"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to hand a task to its backend",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "outcome"}),
		ModeResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_resolutions_total",
			Help:      "Backend resolutions, by backend and source",
		}, []string{"backend", "source"}),
		ApprovalsRequested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_requested_total",
			Help:      "Approval gates opened",
		}),
		ApprovalConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_conflicts_total",
			Help:      "Approval requests refused because a gate was already open",
		}),
		ApprovalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval gates resolved, by decision",
		}, []string{"decision"}),
		ChatCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_commands_total",
			Help:      "Chat commands handled, by command",
		}, []string{"command"}),
		UnauthorizedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_requests_total",
			Help:      "Requests dropped by authorization, by surface",
		}, []string{"surface"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_rate_limited_total",
			Help:      "Chat commands rejected by the per-requester limiter",
		}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion reports reconciled, by status",
		}, []string{"status"}),
	}
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskCreated(backend string) {
	if m == nil {
		return
	}
	m.TasksCreated.WithLabelValues(backend).Inc()
}

func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(status).Inc()
}

// ObserveDispatch records one dispatch attempt.
func (m *Metrics) ObserveDispatch(backend string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.DispatchDuration.WithLabelValues(backend, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ModeResolved(backend, source string) {
	if m == nil {
		return
	}
	m.ModeResolutions.WithLabelValues(backend, source).Inc()
}

func (m *Metrics) ApprovalRequested() {
	if m == nil {
		return
	}
	m.ApprovalsRequested.Inc()
}

func (m *Metrics) ApprovalConflict() {
	if m == nil {
		return
	}
	m.ApprovalConflicts.Inc()
}

func (m *Metrics) ApprovalResolved(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsResolved.WithLabelValues(decision).Inc()
}

func (m *Metrics) ChatCommand(command string) {
	if m == nil {
		return
	}
	m.ChatCommands.WithLabelValues(command).Inc()
}

func (m *Metrics) Unauthorized(surface string) {
	if m == nil {
		return
	}
	m.UnauthorizedRequests.WithLabelValues(surface).Inc()
}

func (m *Metrics) ChatRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) Completion(status string) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(status).Inc()
}

// RecordTask counts every persisted task state. It satisfies task.Recorder.
func (m *Metrics) RecordTask(_ context.Context, t *task.Task) error {
	if m == nil || t == nil {
		return nil
	}
	if t.Status == task.StatusPending {
		m.TaskCreated(string(t.Backend))
	}
	m.TaskTransition(string(t.Status))
	return nil
}
