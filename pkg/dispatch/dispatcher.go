// Package dispatch hands created tasks to their execution backend and
// records the outcome on the task.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/agentremote/pkg/bus"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/task"
	"github.com/odvcencio/agentremote/pkg/telemetry"
)

// StatusUpdater is the slice of the task store the dispatcher needs.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, status task.Status) (*task.Task, error)
}

// Result describes an accepted submission.
type Result struct {
	Task        *task.Task
	Backend     task.Backend
	SubmittedAt time.Time
}

// Dispatcher routes a task to the submitter for its backend.
type Dispatcher struct {
	store      StatusUpdater
	submitters map[task.Backend]Submitter
	bus        bus.MessageBus
	subjects   bus.Subjects
	metrics    *telemetry.Metrics
	logger     *logging.Logger
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBus publishes a submission envelope after every accepted dispatch.
func WithBus(b bus.MessageBus, subjects bus.Subjects) Option {
	return func(d *Dispatcher) {
		d.bus = b
		d.subjects = subjects
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over the given submitters.
func NewDispatcher(store StatusUpdater, submitters []Submitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		submitters: make(map[task.Backend]Submitter, len(submitters)),
		now:        time.Now,
	}
	for _, s := range submitters {
		d.submitters[s.Backend()] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch submits t to its backend. On success the task becomes
// dispatched. On failure it becomes failed and a DISPATCH error naming the
// backend is returned; there is no retry.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task) (*Result, error) {
	backend := t.Backend
	ctx, span := telemetry.StartSpan(ctx, "dispatch.submit",
		telemetry.AttrTaskID.String(t.ID),
		telemetry.AttrBackend.String(string(backend)),
	)

	start := d.now()
	err := d.submit(ctx, t)
	d.metrics.ObserveDispatch(string(backend), err, d.now().Sub(start))
	telemetry.EndSpan(span, err)

	// The outcome is recorded even when the caller's deadline ended the submit.
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		d.logger.Error(logging.CategoryDispatch, "submit_failed", "dispatch failed", map[string]any{
			"task_id": t.ID,
			"backend": string(backend),
			"error":   err.Error(),
		})
		dispatchErr := agenterrors.Dispatch(string(backend), err).WithContext("task_id", t.ID)
		if _, uerr := d.store.UpdateStatus(persistCtx, t.ID, task.StatusFailed); uerr != nil {
			d.logger.Error(logging.CategoryDispatch, "status_failed", "could not mark task failed", map[string]any{
				"task_id": t.ID,
				"error":   uerr.Error(),
			})
		}
		return nil, dispatchErr
	}

	updated, err := d.store.UpdateStatus(persistCtx, t.ID, task.StatusDispatched)
	if err != nil {
		return nil, err
	}
	result := &Result{Task: updated, Backend: backend, SubmittedAt: d.now().UTC()}

	d.logger.TaskEvent(logging.CategoryDispatch, "submitted", t.ID, t.RequesterID, "task handed to backend", map[string]any{
		"backend": string(backend),
	})
	d.publish(ctx, result)
	return result, nil
}

func (d *Dispatcher) submit(ctx context.Context, t *task.Task) error {
	s, ok := d.submitters[t.Backend]
	if !ok {
		return fmt.Errorf("no submitter for backend %q", t.Backend)
	}
	return s.Submit(ctx, t)
}

func (d *Dispatcher) publish(ctx context.Context, r *Result) {
	if d.bus == nil {
		return
	}
	env := bus.Submission{
		TaskID:      r.Task.ID,
		Backend:     string(r.Backend),
		RequesterID: r.Task.RequesterID,
		ChatID:      r.Task.ChatID,
		MessageID:   r.Task.MessageID,
		SubmittedAt: r.SubmittedAt,
	}
	if err := bus.PublishJSON(ctx, d.bus, d.subjects.TaskSubmitted(string(r.Backend)), env); err != nil {
		d.logger.Warn(logging.CategoryDispatch, "publish_failed", "submission event not published", map[string]any{
			"task_id": r.Task.ID,
			"error":   err.Error(),
		})
	}
}

// Submitter returns the submitter registered for backend.
func (d *Dispatcher) Submitter(backend task.Backend) (Submitter, bool) {
	s, ok := d.submitters[backend]
	return s, ok
}
