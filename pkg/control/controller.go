// Package control is the core facade: it authorizes principals, turns task
// requests into dispatched tasks and reconciles approval and completion
// signals back into the task store.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/agentremote/pkg/approval"
	"github.com/odvcencio/agentremote/pkg/bus"
	"github.com/odvcencio/agentremote/pkg/dispatch"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/mode"
	"github.com/odvcencio/agentremote/pkg/notify"
	"github.com/odvcencio/agentremote/pkg/task"
	"github.com/odvcencio/agentremote/pkg/telemetry"
)

//go:generate mockgen -package=control -destination=mock_notifier_test.go github.com/odvcencio/agentremote/pkg/control Notifier

// Notifier delivers asynchronous updates to the requester.
// *notify.Manager satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event *notify.Event) error
}

// Callback data prefixes for approval buttons.
const (
	ApproveAction = "approve"
	RejectAction  = "reject"
)

// Config wires a Controller.
type Config struct {
	AuthorizedID string
	// AuthorizedChatID receives approval prompts that are not tied to a
	// task with its own chat.
	AuthorizedChatID int64

	Tasks      *task.Store
	Gate       *approval.Gate
	Selector   *mode.Selector
	Dispatcher *dispatch.Dispatcher
	Notifier   Notifier

	// CloudConfigured reports whether the cloud backend has credentials.
	CloudConfigured bool

	Metrics *telemetry.Metrics
	Logger  *logging.Logger
}

// Controller implements the request, approval and completion flows.
type Controller struct {
	authorizedID     string
	authorizedChatID int64
	tasks            *task.Store
	gate             *approval.Gate
	selector         *mode.Selector
	dispatcher       *dispatch.Dispatcher
	notifier         Notifier
	cloudConfigured  bool
	metrics          *telemetry.Metrics
	logger           *logging.Logger
}

// New validates cfg and creates a Controller.
func New(cfg Config) (*Controller, error) {
	var problems []string
	if strings.TrimSpace(cfg.AuthorizedID) == "" {
		problems = append(problems, "authorized requester id is required")
	}
	if cfg.Tasks == nil {
		problems = append(problems, "task store is required")
	}
	if cfg.Gate == nil {
		problems = append(problems, "approval gate is required")
	}
	if cfg.Selector == nil {
		problems = append(problems, "mode selector is required")
	}
	if cfg.Dispatcher == nil {
		problems = append(problems, "dispatcher is required")
	}
	if len(problems) > 0 {
		return nil, agenterrors.Configuration(problems...)
	}
	return &Controller{
		authorizedID:     strings.TrimSpace(cfg.AuthorizedID),
		authorizedChatID: cfg.AuthorizedChatID,
		tasks:            cfg.Tasks,
		gate:             cfg.Gate,
		selector:         cfg.Selector,
		dispatcher:       cfg.Dispatcher,
		notifier:         cfg.Notifier,
		cloudConfigured:  cfg.CloudConfigured,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
	}, nil
}

// Authorize fails unless requesterID is the configured principal. It must
// run before any state mutation.
func (c *Controller) Authorize(requesterID string) error {
	if strings.TrimSpace(requesterID) != c.authorizedID {
		return agenterrors.Unauthorized(requesterID)
	}
	return nil
}

// SubmitRequest is an inbound task request.
type SubmitRequest struct {
	RequesterID string
	ChatID      int64
	MessageID   int64
	Description string
}

// SubmitResult reports a created task and its dispatch outcome.
type SubmitResult struct {
	Task   *task.Task
	Source mode.Source
}

// SubmitTask runs request, sanitize, resolve, create, dispatch. When the
// task was created but dispatch failed, both the failed task and the
// DISPATCH error are returned.
func (c *Controller) SubmitTask(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := c.Authorize(req.RequesterID); err != nil {
		c.denied("submit", req.RequesterID)
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "control.submit_task", telemetry.AttrRequesterID.String(req.RequesterID))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	description, err := task.Sanitize(req.Description)
	if err != nil {
		spanErr = err
		return nil, err
	}

	backend, source, err := c.selector.Resolve(ctx, req.RequesterID)
	if err != nil {
		spanErr = err
		return nil, err
	}
	c.metrics.ModeResolved(string(backend), string(source))

	created, err := c.tasks.Create(ctx, task.NewTask{
		Description: description,
		Backend:     backend,
		RequesterID: req.RequesterID,
		ChatID:      req.ChatID,
		MessageID:   req.MessageID,
	})
	if err != nil {
		spanErr = err
		return nil, err
	}

	res, err := c.dispatcher.Dispatch(ctx, created)
	if err != nil {
		spanErr = err
		failed, getErr := c.tasks.Get(ctx, created.ID)
		if getErr != nil || failed == nil {
			failed = created
		}
		return &SubmitResult{Task: failed, Source: source}, err
	}
	return &SubmitResult{Task: res.Task, Source: source}, nil
}

// SetMode stores the requester's backend preference.
func (c *Controller) SetMode(ctx context.Context, requesterID string, m mode.Mode) error {
	if err := c.Authorize(requesterID); err != nil {
		c.denied("set_mode", requesterID)
		return err
	}
	return c.selector.SetMode(requesterID, m)
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	CurrentStatus   string           `json:"current_status"`
	Pending         *approval.Handle `json:"pending_approval,omitempty"`
	Mode            mode.Mode        `json:"mode"`
	LocalAgentAlive bool             `json:"local_agent_alive"`
	ProbeError      string           `json:"probe_error,omitempty"`
	CloudConfigured bool             `json:"cloud_configured"`
}

// Status collects the current status artifact, the open gate, the
// requester's mode and backend availability. It does not mutate state.
func (c *Controller) Status(ctx context.Context, requesterID string) (*StatusReport, error) {
	if err := c.Authorize(requesterID); err != nil {
		c.denied("status", requesterID)
		return nil, err
	}
	return c.Snapshot(ctx, requesterID)
}

// Snapshot is Status without the chat authorization check, for surfaces
// that authenticate by other means. An empty requesterID reports the
// authorized principal's mode.
func (c *Controller) Snapshot(ctx context.Context, requesterID string) (*StatusReport, error) {
	if requesterID == "" {
		requesterID = c.authorizedID
	}
	current, err := c.tasks.CurrentStatus()
	if err != nil {
		return nil, err
	}
	pending, err := c.gate.Pending(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		CurrentStatus:   current,
		Pending:         pending,
		Mode:            c.selector.Mode(requesterID),
		CloudConfigured: c.cloudConfigured,
	}
	alive, err := c.selector.Alive(ctx)
	if err != nil {
		report.ProbeError = "liveness probe failed"
		c.logger.Warn(logging.CategoryMode, "probe_failed", "liveness probe failed during status", map[string]any{
			"error": err.Error(),
		})
	}
	report.LocalAgentAlive = alive
	return report, nil
}

// History lists the newest tasks.
func (c *Controller) History(ctx context.Context, requesterID string, limit int) ([]*task.Task, error) {
	if err := c.Authorize(requesterID); err != nil {
		c.denied("history", requesterID)
		return nil, err
	}
	return c.tasks.List(ctx, limit)
}

// AuthorizedID returns the configured principal.
func (c *Controller) AuthorizedID() string {
	return c.authorizedID
}

// Task looks up one task.
func (c *Controller) Task(ctx context.Context, id string) (*task.Task, error) {
	return c.tasks.Get(ctx, id)
}

func (c *Controller) denied(op, principal string) {
	c.metrics.Unauthorized(op)
	c.logger.Warn(logging.CategoryChat, "unauthorized", "request from unauthorized principal dropped", map[string]any{
		"operation": op,
		"principal": principal,
	})
}

func (c *Controller) notify(ctx context.Context, event *notify.Event) {
	if c.notifier == nil {
		return
	}
	if event.ChatID == 0 {
		event.ChatID = c.authorizedChatID
	}
	if event.RequesterID == "" {
		event.RequesterID = c.authorizedID
	}
	if err := c.notifier.Notify(ctx, event); err != nil {
		c.logger.Warn(logging.CategoryChat, "notify_failed", "notification delivery failed", map[string]any{
			"event_type": string(event.Type),
			"task_id":    event.TaskID,
			"error":      err.Error(),
		})
	}
}

// SubscribeCompletions applies every completion published on the bus.
// The queue group keeps multiple instances from applying one report twice.
func (c *Controller) SubscribeCompletions(ctx context.Context, b bus.MessageBus, subjects bus.Subjects) (bus.Subscription, error) {
	return b.QueueSubscribe(ctx, subjects.TaskCompleted(), "agentremote-control", func(msg *bus.Message) {
		completion, err := bus.DecodeCompletion(msg)
		if err != nil {
			c.logger.Warn(logging.CategoryDispatch, "bad_completion", "discarding malformed completion", map[string]any{
				"error": err.Error(),
			})
			return
		}
		// Bus handlers outlive the publishing request.
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := c.HandleCompletion(hctx, completion); err != nil {
			c.logger.Warn(logging.CategoryDispatch, "completion_failed", "completion not applied", map[string]any{
				"task_id": completion.TaskID,
				"error":   err.Error(),
			})
		}
	})
}

func describeBackend(b task.Backend) string {
	switch b {
	case task.BackendLocal:
		return "local agent"
	case task.BackendCloud:
		return "cloud runner"
	}
	return fmt.Sprintf("%q backend", string(b))
}
