package control

import (
	"context"
	"strings"

	"github.com/odvcencio/agentremote/pkg/approval"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/notify"
	"github.com/odvcencio/agentremote/pkg/task"
	"github.com/odvcencio/agentremote/pkg/telemetry"
)

// ApprovalRequest opens a gate on behalf of a backend.
type ApprovalRequest struct {
	TaskID  string
	Summary string
	// Source names the backend or tool asking, for logs and history.
	Source string
}

// RequestApproval opens the gate and asks the requester to decide. The
// caller has already authenticated; chat principals never open gates.
func (c *Controller) RequestApproval(ctx context.Context, req ApprovalRequest) (approval.Handle, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID != "" {
		t, err := c.tasks.Get(ctx, taskID)
		if err != nil {
			return approval.Handle{}, err
		}
		if t == nil {
			return approval.Handle{}, agenterrors.New(agenterrors.ErrCodeNotFound, "task not found").WithContext("task_id", taskID)
		}
		if t.Status.Terminal() {
			return approval.Handle{}, agenterrors.New(agenterrors.ErrCodeInvalidTransition, "task already finished").
				WithContext("task_id", taskID).
				WithContext("status", string(t.Status))
		}
	}

	h, err := c.gate.RequestApproval(ctx, approval.Request{
		TaskID:      taskID,
		Summary:     req.Summary,
		RequestedBy: req.Source,
	})
	if err != nil {
		if agenterrors.IsCode(err, agenterrors.ErrCodeConflict) {
			c.metrics.ApprovalConflict()
		}
		return approval.Handle{}, err
	}
	c.metrics.ApprovalRequested()
	c.promptApproval(ctx, h)
	return h, nil
}

// HandleAdopted notifies the requester about a gate the local agent opened
// by writing the approval artifact directly.
func (c *Controller) HandleAdopted(ctx context.Context, h approval.Handle) {
	c.metrics.ApprovalRequested()
	c.promptApproval(ctx, h)
}

// ActiveLocalTask returns the newest local task that has not finished, or
// "". Adopted approval artifacts carry no task id of their own.
func (c *Controller) ActiveLocalTask(ctx context.Context) string {
	tasks, err := c.tasks.List(ctx, 20)
	if err != nil {
		c.logger.Warn(logging.CategoryApproval, "task_lookup_failed", "could not list tasks for adopted approval", map[string]any{
			"error": err.Error(),
		})
		return ""
	}
	for _, t := range tasks {
		if t.Backend == task.BackendLocal && !t.Status.Terminal() {
			return t.ID
		}
	}
	return ""
}

func (c *Controller) promptApproval(ctx context.Context, h approval.Handle) {
	event := &notify.Event{
		Type:    notify.EventApprovalRequired,
		TaskID:  h.TaskID,
		Title:   "Approval required",
		Message: h.Summary,
		Options: ApprovalOptions(h.ID),
	}
	if h.TaskID != "" {
		if t, err := c.tasks.Get(ctx, h.TaskID); err == nil && t != nil {
			event.ChatID = t.ChatID
			event.ReplyToMessageID = t.MessageID
			event.RequesterID = t.RequesterID
		}
	}
	if event.Message == "" {
		event.Message = "The agent is waiting for your decision."
	}
	event.Message += "\n\nReply /approve or /reject, or use the buttons."
	c.notify(ctx, event)
}

// ApprovalOptions builds the approve/reject buttons for handleID.
func ApprovalOptions(handleID string) []notify.ResponseOption {
	return []notify.ResponseOption{
		{ID: ApproveAction + ":" + handleID, Label: "✅ Approve"},
		{ID: RejectAction + ":" + handleID, Label: "❌ Reject"},
	}
}

// ParseApprovalAction splits callback data built by ApprovalOptions.
func ParseApprovalAction(data string) (approval.Decision, string, bool) {
	action, handleID, ok := strings.Cut(data, ":")
	if !ok {
		return "", "", false
	}
	switch action {
	case ApproveAction:
		return approval.DecisionApproved, handleID, true
	case RejectAction:
		return approval.DecisionRejected, handleID, true
	}
	return "", "", false
}

// Resolve records the requester's decision. handleID may be empty to match
// whichever gate is open. A nil resolution with a nil error means nothing
// matching was pending.
func (c *Controller) Resolve(ctx context.Context, requesterID, handleID string, decision approval.Decision) (*approval.Resolution, error) {
	if err := c.Authorize(requesterID); err != nil {
		c.denied("resolve", requesterID)
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "control.resolve_approval",
		telemetry.AttrRequesterID.String(requesterID),
		telemetry.AttrHandleID.String(handleID),
	)
	res, ok, err := c.gate.Resolve(ctx, handleID, decision, requesterID)
	telemetry.EndSpan(span, err)
	if !ok {
		return nil, err
	}
	if err != nil {
		// Committed in the slot; only the artifact projection failed.
		c.logger.Error(logging.CategoryApproval, "projection_failed", "approval resolved but artifacts not updated", map[string]any{
			"handle_id": res.HandleID,
			"error":     err.Error(),
		})
	}
	c.metrics.ApprovalResolved(string(res.Decision))
	c.applyResolution(ctx, res)
	return res, nil
}

func (c *Controller) applyResolution(ctx context.Context, res *approval.Resolution) {
	if res.TaskID == "" {
		return
	}
	status := task.StatusApproved
	if res.Decision == approval.DecisionRejected {
		status = task.StatusRejected
	}
	if _, err := c.tasks.UpdateStatus(ctx, res.TaskID, status); err != nil {
		c.logger.Warn(logging.CategoryApproval, "task_update_failed", "resolution not applied to task", map[string]any{
			"task_id":  res.TaskID,
			"decision": string(res.Decision),
			"error":    err.Error(),
		})
	}
}

// DecisionText renders a resolution for the requester.
func DecisionText(res *approval.Resolution) string {
	if res == nil {
		return "✅ No pending approvals"
	}
	if res.Decision == approval.DecisionApproved {
		return "✅ APPROVED - the agent will continue"
	}
	return "❌ REJECTED - the agent will stop"
}

// WaitApproval blocks until handleID is resolved or ctx is done.
func (c *Controller) WaitApproval(ctx context.Context, handleID string) (*approval.Resolution, error) {
	return c.gate.Wait(ctx, handleID)
}

// NextResolution returns the newest resolution nobody has consumed yet,
// exactly once, or nil.
func (c *Controller) NextResolution(ctx context.Context) (*approval.Resolution, error) {
	return c.gate.Poll(ctx)
}
