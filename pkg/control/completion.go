package control

import (
	"context"
	"strings"
	"time"

	"github.com/odvcencio/agentremote/pkg/bus"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/notify"
	"github.com/odvcencio/agentremote/pkg/task"
)

// MaxSummaryLength bounds completion summaries kept on a task.
const MaxSummaryLength = 2000

// HandleCompletion applies a backend's completion report and notifies the
// requester in the chat that created the task. Completion reports are
// delivered at least once; a repeated report changes nothing and is not
// announced twice.
func (c *Controller) HandleCompletion(ctx context.Context, report bus.Completion) (*task.Task, error) {
	status, err := task.ParseStatus(strings.ToLower(strings.TrimSpace(report.Status)))
	if err != nil || (status != task.StatusCompleted && status != task.StatusFailed) {
		return nil, agenterrors.Validation("Completion status must be completed or failed").
			WithContext("status", report.Status)
	}

	before, err := c.tasks.Get(ctx, report.TaskID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, agenterrors.New(agenterrors.ErrCodeNotFound, "task not found").WithContext("task_id", report.TaskID)
	}
	if before.Status == status {
		return before, nil
	}

	summary := truncateRunes(strings.TrimSpace(report.Summary), MaxSummaryLength)
	updated, err := c.tasks.Transition(ctx, report.TaskID, status, summary)
	if err != nil {
		return nil, err
	}
	c.metrics.Completion(string(status))
	c.logger.TaskEvent(logging.CategoryDispatch, "completion_applied", updated.ID, updated.RequesterID, "completion report applied", map[string]any{
		"status": string(status),
		"source": report.Source,
	})

	event := &notify.Event{
		Type:             notify.EventCompleted,
		RequesterID:      updated.RequesterID,
		ChatID:           updated.ChatID,
		ReplyToMessageID: updated.MessageID,
		TaskID:           updated.ID,
		Title:            "Task completed on the " + describeBackend(updated.Backend),
		Message:          summary,
		Timestamp:        time.Now(),
	}
	if status == task.StatusFailed {
		event.Type = notify.EventFailed
		event.Title = "Task failed on the " + describeBackend(updated.Backend)
	}
	c.notify(ctx, event)
	return updated, nil
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
