package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultPrefix roots every subject this service uses.
const DefaultPrefix = "agentremote"

// Subjects builds subject names under a prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	p := strings.Trim(strings.TrimSpace(s.Prefix), ".")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// TaskSubmitted is published after a backend accepted a task.
func (s Subjects) TaskSubmitted(backend string) string {
	return s.prefix() + ".task.submitted." + backend
}

// AllTaskSubmitted matches submissions for every backend.
func (s Subjects) AllTaskSubmitted() string {
	return s.prefix() + ".task.submitted.*"
}

// TaskCompleted carries completion reports from backends.
func (s Subjects) TaskCompleted() string {
	return s.prefix() + ".task.completed"
}

// Notifications carries requester-facing notices for external mirrors.
func (s Subjects) Notifications() string {
	return s.prefix() + ".notify"
}

// Submission records a task handed to a backend.
type Submission struct {
	TaskID      string    `json:"task_id"`
	Backend     string    `json:"backend"`
	RequesterID string    `json:"requester_id,omitempty"`
	ChatID      int64     `json:"chat_id,omitempty"`
	MessageID   int64     `json:"message_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Completion reports the outcome of a dispatched task.
type Completion struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary,omitempty"`
	Source      string    `json:"source,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// PublishJSON encodes v and publishes it on subject.
func PublishJSON(ctx context.Context, b MessageBus, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return b.Publish(ctx, subject, data)
}

// DecodeCompletion parses a completion message.
func DecodeCompletion(msg *Message) (Completion, error) {
	var c Completion
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	if strings.TrimSpace(c.TaskID) == "" {
		return Completion{}, fmt.Errorf("decode completion: missing task_id")
	}
	return c, nil
}

// DecodeSubmission parses a submission message.
func DecodeSubmission(msg *Message) (Submission, error) {
	var s Submission
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	return s, nil
}
