package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackAdapter mirrors notifications to a Slack incoming webhook.
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	// WebhookURL is the Slack incoming webhook URL
	WebhookURL string

	// Channel overrides the default channel (optional)
	Channel string
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(cfg SlackConfig) (*SlackAdapter, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	return &SlackAdapter{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the adapter name.
func (s *SlackAdapter) Name() string {
	return "slack"
}

func slackStyle(t EventType) (emoji, color string) {
	switch t {
	case EventApprovalRequired:
		return ":raised_hand:", "#0066FF"
	case EventDispatched, EventTaskCreated:
		return ":rocket:", "#FFAA00"
	case EventCompleted:
		return ":white_check_mark:", "#00AA00"
	case EventApprovalResolved:
		return ":ballot_box_with_check:", "#00AA00"
	case EventDispatchFailed, EventFailed:
		return ":x:", "#FF0000"
	}
	return ":information_source:", "#888888"
}

// Send posts the event. Buttons are not rendered: approval decisions are
// only accepted from the chat channel.
func (s *SlackAdapter) Send(ctx context.Context, event *Event) error {
	emoji, color := slackStyle(event.Type)

	footer := "agentremote"
	if event.TaskID != "" {
		footer = fmt.Sprintf("Task: %s", event.TaskID)
	}

	attachment := map[string]any{
		"color":     color,
		"title":     fmt.Sprintf("%s %s", emoji, event.Title),
		"text":      event.Message,
		"footer":    footer,
		"ts":        event.Timestamp.Unix(),
		"mrkdwn_in": []string{"text"},
	}
	payload := map[string]any{
		"username":    "agentremote",
		"icon_emoji":  ":robot_face:",
		"attachments": []map[string]any{attachment},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}

	return s.sendWebhook(ctx, payload)
}

func (s *SlackAdapter) sendWebhook(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack webhook error: %s", string(body))
	}

	return nil
}

// Close closes the adapter.
func (s *SlackAdapter) Close() error {
	return nil
}
