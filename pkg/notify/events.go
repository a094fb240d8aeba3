// Package notify delivers human-readable task and approval updates to the
// requester. Telegram is the primary channel; Slack and the message bus
// receive mirrored copies.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType defines the type of notification event.
type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventDispatched       EventType = "dispatched"
	EventDispatchFailed   EventType = "dispatch_failed"
	EventApprovalRequired EventType = "approval_required"
	EventApprovalResolved EventType = "approval_resolved"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventInfo             EventType = "info"
)

// Event is a notification event.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// RequesterID is the principal the update is for.
	RequesterID string `json:"requester_id,omitempty"`

	// ChatID and ReplyToMessageID route the message back to the
	// conversation that created the task.
	ChatID           int64 `json:"chat_id,omitempty"`
	ReplyToMessageID int64 `json:"reply_to_message_id,omitempty"`

	TaskID  string `json:"task_id,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message"`

	// Options become inline buttons where the channel supports them.
	Options []ResponseOption `json:"options,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ResponseOption is an option the user can select.
type ResponseOption struct {
	// ID is sent back verbatim when the option is chosen.
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Publisher mirrors notification events onto a transport.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Adapter sends notifications to a specific channel (Telegram, Slack).
type Adapter interface {
	Name() string
	Send(ctx context.Context, event *Event) error
	Close() error
}

// Manager fans events out to every adapter and the publisher.
type Manager struct {
	mu        sync.RWMutex
	adapters  []Adapter
	publisher Publisher
}

// NewManager creates a notification manager.
func NewManager(publisher Publisher, adapters ...Adapter) *Manager {
	return &Manager{
		adapters:  adapters,
		publisher: publisher,
	}
}

// AddAdapter registers another delivery channel.
func (m *Manager) AddAdapter(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters = append(m.adapters, a)
}

// NewEventID allocates a sortable event identifier.
func NewEventID() string {
	return "evt-" + ulid.Make().String()
}

// Notify delivers event through every adapter. A failing channel does not
// stop the others; all failures are joined into the returned error.
func (m *Manager) Notify(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.RLock()
	adapters := append([]Adapter(nil), m.adapters...)
	publisher := m.publisher
	m.mu.RUnlock()

	var errs []error
	for _, adapter := range adapters {
		if err := adapter.Send(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", adapter.Name(), err))
		}
	}
	if publisher != nil {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publish event: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all adapters and the publisher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, adapter := range m.adapters {
		if err := adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.publisher != nil {
		if err := m.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSON encodes the event.
func (e *Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// ParseEvent decodes an event produced by JSON.
func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
