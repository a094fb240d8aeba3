// Package task holds the durable record of requested work and the single
// "current status" artifact that reflects the most recently touched task.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusApproved, StatusRejected, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// ParseStatus normalizes a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusDispatched, StatusFailed, StatusApproved, StatusRejected},
	StatusDispatched: {StatusApproved, StatusRejected, StatusCompleted, StatusFailed},
	StatusApproved:   {StatusApproved, StatusRejected, StatusCompleted, StatusFailed},
}

// CanTransition reports whether a task in from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Backend is an execution target.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendCloud Backend = "cloud"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	return b == BackendLocal || b == BackendCloud
}

// Task is one unit of requested work.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Backend     Backend   `json:"backend"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Correlation metadata for routing replies back to the requester.
	RequesterID string `json:"requester_id,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	MessageID   int64  `json:"message_id,omitempty"`

	// Summary is the last human-readable note attached by a backend.
	Summary string `json:"summary,omitempty"`
}

// NewTask carries the inputs of Store.Create.
type NewTask struct {
	Description string
	Backend     Backend
	RequesterID string
	ChatID      int64
	MessageID   int64
}

// Clone returns a copy safe to hand to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
