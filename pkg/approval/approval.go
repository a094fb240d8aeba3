// Package approval implements the single-slot approval gate: at most one
// outstanding human sign-off request, resolved exactly once.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ParseDecision normalizes a decision string.
func ParseDecision(raw string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case "approve":
		d = DecisionApproved
	case "reject":
		d = DecisionRejected
	}
	if !d.Valid() {
		return "", fmt.Errorf("unknown decision %q", raw)
	}
	return d, nil
}

// ResponseText is the token written to the RESPONSE artifact.
func (d Decision) ResponseText() string {
	return strings.ToUpper(string(d))
}

// Request asks for sign-off on an action of a task.
type Request struct {
	TaskID      string
	Summary     string
	RequestedBy string
}

// Handle identifies one opened gate.
type Handle struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Resolution is the single recorded outcome of a gate.
type Resolution struct {
	HandleID  string    `json:"handle_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Decision  Decision  `json:"decision"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Slot is the persisted approval record. Every method is a single atomic
// compare-and-swap against the record, so callers in other processes sharing
// the same backing store observe consistent state.
type Slot interface {
	// Open moves the slot from closed to open with h. It reports false
	// without changing anything when a gate is already open.
	Open(ctx context.Context, h Handle) (bool, error)

	// Current returns the open handle, or nil when the slot is closed.
	Current(ctx context.Context) (*Handle, error)

	// Resolve closes the open gate and records res in one step. An empty
	// res.HandleID matches whichever gate is open. It reports false when no
	// matching gate is open. The returned handle is the one that was closed.
	Resolve(ctx context.Context, res Resolution) (*Handle, bool, error)

	// Release closes handleID without recording a resolution.
	Release(ctx context.Context, handleID string) (bool, error)

	// TakeResolution returns the newest resolution not yet taken, at most once.
	TakeResolution(ctx context.Context) (*Resolution, error)

	// Lookup returns the handle and, once resolved, its resolution. Both are
	// nil for unknown or released handles.
	Lookup(ctx context.Context, handleID string) (*Handle, *Resolution, error)
}
