package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/utils"
)

// DefaultPollInterval is how often Wait re-reads the slot, so resolutions
// written by another process are noticed.
const DefaultPollInterval = 500 * time.Millisecond

// MaxSummaryLength bounds the summary kept for a gate.
const MaxSummaryLength = 500

// Artifacts are the text files shared with the local agent. Presence of
// ApprovalFile means a gate is open; ResponseFile carries the decision.
type Artifacts struct {
	ApprovalFile string
	ResponseFile string
}

// Gate coordinates approval requests over a Slot and projects every
// transition onto the artifact files.
type Gate struct {
	slot      Slot
	artifacts Artifacts

	mu           sync.Mutex
	now          func() time.Time
	pollInterval time.Duration
	logger       *logging.Logger

	signalMu sync.Mutex
	signal   chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// NewGate creates a gate over slot.
func NewGate(slot Slot, artifacts Artifacts, opts ...Option) *Gate {
	if slot == nil {
		slot = NewMemorySlot()
	}
	g := &Gate{
		slot:         slot,
		artifacts:    artifacts,
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		signal:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Artifacts returns the artifact locations.
func (g *Gate) Artifacts() Artifacts {
	return g.artifacts
}

// RequestApproval opens the gate. It fails with a conflict error when a gate
// is already open.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, opened, err := g.openLocked(ctx, req)
	if err != nil {
		return Handle{}, err
	}
	if !opened {
		return Handle{}, agenterrors.Conflict("An approval is already pending").WithContext("handle_id", h.ID)
	}

	if err := utils.AtomicWrite(g.artifacts.ApprovalFile, []byte(formatApproval(h)), 0o644); err != nil {
		if _, relErr := g.slot.Release(ctx, h.ID); relErr != nil {
			g.logger.Error(logging.CategoryApproval, "release_failed", "failed to roll back approval slot", map[string]any{
				"handle_id": h.ID,
				"error":     relErr.Error(),
			})
		}
		return Handle{}, agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "write approval artifact")
	}

	g.logger.TaskEvent(logging.CategoryApproval, "requested", h.TaskID, h.RequestedBy, "approval requested", map[string]any{
		"handle_id": h.ID,
	})
	return h, nil
}

// Adopt opens the gate for an approval artifact that already exists on disk,
// written by the local agent itself. It returns the open handle and whether
// this call opened it.
func (g *Gate) Adopt(ctx context.Context, req Request) (Handle, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// A resolve may have removed the artifact since the caller read it.
	if !utils.FileExists(g.artifacts.ApprovalFile) {
		return Handle{}, false, nil
	}

	h, opened, err := g.openLocked(ctx, req)
	if err != nil {
		return Handle{}, false, err
	}
	if opened {
		g.logger.TaskEvent(logging.CategoryApproval, "adopted", h.TaskID, h.RequestedBy, "approval artifact adopted", map[string]any{
			"handle_id": h.ID,
		})
	}
	return h, opened, nil
}

func (g *Gate) openLocked(ctx context.Context, req Request) (Handle, bool, error) {
	h := Handle{
		ID:          ulid.Make().String(),
		TaskID:      strings.TrimSpace(req.TaskID),
		Summary:     truncate(strings.TrimSpace(req.Summary), MaxSummaryLength),
		RequestedBy: req.RequestedBy,
		OpenedAt:    g.now().UTC(),
	}
	opened, err := g.slot.Open(ctx, h)
	if err != nil {
		return Handle{}, false, agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "open approval slot")
	}
	if opened {
		// A fresh gate must not show the previous decision.
		if err := utils.RemoveIfExists(g.artifacts.ResponseFile); err != nil {
			if _, relErr := g.slot.Release(ctx, h.ID); relErr != nil {
				g.logger.Error(logging.CategoryApproval, "release_failed", "failed to roll back approval slot", map[string]any{
					"handle_id": h.ID,
					"error":     relErr.Error(),
				})
			}
			return Handle{}, false, agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "clear response artifact")
		}
		return h, true, nil
	}
	current, err := g.slot.Current(ctx)
	if err != nil {
		return Handle{}, false, agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "read approval slot")
	}
	if current == nil {
		// Closed between Open and Current; report the conflict against nothing.
		return Handle{}, false, nil
	}
	return *current, false, nil
}

// Resolve records decision against the open gate. handleID may be empty to
// match whichever gate is open. When nothing matching is pending it returns
// (nil, false, nil): resolving twice is a no-op, not an error.
//
// The slot transition is the commit point. If projecting it onto the
// artifacts fails afterwards, the resolution is still returned together with
// the error.
func (g *Gate) Resolve(ctx context.Context, handleID string, decision Decision, decidedBy string) (*Resolution, bool, error) {
	if !decision.Valid() {
		return nil, false, agenterrors.Validation("Unknown decision").WithContext("decision", string(decision))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res := Resolution{
		HandleID:  strings.TrimSpace(handleID),
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: g.now().UTC(),
	}
	closed, ok, err := g.slot.Resolve(ctx, res)
	if err != nil {
		return nil, false, agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "resolve approval slot")
	}
	if !ok {
		return nil, false, nil
	}
	res.HandleID = closed.ID
	res.TaskID = closed.TaskID
	g.broadcast()

	g.logger.TaskEvent(logging.CategoryApproval, "resolved", res.TaskID, decidedBy, "approval resolved", map[string]any{
		"handle_id": res.HandleID,
		"decision":  string(decision),
	})

	if err := utils.AtomicWrite(g.artifacts.ResponseFile, []byte(decision.ResponseText()), 0o644); err != nil {
		return &res, true, agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "write response artifact")
	}
	if err := utils.RemoveIfExists(g.artifacts.ApprovalFile); err != nil {
		return &res, true, agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "remove approval artifact")
	}
	return &res, true, nil
}

// Poll returns the newest resolution not yet polled, exactly once. It
// returns nil while a gate is open or when nothing new was resolved.
func (g *Gate) Poll(ctx context.Context) (*Resolution, error) {
	res, err := g.slot.TakeResolution(ctx)
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "poll approval slot")
	}
	return res, nil
}

// Pending returns the open handle, or nil.
func (g *Gate) Pending(ctx context.Context) (*Handle, error) {
	h, err := g.slot.Current(ctx)
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "read approval slot")
	}
	return h, nil
}

// Wait blocks until handleID is resolved or ctx is done. There is no
// built-in timeout; callers bound the wait through ctx.
func (g *Gate) Wait(ctx context.Context, handleID string) (*Resolution, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		signal := g.changed()

		h, res, err := g.slot.Lookup(ctx, handleID)
		if err != nil {
			return nil, agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "look up approval")
		}
		if h == nil {
			return nil, agenterrors.New(agenterrors.ErrCodeNotFound, "approval not found").WithContext("handle_id", handleID)
		}
		if res != nil {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		case <-ticker.C:
		}
	}
}

func (g *Gate) changed() <-chan struct{} {
	g.signalMu.Lock()
	defer g.signalMu.Unlock()
	return g.signal
}

func (g *Gate) broadcast() {
	g.signalMu.Lock()
	defer g.signalMu.Unlock()
	close(g.signal)
	g.signal = make(chan struct{})
}

func formatApproval(h Handle) string {
	var sb strings.Builder
	sb.WriteString("Approval requested\n\n")
	if h.TaskID != "" {
		fmt.Fprintf(&sb, "Task: %s\n", h.TaskID)
	}
	fmt.Fprintf(&sb, "Handle: %s\n", h.ID)
	fmt.Fprintf(&sb, "Requested: %s\n", h.OpenedAt.Format(time.RFC3339))
	if h.Summary != "" {
		fmt.Fprintf(&sb, "\n%s\n", h.Summary)
	}
	return sb.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
