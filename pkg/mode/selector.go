package mode

import (
	"context"
	"fmt"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/task"
)

// Selector resolves the backend for a requester from their override or,
// in auto mode, from local agent liveness.
type Selector struct {
	sessions SessionStore
	probe    LivenessProbe
	logger   *logging.Logger
}

// NewSelector creates a selector. A nil probe always resolves to cloud.
func NewSelector(sessions SessionStore, probe LivenessProbe, logger *logging.Logger) *Selector {
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	if probe == nil {
		probe = StaticProbe{}
	}
	return &Selector{sessions: sessions, probe: probe, logger: logger}
}

// SetMode replaces the requester's preference. Auto clears the override.
func (s *Selector) SetMode(requesterID string, m Mode) error {
	if !m.Valid() {
		return agenterrors.Validation(fmt.Sprintf("Unknown mode %q (use local, cloud or auto)", m))
	}
	if m == ModeAuto {
		s.sessions.Delete(requesterID)
	} else {
		s.sessions.Set(requesterID, m)
	}
	s.logger.Info(logging.CategoryMode, "mode_set", "execution mode changed", map[string]any{
		"requester_id": requesterID,
		"mode":         string(m),
	})
	return nil
}

// Mode returns the requester's stored preference, auto when none.
func (s *Selector) Mode(requesterID string) Mode {
	if m, ok := s.sessions.Get(requesterID); ok && m.Valid() {
		return m
	}
	return ModeAuto
}

// Alive probes the local agent directly.
func (s *Selector) Alive(ctx context.Context) (bool, error) {
	return s.probe.Alive(ctx)
}

// Resolve picks the backend for the requester's next task. An override is
// returned unchanged; otherwise the probe decides and a probe failure
// selects cloud.
func (s *Selector) Resolve(ctx context.Context, requesterID string) (task.Backend, Source, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if m, ok := s.sessions.Get(requesterID); ok {
		if backend, forced := m.Backend(); forced {
			return backend, SourceOverride, nil
		}
	}

	alive, err := s.probe.Alive(ctx)
	if err != nil {
		s.logger.Warn(logging.CategoryMode, "probe_failed", "liveness probe failed, using cloud", map[string]any{
			"requester_id": requesterID,
			"error":        err.Error(),
		})
		return task.BackendCloud, SourceProbeError, nil
	}
	if alive {
		return task.BackendLocal, SourceProbe, nil
	}
	return task.BackendCloud, SourceProbe, nil
}
