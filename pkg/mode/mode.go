// Package mode decides which backend executes a requester's next task.
package mode

import (
	"fmt"
	"strings"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/task"
)

// Mode is a requester's execution preference.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
	ModeAuto  Mode = "auto"
)

// Valid reports enum membership.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeCloud, ModeAuto:
		return true
	}
	return false
}

// Backend returns the forced backend for an override mode.
func (m Mode) Backend() (task.Backend, bool) {
	switch m {
	case ModeLocal:
		return task.BackendLocal, true
	case ModeCloud:
		return task.BackendCloud, true
	}
	return "", false
}

// ParseMode parses a user-supplied mode name.
func ParseMode(raw string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", agenterrors.Validation(fmt.Sprintf("Unknown mode %q (use local, cloud or auto)", raw))
	}
	return m, nil
}

// Source explains how a backend was chosen.
type Source string

const (
	SourceOverride Source = "override"
	SourceProbe    Source = "probe"
	// SourceProbeError means the probe failed and the cloud backend was chosen.
	SourceProbeError Source = "probe_error"
)
