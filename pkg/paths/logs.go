package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const EnvLogDir = "AGENTREMOTE_LOG_DIR"

// StateDirName is the per-user and per-project directory holding config and state.
const StateDirName = ".agentremote"

func LogsBaseDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(StateDirName, "logs")
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}

func LogsBaseDirForWorkdir(workdir string) string {
	base := LogsBaseDir()
	if filepath.IsAbs(base) || strings.TrimSpace(workdir) == "" {
		return base
	}
	return filepath.Join(workdir, base)
}

// UserStateDir returns ~/.agentremote, or "" when no home directory is known.
func UserStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, StateDirName)
}
