package mode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProc(t *testing.T, root string, pid, comm, cmdline string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
}

func newTestProbe(t *testing.T) *ProcessProbe {
	t.Helper()
	p, err := NewProcessProbe([]string{`(?i)claude`}, []string{`(?i)claude`, `(?i)code`}, 0)
	require.NoError(t, err)
	p.procRoot = t.TempDir()
	p.selfPID = 1
	return p
}

func TestProcessProbeReadsProc(t *testing.T) {
	p := newTestProbe(t)
	writeProc(t, p.procRoot, "10", "bash", "/bin/bash\x00-l\x00")
	writeProc(t, p.procRoot, "11", "node", "node\x00/usr/lib/claude/cli.js\x00")
	require.NoError(t, os.MkdirAll(filepath.Join(p.procRoot, "self"), 0o755))

	procs, err := p.Processes(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 2)
	byPID := map[int]Process{}
	for _, proc := range procs {
		byPID[proc.PID] = proc
	}
	assert.Equal(t, Process{PID: 10, Name: "bash", Command: "/bin/bash -l"}, byPID[10])
	assert.Equal(t, Process{PID: 11, Name: "node", Command: "node /usr/lib/claude/cli.js"}, byPID[11])

	alive, err := p.Alive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestProcessProbeNoMatch(t *testing.T) {
	p := newTestProbe(t)
	writeProc(t, p.procRoot, "10", "bash", "/bin/bash\x00")
	alive, err := p.Alive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestProcessProbeIgnoresSelf(t *testing.T) {
	p := newTestProbe(t)
	writeProc(t, p.procRoot, "1", "claude-remote", "claude-remote\x00serve\x00")
	alive, err := p.Alive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestProcessProbeMatchesName(t *testing.T) {
	p := newTestProbe(t)
	assert.True(t, p.Matches(Process{Name: "Code Helper"}))
	assert.True(t, p.Matches(Process{Command: "/opt/Claude/claude --resume"}))
	assert.False(t, p.Matches(Process{Name: "vim", Command: "vim main.go"}))
}

func TestProcessProbeFallsBackToPS(t *testing.T) {
	p := newTestProbe(t)
	p.procRoot = filepath.Join(t.TempDir(), "missing")
	p.listPS = func(context.Context) ([]byte, error) {
		return []byte("  1 /sbin/launchd\n 77 /usr/local/bin/claude --print\nbogus line\n"), nil
	}
	procs, err := p.Processes(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "claude", procs[1].Name)

	alive, err := p.Alive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestProcessProbePSFailure(t *testing.T) {
	p := newTestProbe(t)
	p.procRoot = filepath.Join(t.TempDir(), "missing")
	p.listPS = func(context.Context) ([]byte, error) {
		return nil, errors.New("exec: \"ps\": executable file not found")
	}
	_, err := p.Alive(context.Background())
	assert.Error(t, err)
}

func TestNewProcessProbeRejectsBadPattern(t *testing.T) {
	_, err := NewProcessProbe([]string{"("}, nil, 0)
	assert.Error(t, err)
}
