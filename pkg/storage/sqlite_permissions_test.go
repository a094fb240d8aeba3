package storage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/agentremote/pkg/approval"
)

func TestNew_CreatesPrivateSQLiteFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode bits are not stable on Windows")
	}

	tests := []struct {
		name string
		dsn  func(path string) string
	}{
		{"plain path", func(path string) string { return path }},
		{"file DSN", func(path string) string { return "file:" + path }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "state", "agentremote.db")
			store, err := New(tt.dsn(dbPath))
			require.NoError(t, err)
			require.NoError(t, store.Close())

			info, err := os.Stat(dbPath)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			dirInfo, err := os.Stat(filepath.Dir(dbPath))
			require.NoError(t, err)
			assert.Zero(t, dirInfo.Mode().Perm()&0o077, "state dir is group/other accessible: %o", dirInfo.Mode().Perm())
		})
	}
}

func TestPendingApprovalSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agentremote.db")
	ctx := context.Background()

	first, err := New(dbPath)
	require.NoError(t, err)
	opened, err := first.ApprovalSlot().Open(ctx, approval.Handle{
		ID:       "01HZXAPPROVAL0000000000000",
		TaskID:   "task-1",
		Summary:  "push to main",
		OpenedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, opened)
	require.NoError(t, first.Close())

	second, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	current, err := second.ApprovalSlot().Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "task-1", current.TaskID)
	assert.Equal(t, "push to main", current.Summary)
}
