package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/agentremote/pkg/task"
)

func TestTaskLedgerRecordsTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := store.TaskLedger()
	dir := t.TempDir()

	tasks, err := task.NewStore(filepath.Join(dir, "tasks"), filepath.Join(dir, "STATUS"), task.WithRecorder(ledger))
	require.NoError(t, err)
	ctx := context.Background()

	created, err := tasks.Create(ctx, task.NewTask{Description: "ship it", Backend: task.BackendCloud, RequesterID: "42", ChatID: 42, MessageID: 9})
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, created.ID, task.StatusDispatched)
	require.NoError(t, err)
	_, err = tasks.Transition(ctx, created.ID, task.StatusCompleted, "done")
	require.NoError(t, err)

	transitions, err := ledger.Transitions(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, task.StatusPending, transitions[0].Status)
	assert.Equal(t, task.StatusDispatched, transitions[1].Status)
	assert.Equal(t, task.StatusCompleted, transitions[2].Status)

	counts, err := ledger.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[task.StatusCompleted])

	var summary string
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT summary FROM tasks WHERE id = ?`, created.ID).Scan(&summary))
	assert.Equal(t, "done", summary)
}

func TestTaskLedgerRecordingSameStatusTwiceAddsOneTransition(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := store.TaskLedger()
	ctx := context.Background()

	tk := &task.Task{ID: "20260101T000000.000000-0000000000000001", Description: "x", Status: task.StatusPending, Backend: task.BackendLocal}
	require.NoError(t, ledger.RecordTask(ctx, tk))
	require.NoError(t, ledger.RecordTask(ctx, tk))

	transitions, err := ledger.Transitions(ctx, tk.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}
