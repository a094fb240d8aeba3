package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/agentremote/pkg/approval"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agentremote.db")
	store, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func TestApprovalSlotOpenResolveTake(t *testing.T) {
	store, _ := newTestStore(t)
	slot := store.ApprovalSlot()
	ctx := context.Background()

	opened := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ok, err := slot.Open(ctx, approval.Handle{ID: "h1", TaskID: "t1", Summary: "deploy", OpenedAt: opened})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = slot.Open(ctx, approval.Handle{ID: "h2"})
	require.NoError(t, err)
	assert.False(t, ok, "second open must fail while a gate is open")

	current, err := slot.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "h1", current.ID)
	assert.Equal(t, "deploy", current.Summary)
	assert.True(t, opened.Equal(current.OpenedAt))

	taken, err := slot.TakeResolution(ctx)
	require.NoError(t, err)
	assert.Nil(t, taken)

	_, ok, err = slot.Resolve(ctx, approval.Resolution{HandleID: "other", Decision: approval.DecisionApproved})
	require.NoError(t, err)
	assert.False(t, ok)

	closed, ok, err := slot.Resolve(ctx, approval.Resolution{
		HandleID:  "h1",
		Decision:  approval.DecisionApproved,
		DecidedBy: "42",
		DecidedAt: opened.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", closed.TaskID)

	current, err = slot.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	_, ok, err = slot.Resolve(ctx, approval.Resolution{Decision: approval.DecisionRejected})
	require.NoError(t, err)
	assert.False(t, ok, "resolving a closed gate is a no-op")

	taken, err = slot.TakeResolution(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, "h1", taken.HandleID)
	assert.Equal(t, approval.DecisionApproved, taken.Decision)
	assert.Equal(t, "42", taken.DecidedBy)

	taken, err = slot.TakeResolution(ctx)
	require.NoError(t, err)
	assert.Nil(t, taken)

	h, res, err := slot.Lookup(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NotNil(t, res)
	assert.Equal(t, approval.DecisionApproved, res.Decision)

	history, err := store.ApprovalHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "h1", history[0].HandleID)
}

func TestApprovalSlotRelease(t *testing.T) {
	store, _ := newTestStore(t)
	slot := store.ApprovalSlot()
	ctx := context.Background()

	ok, err := slot.Open(ctx, approval.Handle{ID: "h1", OpenedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	released, err := slot.Release(ctx, "wrong")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = slot.Release(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, released)

	h, _, err := slot.Lookup(ctx, "h1")
	require.NoError(t, err)
	assert.Nil(t, h)

	ok, err = slot.Open(ctx, approval.Handle{ID: "h2", OpenedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApprovalSlotSharedAcrossConnections(t *testing.T) {
	first, dbPath := newTestStore(t)
	second, err := New(dbPath)
	require.NoError(t, err)
	defer second.Close()

	ctx := context.Background()
	ok, err := first.ApprovalSlot().Open(ctx, approval.Handle{ID: "h1", OpenedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.ApprovalSlot().Open(ctx, approval.Handle{ID: "h2", OpenedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok, "another process must see the open gate")

	_, ok, err = second.ApprovalSlot().Resolve(ctx, approval.Resolution{Decision: approval.DecisionRejected, DecidedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)

	taken, err := first.ApprovalSlot().TakeResolution(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, approval.DecisionRejected, taken.Decision)
}

func TestGateOverSQLiteSlot(t *testing.T) {
	store, dbPath := newTestStore(t)
	dir := t.TempDir()
	artifacts := approval.Artifacts{
		ApprovalFile: filepath.Join(dir, "APPROVAL"),
		ResponseFile: filepath.Join(dir, "RESPONSE"),
	}
	gate := approval.NewGate(store.ApprovalSlot(), artifacts, approval.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	const n = 8
	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.RequestApproval(ctx, approval.Request{TaskID: "t1"})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if agenterrors.IsCode(err, agenterrors.ErrCodeConflict) {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins)
	require.Equal(t, int32(n-1), conflicts)

	pending, err := gate.Pending(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)

	// A second process resolves through its own connection while we wait.
	other, err := New(dbPath)
	require.NoError(t, err)
	defer other.Close()
	otherGate := approval.NewGate(other.ApprovalSlot(), artifacts)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done := make(chan *approval.Resolution, 1)
	go func() {
		res, _ := gate.Wait(waitCtx, pending.ID)
		done <- res
	}()

	_, ok, err := otherGate.Resolve(ctx, pending.ID, approval.DecisionApproved, "42")
	require.NoError(t, err)
	require.True(t, ok)

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, approval.DecisionApproved, res.Decision)

	data, err := os.ReadFile(artifacts.ResponseFile)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", string(data))
}
