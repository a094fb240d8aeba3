package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectsPrefix(t *testing.T) {
	assert.Equal(t, "agentremote.task.submitted.cloud", Subjects{}.TaskSubmitted("cloud"))
	assert.Equal(t, "ops.task.completed", Subjects{Prefix: " ops. "}.TaskCompleted())
	assert.Equal(t, "ops.notify", Subjects{Prefix: "ops"}.Notifications())
}

func TestCompletionRoundTripOverBus(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	got := make(chan Completion, 1)
	_, err := b.Subscribe(ctx, Subjects{}.TaskCompleted(), func(msg *Message) {
		c, err := DecodeCompletion(msg)
		assert.NoError(t, err)
		got <- c
	})
	require.NoError(t, err)

	require.NoError(t, PublishJSON(ctx, b, Subjects{}.TaskCompleted(), Completion{
		TaskID: "t1", Status: "completed", Summary: "ok", CompletedAt: time.Now(),
	}))

	select {
	case c := <-got:
		assert.Equal(t, "t1", c.TaskID)
		assert.Equal(t, "completed", c.Status)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestDecodeCompletionRejectsMissingTaskID(t *testing.T) {
	_, err := DecodeCompletion(&Message{Data: []byte(`{"status":"completed"}`)})
	assert.Error(t, err)
	_, err = DecodeCompletion(&Message{Data: []byte(`not json`)})
	assert.Error(t, err)
}
