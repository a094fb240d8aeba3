package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/agentremote/pkg/approval"
	"github.com/odvcencio/agentremote/pkg/control"
	"github.com/odvcencio/agentremote/pkg/dispatch"
	"github.com/odvcencio/agentremote/pkg/mode"
	"github.com/odvcencio/agentremote/pkg/notify"
	"github.com/odvcencio/agentremote/pkg/task"
	"github.com/odvcencio/agentremote/pkg/telemetry"
)

const ownerID = 42

type fakeBot struct {
	mu       sync.Mutex
	sent     []notify.OutgoingMessage
	answered map[string]string
}

func (b *fakeBot) SendMessage(_ context.Context, msg notify.OutgoingMessage) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return int64(len(b.sent)), nil
}

func (b *fakeBot) AnswerCallbackQuery(_ context.Context, queryID, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.answered == nil {
		b.answered = make(map[string]string)
	}
	b.answered[queryID] = text
	return nil
}

func (b *fakeBot) messages() []notify.OutgoingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]notify.OutgoingMessage(nil), b.sent...)
}

func (b *fakeBot) last(t *testing.T) notify.OutgoingMessage {
	t.Helper()
	msgs := b.messages()
	require.NotEmpty(t, msgs, "no reply sent")
	return msgs[len(msgs)-1]
}

type failingSubmitter struct{}

func (failingSubmitter) Backend() task.Backend { return task.BackendCloud }

func (failingSubmitter) Submit(context.Context, *task.Task) error {
	return errors.New("dial tcp 140.82.112.6:443: i/o timeout")
}

type fixture struct {
	router    *Router
	bot       *fakeBot
	ctl       *control.Controller
	store     *task.Store
	gate      *approval.Gate
	artifacts approval.Artifacts
	exchange  string
	metrics   *telemetry.Metrics
}

func newFixture(t *testing.T, alive bool, rateLimit float64) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := task.NewStore(filepath.Join(dir, "tasks"), filepath.Join(dir, "STATUS"))
	require.NoError(t, err)
	artifacts := approval.Artifacts{
		ApprovalFile: filepath.Join(dir, "APPROVAL"),
		ResponseFile: filepath.Join(dir, "RESPONSE"),
	}
	gate := approval.NewGate(approval.NewMemorySlot(), artifacts)
	exchange := filepath.Join(dir, "TASK")
	metrics := telemetry.NewMetrics()

	ctl, err := control.New(control.Config{
		AuthorizedID: "42",
		Tasks:        store,
		Gate:         gate,
		Selector:     mode.NewSelector(mode.NewMemorySessionStore(), mode.StaticProbe{IsAlive: alive}, nil),
		Dispatcher: dispatch.NewDispatcher(store, []dispatch.Submitter{
			dispatch.NewLocalSubmitter(exchange),
			failingSubmitter{},
		}),
		Metrics: metrics,
	})
	require.NoError(t, err)

	bot := &fakeBot{}
	router, err := NewRouter(Config{
		Controller: ctl,
		Bot:        bot,
		RateLimit:  rateLimit,
		Burst:      3,
		Metrics:    metrics,
	})
	require.NoError(t, err)

	return &fixture{
		router:    router,
		bot:       bot,
		ctl:       ctl,
		store:     store,
		gate:      gate,
		artifacts: artifacts,
		exchange:  exchange,
		metrics:   metrics,
	}
}

var nextMessageID int64

func (f *fixture) send(from int64, text string) {
	nextMessageID++
	f.router.HandleUpdate(context.Background(), notify.Update{
		UpdateID: nextMessageID,
		Message: &notify.Message{
			MessageID: nextMessageID,
			Text:      text,
			From:      &notify.User{ID: from},
			Chat:      &notify.Chat{ID: from},
		},
	})
}

func (f *fixture) press(from int64, data string) {
	nextMessageID++
	f.router.HandleUpdate(context.Background(), notify.Update{
		UpdateID: nextMessageID,
		CallbackQuery: &notify.CallbackQuery{
			ID:      "cb-1",
			Data:    data,
			From:    &notify.User{ID: from},
			Message: &notify.Message{MessageID: 5, Chat: &notify.Chat{ID: from}},
		},
	})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		cmd  string
		args string
		ok   bool
	}{
		{"/task Fix the build", "task", "Fix the build", true},
		{"/TASK@agent_bot  Fix it ", "task", "Fix it", true},
		{"/status", "status", "", true},
		{"hello there", "", "", false},
		{"/", "", "", false},
		{"  /ping  ", "ping", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, args, ok := parseCommand(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestUnauthorizedUpdatesAreDropped(t *testing.T) {
	f := newFixture(t, true, 0)

	f.send(7, "/task Delete the repo")
	f.send(7, "/ping")
	f.press(7, "approve:")

	assert.Empty(t, f.bot.messages())
	assert.Empty(t, f.bot.answered)
	assert.NoFileExists(t, f.exchange)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.UnauthorizedRequests.WithLabelValues("chat")))
}

func TestPingAndStart(t *testing.T) {
	f := newFixture(t, true, 0)

	f.send(ownerID, "/ping")
	assert.Equal(t, "🏓 Pong!", f.bot.last(t).Text)
	assert.Equal(t, int64(ownerID), f.bot.last(t).ChatID)

	f.send(ownerID, "/start")
	assert.Contains(t, f.bot.last(t).Text, "Mode: AUTO")
	assert.Contains(t, f.bot.last(t).Text, "/task <description>")
}

func TestTaskCommandDispatchesLocally(t *testing.T) {
	f := newFixture(t, true, 0)

	f.send(ownerID, "/task Run the unit tests")
	reply := f.bot.last(t)
	assert.Contains(t, reply.Text, "Task queued")
	assert.Contains(t, reply.Text, "Mode: LOCAL")
	assert.Equal(t, nextMessageID, reply.ReplyToMessageID)

	data, err := os.ReadFile(f.exchange)
	require.NoError(t, err)
	assert.Equal(t, "Run the unit tests", strings.TrimSpace(string(data)))

	tasks, err := f.store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(ownerID), tasks[0].ChatID)
	assert.Equal(t, nextMessageID, tasks[0].MessageID)
}

func TestTaskCommandErrors(t *testing.T) {
	f := newFixture(t, false, 0)

	f.send(ownerID, "/task")
	assert.Equal(t, "❌ Usage: /task <description>", f.bot.last(t).Text)

	f.send(ownerID, "/task rm -rf /")
	assert.Equal(t, "❌ Path separators not allowed in description", f.bot.last(t).Text)

	f.send(ownerID, "/task echo $HOME")
	assert.Equal(t, "❌ Description contains forbidden characters", f.bot.last(t).Text)

	f.send(ownerID, "/task "+strings.Repeat("a", 501))
	assert.Equal(t, "❌ Description too long (max 500 chars)", f.bot.last(t).Text)

	f.send(ownerID, "/task Deploy to staging")
	reply := f.bot.last(t).Text
	assert.Equal(t, "❌ Failed to hand the task to the cloud backend.", reply)
	assert.NotContains(t, reply, "140.82")

	tasks, err := f.store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.StatusFailed, tasks[0].Status)
}

func TestModeCommands(t *testing.T) {
	f := newFixture(t, true, 0)

	f.send(ownerID, "/cloud")
	assert.Contains(t, f.bot.last(t).Text, "CLOUD mode")
	f.send(ownerID, "/status")
	assert.Contains(t, f.bot.last(t).Text, "Mode: CLOUD")

	f.send(ownerID, "/local")
	assert.Contains(t, f.bot.last(t).Text, "LOCAL mode")

	f.send(ownerID, "/auto")
	assert.Contains(t, f.bot.last(t).Text, "Auto-detect")
	f.send(ownerID, "/status")
	status := f.bot.last(t).Text
	assert.Contains(t, status, "Mode: AUTO")
	assert.Contains(t, status, "Local agent: ✅ Running")
	assert.Contains(t, status, "Cloud runner: ❌ Not configured")
	assert.Contains(t, status, "No tasks yet.")
}

func TestApproveAndRejectCommands(t *testing.T) {
	f := newFixture(t, true, 0)

	f.send(ownerID, "/approve")
	assert.Equal(t, "✅ No pending approvals", f.bot.last(t).Text)

	_, err := f.ctl.RequestApproval(context.Background(), control.ApprovalRequest{Summary: "git push --force"})
	require.NoError(t, err)

	f.send(ownerID, "/status")
	assert.Contains(t, f.bot.last(t).Text, "Approval pending: git push --force")

	f.send(ownerID, "/reject")
	assert.Equal(t, "❌ REJECTED - the agent will stop", f.bot.last(t).Text)

	data, err := os.ReadFile(f.artifacts.ResponseFile)
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", string(data))

	f.send(ownerID, "/reject")
	assert.Equal(t, "✅ No pending approvals", f.bot.last(t).Text)
}

func TestApprovalButton(t *testing.T) {
	f := newFixture(t, true, 0)

	h, err := f.ctl.RequestApproval(context.Background(), control.ApprovalRequest{Summary: "delete branch"})
	require.NoError(t, err)

	f.press(ownerID, "approve:"+h.ID)
	assert.Equal(t, "✅ APPROVED - the agent will continue", f.bot.answered["cb-1"])
	assert.Equal(t, "✅ APPROVED - the agent will continue", f.bot.last(t).Text)

	data, err := os.ReadFile(f.artifacts.ResponseFile)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", string(data))

	f.press(ownerID, "reject:"+h.ID)
	assert.Equal(t, "✅ No pending approvals", f.bot.answered["cb-1"])
}

func TestHistoryCommand(t *testing.T) {
	f := newFixture(t, true, 0)

	f.send(ownerID, "/history")
	assert.Equal(t, "No tasks yet.", f.bot.last(t).Text)

	f.send(ownerID, "/task First task")
	time.Sleep(2 * time.Millisecond)
	f.send(ownerID, "/task Second task")

	f.send(ownerID, "/history 1")
	reply := f.bot.last(t).Text
	assert.Contains(t, reply, "Second task")
	assert.NotContains(t, reply, "First task")

	f.send(ownerID, "/history lots")
	assert.Equal(t, "❌ Usage: /history [count]", f.bot.last(t).Text)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, true, 0.001)

	for i := 0; i < 4; i++ {
		f.send(ownerID, "/ping")
	}
	msgs := f.bot.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "🏓 Pong!", msgs[2].Text)
	assert.Contains(t, msgs[3].Text, "Too many requests")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RateLimited))
}

func TestUnknownCommandAndPlainText(t *testing.T) {
	f := newFixture(t, true, 0)

	f.send(ownerID, "just chatting")
	assert.Empty(t, f.bot.messages())

	f.send(ownerID, "/deploy now")
	assert.Contains(t, f.bot.last(t).Text, "Unknown command")
}

type scriptedPoller struct {
	updates []notify.Update
}

func (p scriptedPoller) Poll(ctx context.Context, handle func(context.Context, notify.Update), onError func(error)) error {
	onError(errors.New("temporary failure"))
	for _, u := range p.updates {
		handle(ctx, u)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, true, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.router.Run(ctx, scriptedPoller{updates: []notify.Update{{
			UpdateID: 1,
			Message: &notify.Message{
				MessageID: 1,
				Text:      "/ping",
				From:      &notify.User{ID: ownerID},
				Chat:      &notify.Chat{ID: ownerID},
			},
		}}})
	}()

	require.Eventually(t, func() bool { return len(f.bot.messages()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
