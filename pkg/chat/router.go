// Package chat turns Telegram updates into controller operations and
// replies in the same conversation.
package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/odvcencio/agentremote/pkg/approval"
	"github.com/odvcencio/agentremote/pkg/control"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/mode"
	"github.com/odvcencio/agentremote/pkg/notify"
	"github.com/odvcencio/agentremote/pkg/task"
	"github.com/odvcencio/agentremote/pkg/telemetry"
)

// DefaultHistoryLimit is how many tasks /history lists when no count is given.
const DefaultHistoryLimit = 10

// Bot is the subset of the Bot API the router replies through.
// *notify.TelegramClient satisfies it.
type Bot interface {
	SendMessage(ctx context.Context, msg notify.OutgoingMessage) (int64, error)
	AnswerCallbackQuery(ctx context.Context, queryID, text string) error
}

// Config wires a Router.
type Config struct {
	Controller *control.Controller
	Bot        Bot

	// RateLimit is commands per second per requester; zero disables it.
	RateLimit    float64
	Burst        int
	HistoryLimit int

	Metrics *telemetry.Metrics
	Logger  *logging.Logger
}

// Router handles chat commands for a single authorized principal.
type Router struct {
	ctl          *control.Controller
	bot          Bot
	rateLimit    rate.Limit
	burst        int
	historyLimit int
	metrics      *telemetry.Metrics
	logger       *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRouter creates a Router.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Controller == nil {
		return nil, agenterrors.Configuration("chat router requires a controller")
	}
	if cfg.Bot == nil {
		return nil, agenterrors.Configuration("chat router requires a bot client")
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	history := cfg.HistoryLimit
	if history <= 0 {
		history = DefaultHistoryLimit
	}
	return &Router{
		ctl:          cfg.Controller,
		bot:          cfg.Bot,
		rateLimit:    limit,
		burst:        burst,
		historyLimit: history,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		limiters:     make(map[string]*rate.Limiter),
	}, nil
}

// Poller is the long-polling side of the Bot API.
type Poller interface {
	Poll(ctx context.Context, handle func(context.Context, notify.Update), onError func(error)) error
}

// Run handles updates until ctx is done.
func (r *Router) Run(ctx context.Context, p Poller) error {
	r.logger.Info(logging.CategoryChat, "polling", "chat polling started", nil)
	err := p.Poll(ctx, r.HandleUpdate, func(err error) {
		r.logger.Warn(logging.CategoryNetwork, "poll_failed", "getUpdates failed, retrying", map[string]any{
			"error": err.Error(),
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// HandleUpdate processes one update. Updates from anyone but the authorized
// principal are dropped without a reply.
func (r *Router) HandleUpdate(ctx context.Context, u notify.Update) {
	switch {
	case u.CallbackQuery != nil:
		r.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		r.handleMessage(ctx, u.Message)
	}
}

func (r *Router) admit(principal string) bool {
	if err := r.ctl.Authorize(principal); err != nil {
		r.metrics.Unauthorized("chat")
		r.logger.Warn(logging.CategoryChat, "unauthorized", "update from unauthorized principal dropped", map[string]any{
			"principal": principal,
		})
		return false
	}
	return true
}

func (r *Router) allow(principal string) bool {
	r.mu.Lock()
	lim, ok := r.limiters[principal]
	if !ok {
		lim = rate.NewLimiter(r.rateLimit, r.burst)
		r.limiters[principal] = lim
	}
	r.mu.Unlock()
	if lim.Allow() {
		return true
	}
	r.metrics.ChatRateLimited()
	return false
}

// request carries what every command handler needs to reply.
type request struct {
	principal string
	chatID    int64
	messageID int64
}

func (r *Router) handleMessage(ctx context.Context, msg *notify.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	principal := msg.From.PrincipalID()
	if !r.admit(principal) {
		return
	}

	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	req := request{principal: principal, chatID: msg.Chat.ID, messageID: msg.MessageID}
	if !r.allow(principal) {
		r.reply(ctx, req, "⏳ Too many requests. Please wait a moment.")
		return
	}
	if knownCommands[cmd] {
		r.metrics.ChatCommand(cmd)
	} else {
		r.metrics.ChatCommand("unknown")
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.command",
		telemetry.AttrCommand.String(cmd),
		telemetry.AttrRequesterID.String(principal),
	)
	err := r.dispatch(ctx, req, cmd, args)
	telemetry.EndSpan(span, err)
	if err != nil {
		r.fail(ctx, req, cmd, err)
	}
}

func (r *Router) dispatch(ctx context.Context, req request, cmd, args string) error {
	switch cmd {
	case "start", "help":
		return r.start(ctx, req)
	case "ping":
		r.reply(ctx, req, "🏓 Pong!")
		return nil
	case "status":
		return r.status(ctx, req)
	case "task":
		return r.task(ctx, req, args)
	case "cloud":
		return r.setMode(ctx, req, mode.ModeCloud)
	case "local":
		return r.setMode(ctx, req, mode.ModeLocal)
	case "auto":
		return r.setMode(ctx, req, mode.ModeAuto)
	case "approve":
		return r.resolve(ctx, req, strings.TrimSpace(args), approval.DecisionApproved)
	case "reject":
		return r.resolve(ctx, req, strings.TrimSpace(args), approval.DecisionRejected)
	case "history":
		return r.history(ctx, req, args)
	default:
		r.reply(ctx, req, "Unknown command. Send /start for the list of commands.")
		return nil
	}
}

var knownCommands = map[string]bool{
	"start": true, "help": true, "ping": true, "status": true, "task": true,
	"cloud": true, "local": true, "auto": true, "approve": true, "reject": true,
	"history": true,
}

// parseCommand splits "/task@bot do things" into ("task", "do things").
func parseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	cmd := strings.ToLower(strings.TrimPrefix(head, "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", "", false
	}
	return cmd, strings.TrimSpace(rest), true
}

func (r *Router) start(ctx context.Context, req request) error {
	report, err := r.ctl.Status(ctx, req.principal)
	if err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf(`🤖 AgentRemote

I hand development tasks to your agent.

Mode: %s
• LOCAL: the agent on your desktop
• CLOUD: the serverless runner

Commands:
/task <description> - Run a task
/status - Current task, approvals and backends
/history [n] - Recent tasks
/approve, /reject - Answer a pending approval
/cloud, /local, /auto - Choose the backend
/ping - Check the bot is alive`, strings.ToUpper(string(report.Mode))))
	return nil
}

func (r *Router) status(ctx context.Context, req request) error {
	report, err := r.ctl.Status(ctx, req.principal)
	if err != nil {
		return err
	}
	r.reply(ctx, req, FormatStatus(report))
	return nil
}

// FormatStatus renders a status report as chat text.
func FormatStatus(report *control.StatusReport) string {
	var sb strings.Builder
	sb.WriteString("📊 AgentRemote Status\n\n")
	fmt.Fprintf(&sb, "Mode: %s\n", strings.ToUpper(string(report.Mode)))

	switch {
	case report.ProbeError != "":
		sb.WriteString("Local agent: ⚠️ Unknown\n")
	case report.LocalAgentAlive:
		sb.WriteString("Local agent: ✅ Running\n")
	default:
		sb.WriteString("Local agent: ❌ Offline\n")
	}
	if report.CloudConfigured {
		sb.WriteString("Cloud runner: ✅ Configured\n")
	} else {
		sb.WriteString("Cloud runner: ❌ Not configured\n")
	}

	if report.Pending != nil {
		sb.WriteString("\n⚠️ Approval pending")
		if report.Pending.Summary != "" {
			sb.WriteString(": ")
			sb.WriteString(report.Pending.Summary)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	if report.CurrentStatus == "" {
		sb.WriteString("No tasks yet.")
	} else {
		sb.WriteString(report.CurrentStatus)
	}
	return sb.String()
}

func (r *Router) task(ctx context.Context, req request, description string) error {
	if description == "" {
		r.reply(ctx, req, "❌ Usage: /task <description>")
		return nil
	}
	res, err := r.ctl.SubmitTask(ctx, control.SubmitRequest{
		RequesterID: req.principal,
		ChatID:      req.chatID,
		MessageID:   req.messageID,
		Description: description,
	})
	if err != nil {
		return err
	}

	t := res.Task
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚀 Task queued\n\nID: %s\nMode: %s\nTask: %s\n\n", t.ID, strings.ToUpper(string(t.Backend)), t.Description)
	if t.Backend == task.BackendCloud {
		sb.WriteString("☁️ Cloud execution triggered. You'll receive a notification when it completes.")
	} else {
		sb.WriteString("💻 Task sent to the local agent.")
	}
	r.reply(ctx, req, sb.String())
	return nil
}

func (r *Router) setMode(ctx context.Context, req request, m mode.Mode) error {
	if err := r.ctl.SetMode(ctx, req.principal, m); err != nil {
		return err
	}
	switch m {
	case mode.ModeCloud:
		r.reply(ctx, req, "☁️ Switched to CLOUD mode\n\nTasks run on the serverless runner, even when your desktop is offline.")
	case mode.ModeLocal:
		r.reply(ctx, req, "💻 Switched to LOCAL mode\n\nTasks run on the agent on your desktop.")
	default:
		r.reply(ctx, req, "🔄 Auto-detect enabled\n\nEach task goes to the local agent when it is running, otherwise to the cloud.")
	}
	return nil
}

func (r *Router) resolve(ctx context.Context, req request, handleID string, decision approval.Decision) error {
	res, err := r.ctl.Resolve(ctx, req.principal, handleID, decision)
	if err != nil {
		return err
	}
	r.reply(ctx, req, control.DecisionText(res))
	return nil
}

func (r *Router) history(ctx context.Context, req request, args string) error {
	limit := r.historyLimit
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			r.reply(ctx, req, "❌ Usage: /history [count]")
			return nil
		}
		limit = min(n, 50)
	}
	tasks, err := r.ctl.History(ctx, req.principal, limit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		r.reply(ctx, req, "No tasks yet.")
		return nil
	}
	var sb strings.Builder
	sb.WriteString("📜 Recent tasks\n")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "\n%s [%s, %s] %s", t.ID, t.Status, t.Backend, abbreviate(t.Description, 60))
	}
	r.reply(ctx, req, sb.String())
	return nil
}

func (r *Router) handleCallback(ctx context.Context, q *notify.CallbackQuery) {
	principal := q.From.PrincipalID()
	if !r.admit(principal) {
		return
	}
	decision, handleID, ok := control.ParseApprovalAction(q.Data)
	if !ok {
		r.answer(ctx, q.ID, "")
		return
	}
	r.metrics.ChatCommand("button_" + string(decision))

	req := request{principal: principal}
	if q.Message != nil {
		req.messageID = q.Message.MessageID
		if q.Message.Chat != nil {
			req.chatID = q.Message.Chat.ID
		}
	}

	res, err := r.ctl.Resolve(ctx, principal, handleID, decision)
	if err != nil {
		r.answer(ctx, q.ID, agenterrors.UserMessage(err))
		r.logFailure("button", err)
		return
	}
	text := control.DecisionText(res)
	r.answer(ctx, q.ID, text)
	if req.chatID != 0 {
		r.reply(ctx, req, text)
	}
}

func (r *Router) fail(ctx context.Context, req request, cmd string, err error) {
	r.logFailure(cmd, err)
	r.reply(ctx, req, "❌ "+agenterrors.UserMessage(err))
}

func (r *Router) logFailure(cmd string, err error) {
	details := map[string]any{
		"command": cmd,
		"code":    string(agenterrors.GetCode(err)),
		"error":   err.Error(),
	}
	if agenterrors.IsCode(err, agenterrors.ErrCodeValidation) || agenterrors.IsCode(err, agenterrors.ErrCodeConflict) {
		r.logger.Info(logging.CategoryChat, "command_rejected", "command rejected", details)
		return
	}
	r.logger.Error(logging.CategoryChat, "command_failed", "command failed", details)
}

func (r *Router) reply(ctx context.Context, req request, text string) {
	_, err := r.bot.SendMessage(ctx, notify.OutgoingMessage{
		ChatID:           req.chatID,
		Text:             text,
		ReplyToMessageID: req.messageID,
	})
	if err != nil {
		r.logger.Warn(logging.CategoryNetwork, "reply_failed", "could not send chat reply", map[string]any{
			"chat_id": req.chatID,
			"error":   err.Error(),
		})
	}
}

func (r *Router) answer(ctx context.Context, queryID, text string) {
	if err := r.bot.AnswerCallbackQuery(ctx, queryID, text); err != nil {
		r.logger.Warn(logging.CategoryNetwork, "answer_failed", "could not answer button press", map[string]any{
			"error": err.Error(),
		})
	}
}

func abbreviate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
