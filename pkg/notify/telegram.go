package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTelegramAPIBase is the public Bot API endpoint.
	DefaultTelegramAPIBase = "https://api.telegram.org"

	defaultPollTimeout = 30 * time.Second
	pollRetryDelay     = 5 * time.Second
	// Telegram rejects longer messages.
	maxTelegramText = 4096
)

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	// BotToken is the Telegram bot token from @BotFather
	BotToken string

	// APIBaseURL overrides the Bot API host (tests, local Bot API servers).
	APIBaseURL string

	// PollTimeout is the long-poll timeout passed to getUpdates.
	PollTimeout time.Duration

	HTTPClient *http.Client
}

// TelegramClient is a small Bot API client covering long polling,
// sendMessage and answerCallbackQuery.
type TelegramClient struct {
	botToken    string
	baseURL     string
	pollTimeout time.Duration
	client      *http.Client
}

// NewTelegramClient creates a Bot API client.
func NewTelegramClient(cfg TelegramConfig) (*TelegramClient, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if base == "" {
		base = DefaultTelegramAPIBase
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		// Long polls hold the request open for the poll timeout.
		client = &http.Client{Timeout: poll + 10*time.Second}
	}
	return &TelegramClient{
		botToken:    cfg.BotToken,
		baseURL:     base,
		pollTimeout: poll,
		client:      client,
	}, nil
}

// Update is one entry returned by getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	From      *User  `json:"from,omitempty"`
	Chat      *Chat  `json:"chat,omitempty"`
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// User is a Telegram account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Chat is a Telegram conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// PrincipalID renders a user id the way the authorization check compares it.
func (u *User) PrincipalID() string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

// OutgoingMessage is a sendMessage request.
type OutgoingMessage struct {
	ChatID           int64
	Text             string
	ReplyToMessageID int64
	Buttons          []ResponseOption
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

func (c *TelegramClient) call(ctx context.Context, method string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// The URL embeds the token; never surface it.
		return fmt.Errorf("telegram %s: %s", method, redact(err.Error(), c.botToken))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}
	var result apiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("telegram %s: status %d: invalid response", method, resp.StatusCode)
	}
	if !result.OK || resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API error (%s): %d %s", method, result.ErrorCode, result.Description)
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "<redacted>")
}

// GetUpdates long-polls for updates after offset.
func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(c.pollTimeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text and returns the new message id.
func (c *TelegramClient) SendMessage(ctx context.Context, msg OutgoingMessage) (int64, error) {
	text := msg.Text
	if utf8.RuneCountInString(text) > maxTelegramText {
		text = string([]rune(text)[:maxTelegramText-3]) + "..."
	}
	payload := map[string]any{
		"chat_id": msg.ChatID,
		"text":    text,
	}
	if msg.ReplyToMessageID != 0 {
		payload["reply_to_message_id"] = msg.ReplyToMessageID
		payload["allow_sending_without_reply"] = true
	}
	if len(msg.Buttons) > 0 {
		row := make([]map[string]string, 0, len(msg.Buttons))
		for _, opt := range msg.Buttons {
			row = append(row, map[string]string{
				"text":          opt.Label,
				"callback_data": opt.ID,
			})
		}
		payload["reply_markup"] = map[string]any{
			"inline_keyboard": [][]map[string]string{row},
		}
	}

	var sent Message
	if err := c.call(ctx, "sendMessage", payload, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// AnswerCallbackQuery acknowledges a button press.
func (c *TelegramClient) AnswerCallbackQuery(ctx context.Context, queryID, text string) error {
	payload := map[string]any{"callback_query_id": queryID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// Poll delivers updates to handle until ctx is done. Transport errors are
// reported to onError and retried after a delay.
func (c *TelegramClient) Poll(ctx context.Context, handle func(context.Context, Update), onError func(error)) error {
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := c.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if onError != nil {
				onError(err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			handle(ctx, update)
		}
	}
}

// TelegramAdapter delivers notification events as chat messages.
type TelegramAdapter struct {
	client        *TelegramClient
	defaultChatID int64
}

// NewTelegramAdapter sends to the event's chat, or defaultChatID when the
// event carries none.
func NewTelegramAdapter(client *TelegramClient, defaultChatID int64) (*TelegramAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("telegram client is required")
	}
	if defaultChatID == 0 {
		return nil, fmt.Errorf("chat ID is required")
	}
	return &TelegramAdapter{client: client, defaultChatID: defaultChatID}, nil
}

// Name returns the adapter name.
func (t *TelegramAdapter) Name() string {
	return "telegram"
}

// Send sends a notification via Telegram.
func (t *TelegramAdapter) Send(ctx context.Context, event *Event) error {
	chatID := event.ChatID
	if chatID == 0 {
		chatID = t.defaultChatID
	}
	_, err := t.client.SendMessage(ctx, OutgoingMessage{
		ChatID:           chatID,
		Text:             FormatText(event),
		ReplyToMessageID: event.ReplyToMessageID,
		Buttons:          event.Options,
	})
	return err
}

// Close closes the adapter.
func (t *TelegramAdapter) Close() error {
	return nil
}

// FormatText renders an event as plain chat text.
func FormatText(event *Event) string {
	var msg strings.Builder
	switch event.Type {
	case EventApprovalRequired:
		msg.WriteString("⚠️ ")
	case EventTaskCreated, EventDispatched:
		msg.WriteString("🚀 ")
	case EventCompleted:
		msg.WriteString("✅ ")
	case EventApprovalResolved:
		msg.WriteString("☑️ ")
	case EventDispatchFailed, EventFailed:
		msg.WriteString("❌ ")
	}
	if event.Title != "" {
		msg.WriteString(event.Title)
	}
	if event.Message != "" {
		if event.Title != "" {
			msg.WriteString("\n\n")
		}
		msg.WriteString(event.Message)
	}
	if event.TaskID != "" {
		msg.WriteString("\n\nTask: ")
		msg.WriteString(event.TaskID)
	}
	return msg.String()
}
