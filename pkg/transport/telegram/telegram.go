// Package telegram is a long-polling Telegram Bot API transport.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/transport"
)

const (
	DefaultName        = "telegram"
	DefaultAPIBase     = "https://api.telegram.org"
	DefaultPollTimeout = 30 * time.Second
	// MaxMessageRunes is the Bot API limit for one sendMessage text.
	MaxMessageRunes = 4096
)

type Config struct {
	Token       string
	APIBase     string
	Name        string
	PollTimeout time.Duration
	// ErrorBackoff is the pause after a failed getUpdates call.
	ErrorBackoff time.Duration
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Transport polls getUpdates and replies with sendMessage. Chat IDs are used as
// sender IDs so replies land in the chat the message came from.
type Transport struct {
	client       *resty.Client
	name         string
	pollTimeout  time.Duration
	errorBackoff time.Duration
	offset       int64
	logger       zerolog.Logger
}

var (
	_ transport.Source      = (*Transport)(nil)
	_ transport.Sender      = (*Transport)(nil)
	_ transport.ReplySender = (*Transport)(nil)
)

func New(cfg Config) (*Transport, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram: bot token must be provided")
	}
	base := strings.TrimRight(firstNonEmpty(cfg.APIBase, DefaultAPIBase), "/")
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	backoff := cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	client := resty.New().
		SetBaseURL(base+"/bot"+token).
		SetTimeout(poll+10*time.Second).
		SetHeader("Content-Type", "application/json")

	name := firstNonEmpty(cfg.Name, DefaultName)
	return &Transport{
		client:       client,
		name:         name,
		pollTimeout:  poll,
		errorBackoff: backoff,
		logger:       log.With().Str("component", "telegram").Logger(),
	}, nil
}

func (t *Transport) Name() string { return t.name }

// GetUpdates fetches updates after the current offset.
func (t *Transport) GetUpdates(ctx context.Context) ([]Update, error) {
	var out apiResponse[[]Update]
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":          strconv.FormatInt(t.offset, 10),
			"timeout":         strconv.Itoa(int(t.pollTimeout / time.Second)),
			"allowed_updates": `["message"]`,
		}).
		SetResult(&out).
		SetError(&out).
		Get("/getUpdates")
	if err != nil {
		return nil, errors.Wrap(err, "telegram getUpdates request failed")
	}
	if resp.IsError() || !out.OK {
		return nil, errors.Errorf("telegram getUpdates: status %d: %s", resp.StatusCode(), out.Description)
	}
	return out.Result, nil
}

// Run long-polls until ctx is cancelled.
func (t *Transport) Run(ctx context.Context, h transport.Handler) error {
	t.logger.Info().Dur("poll_timeout", t.pollTimeout).Msg("telegram transport polling")
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := t.GetUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn().Err(err).Dur("retry_in", t.errorBackoff).Msg("polling failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(t.errorBackoff):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			if u.Message.From != nil && u.Message.From.IsBot {
				continue
			}
			h(ctx, toMessage(t.name, u.Message))
		}
	}
}

// toMessage maps a Bot API message. Non-text messages (stickers, photos) keep an
// empty text and are dropped downstream.
func toMessage(channel string, m *Message) transport.Message {
	received := time.Now()
	if m.Date > 0 {
		received = time.Unix(m.Date, 0)
	}
	out := transport.Message{
		Channel:    channel,
		SenderID:   strconv.FormatInt(m.Chat.ID, 10),
		Text:       m.Text,
		ReceivedAt: received,
	}
	if m.MessageID > 0 {
		out.ReplyTo = strconv.FormatInt(m.MessageID, 10)
	}
	return out
}

// Send delivers text to a chat, split into Bot API sized chunks.
func (t *Transport) Send(ctx context.Context, _ string, recipient, text string) error {
	return t.send(ctx, recipient, 0, text)
}

// SendReply is Send with the first chunk quoting message replyTo. The reply still goes
// out if that message was deleted meanwhile.
func (t *Transport) SendReply(ctx context.Context, _ string, recipient, replyTo, text string) error {
	messageID, err := strconv.ParseInt(strings.TrimSpace(replyTo), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "telegram: invalid message id %q", replyTo)
	}
	return t.send(ctx, recipient, messageID, text)
}

func (t *Transport) send(ctx context.Context, recipient string, replyTo int64, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "telegram: invalid chat id %q", recipient)
	}
	for i, chunk := range splitRunes(text, MaxMessageRunes) {
		body := map[string]any{"chat_id": chatID, "text": chunk}
		if i == 0 && replyTo > 0 {
			body["reply_parameters"] = map[string]any{
				"message_id":                  replyTo,
				"allow_sending_without_reply": true,
			}
		}
		var out apiResponse[Message]
		resp, err := t.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&out).
			SetError(&out).
			Post("/sendMessage")
		if err != nil {
			return errors.Wrap(err, "telegram sendMessage request failed")
		}
		if resp.IsError() || !out.OK {
			return errors.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode(), out.Description)
		}
	}
	return nil
}

func splitRunes(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := limit
		if len(runes) < n {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
