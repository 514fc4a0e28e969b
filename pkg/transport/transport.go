// Package transport defines the boundary between chat channels and the relay.
//
// A Source turns channel specific updates into Messages and hands them to a Handler.
// A Sender delivers reply text back to a recipient on a channel.
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Message is one inbound text event.
type Message struct {
	Channel    string
	SenderID   string
	Text       string
	ReceivedAt time.Time
	// ReplyTo is the channel's ID of this message. Senders that can quote a message use it.
	ReplyTo string
}

// Valid reports whether the message carries a sender and non-blank text.
func (m Message) Valid() bool {
	return strings.TrimSpace(m.SenderID) != "" && strings.TrimSpace(m.Text) != ""
}

// Handler consumes inbound messages. Implementations must not block for long.
type Handler func(ctx context.Context, msg Message)

type Sender interface {
	Send(ctx context.Context, channel string, recipient string, text string) error
}

type Source interface {
	// Name identifies the channel, it is used as the session key prefix.
	Name() string
	// Run delivers inbound messages to h until ctx is cancelled.
	Run(ctx context.Context, h Handler) error
}

// ReplySender is implemented by senders that can answer a specific inbound message.
type ReplySender interface {
	SendReply(ctx context.Context, channel, recipient, replyTo, text string) error
}

// Reply answers replyTo when s supports it and replyTo is set, and sends plainly otherwise.
func Reply(ctx context.Context, s Sender, channel, recipient, replyTo, text string) error {
	if rs, ok := s.(ReplySender); ok && replyTo != "" {
		return rs.SendReply(ctx, channel, recipient, replyTo, text)
	}
	return s.Send(ctx, channel, recipient, text)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, channel, recipient, text string) error

func (f SenderFunc) Send(ctx context.Context, channel, recipient, text string) error {
	return f(ctx, channel, recipient, text)
}

// Discard drops every reply.
var Discard Sender = SenderFunc(func(context.Context, string, string, string) error { return nil })

var ErrUnknownChannel = errors.New("no sender registered for channel")

// Mux routes sends to the sender registered for the message channel.
type Mux struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

var (
	_ Sender      = (*Mux)(nil)
	_ ReplySender = (*Mux)(nil)
)

func NewMux() *Mux {
	return &Mux{senders: map[string]Sender{}}
}

func (m *Mux) Register(channel string, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[channel] = s
}

func (m *Mux) Send(ctx context.Context, channel, recipient, text string) error {
	return m.SendReply(ctx, channel, recipient, "", text)
}

func (m *Mux) SendReply(ctx context.Context, channel, recipient, replyTo, text string) error {
	m.mu.RLock()
	s, ok := m.senders[channel]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownChannel, "channel %q", channel)
	}
	return Reply(ctx, s, channel, recipient, replyTo, text)
}
