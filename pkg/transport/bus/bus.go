// Package bus carries chat messages over watermill topics, so any frontend that can
// publish JSON envelopes can talk to the relay.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/transport"
)

const (
	DefaultName          = "bus"
	DefaultInboundTopic  = "chatrelay.inbound"
	DefaultOutboundTopic = "chatrelay.outbound"
)

// InboundEnvelope is published by frontends on the inbound topic.
type InboundEnvelope struct {
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// OutboundEnvelope is published by the relay on the outbound topic.
type OutboundEnvelope struct {
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

type Config struct {
	Name          string
	InboundTopic  string
	OutboundTopic string
	Publisher     message.Publisher
	Subscriber    message.Subscriber
}

// Transport is both the Source and the Sender of the bus channel.
type Transport struct {
	name     string
	inTopic  string
	outTopic string
	pub      message.Publisher
	sub      message.Subscriber
	logger   zerolog.Logger
}

var (
	_ transport.Source = (*Transport)(nil)
	_ transport.Sender = (*Transport)(nil)
)

func New(cfg Config) (*Transport, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("bus: publisher is nil")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("bus: subscriber is nil")
	}
	t := &Transport{
		name:     firstNonEmpty(cfg.Name, DefaultName),
		inTopic:  firstNonEmpty(cfg.InboundTopic, DefaultInboundTopic),
		outTopic: firstNonEmpty(cfg.OutboundTopic, DefaultOutboundTopic),
		pub:      cfg.Publisher,
		sub:      cfg.Subscriber,
	}
	t.logger = log.With().Str("component", "bus").Str("topic", t.inTopic).Logger()
	return t, nil
}

func (t *Transport) Name() string { return t.name }

// Run consumes the inbound topic until ctx is cancelled. Undecodable payloads are
// acked and surface as malformed messages.
func (t *Transport) Run(ctx context.Context, h transport.Handler) error {
	msgs, err := t.sub.Subscribe(ctx, t.inTopic)
	if err != nil {
		return errors.Wrapf(err, "bus: subscribe %s", t.inTopic)
	}
	t.logger.Info().Msg("bus transport listening")
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			h(ctx, t.decode(m))
			m.Ack()
		}
	}
}

func (t *Transport) decode(m *message.Message) transport.Message {
	out := transport.Message{Channel: t.name, ReceivedAt: time.Now()}
	var env InboundEnvelope
	if err := json.Unmarshal(m.Payload, &env); err != nil {
		t.logger.Warn().Err(err).Str("uuid", m.UUID).Msg("undecodable inbound envelope")
		return out
	}
	out.SenderID = strings.TrimSpace(env.Sender)
	out.Text = env.Text
	if !env.ReceivedAt.IsZero() {
		out.ReceivedAt = env.ReceivedAt
	}
	return out
}

func (t *Transport) Send(_ context.Context, _ string, recipient, text string) error {
	payload, err := json.Marshal(OutboundEnvelope{Recipient: recipient, Text: text, SentAt: time.Now()})
	if err != nil {
		return errors.Wrap(err, "bus: marshal outbound envelope")
	}
	m := message.NewMessage(watermill.NewUUID(), payload)
	m.Metadata.Set("recipient", recipient)
	if err := t.pub.Publish(t.outTopic, m); err != nil {
		return errors.Wrapf(err, "bus: publish %s", t.outTopic)
	}
	return nil
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
