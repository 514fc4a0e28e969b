// Package redisstream builds watermill publishers and subscribers on Redis Streams.
package redisstream

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/logging"
)

// Settings holds Redis Streams transport configuration.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{Addr: "localhost:6379", Group: "chatrelay", Consumer: "relay-1"}
}

func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr})
}

// Build returns a publisher and a consumer group subscriber sharing one client.
func Build(client *redis.Client, s Settings) (message.Publisher, message.Subscriber, error) {
	if client == nil {
		return nil, nil, errors.New("redisstream: client is nil")
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := logging.NewWatermill(log.With().Str("component", "redisstream").Logger())

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "redisstream: publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, nil, errors.Wrap(err, "redisstream: subscriber")
	}
	return pub, sub, nil
}

// EnsureGroupAtTail creates group on stream starting at "$", so a fresh relay only sees
// messages published after it started. An existing group is left alone.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
