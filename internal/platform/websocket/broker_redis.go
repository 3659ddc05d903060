package websocket

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultPushChannel is the Redis channel / NATS subject used for push fan-out.
const DefaultPushChannel = "telehealth.push"

// RedisBroker fans events out over Redis pub/sub.
type RedisBroker struct {
	fanout
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger
	ready   chan struct{}
}

func NewRedisBroker(hub *Hub, client redis.UniversalClient, channel string, logger zerolog.Logger) *RedisBroker {
	b := &RedisBroker{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "push-redis").Logger(),
		ready:   make(chan struct{}),
	}
	b.fanout = newFanout(hub, b)
	return b
}

func (b *RedisBroker) send(ctx context.Context, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by the server.
func (b *RedisBroker) Ready() <-chan struct{} { return b.ready }

func (b *RedisBroker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.logger.Info().Str("channel", b.channel).Msg("push broker subscribed")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := b.receive([]byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Msg("dropping push envelope")
			}
		}
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }
