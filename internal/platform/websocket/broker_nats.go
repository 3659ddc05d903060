package websocket

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBroker fans events out over a NATS subject.
type NATSBroker struct {
	fanout
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSBroker connects to url.
func NewNATSBroker(hub *Hub, url, subject string, logger zerolog.Logger) (*NATSBroker, error) {
	conn, err := nats.Connect(url, nats.Name("telehealth-push"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return newNATSBroker(hub, conn, subject, logger), nil
}

func newNATSBroker(hub *Hub, conn *nats.Conn, subject string, logger zerolog.Logger) *NATSBroker {
	b := &NATSBroker{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "push-nats").Logger(),
	}
	b.fanout = newFanout(hub, b)
	return b
}

func (b *NATSBroker) send(_ context.Context, payload []byte) error {
	if err := b.conn.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("failed to publish to subject %q: %w", b.subject, err)
	}
	return nil
}

func (b *NATSBroker) handle(msg *nats.Msg) {
	if err := b.receive(msg.Data); err != nil {
		b.logger.Warn().Err(err).Msg("dropping push envelope")
	}
}

func (b *NATSBroker) Run(ctx context.Context) error {
	sub, err := b.conn.Subscribe(b.subject, b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %q: %w", b.subject, err)
	}
	defer sub.Unsubscribe()
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	b.logger.Info().Str("subject", b.subject).Msg("push broker subscribed")

	<-ctx.Done()
	return nil
}

func (b *NATSBroker) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
