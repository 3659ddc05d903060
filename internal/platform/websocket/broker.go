package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/metrics"
)

// Envelope carries a published event between instances.
type Envelope struct {
	Origin  string `json:"origin"`
	Group   string `json:"group"`
	Exclude string `json:"exclude,omitempty"`
	Event   Event  `json:"event"`
}

// Broker publishes events to groups on every instance. Local subscribers are
// served directly by the hub; remote instances receive the envelope through
// the transport and skip envelopes they originated.
type Broker interface {
	Publisher
	// PublishExcept is Publish that skips the sending connection.
	PublishExcept(ctx context.Context, group, excludeClientID string, ev Event) error
	// Run consumes envelopes from other instances until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// transport is what the Redis and NATS brokers differ in.
type transport interface {
	send(ctx context.Context, payload []byte) error
}

// fanout implements Publish/PublishExcept on top of a hub and an optional
// transport.
type fanout struct {
	hub       *Hub
	origin    string
	transport transport
}

func newFanout(hub *Hub, t transport) fanout {
	return fanout{hub: hub, origin: uuid.NewString(), transport: t}
}

func (f fanout) Publish(ctx context.Context, group string, ev Event) error {
	return f.PublishExcept(ctx, group, "", ev)
}

func (f fanout) PublishExcept(ctx context.Context, group, exclude string, ev Event) error {
	metrics.PushPublished.WithLabelValues(ev.Type).Inc()
	f.hub.Broadcast(group, ev, exclude)
	if f.transport == nil {
		return nil
	}

	payload, err := json.Marshal(Envelope{Origin: f.origin, Group: group, Exclude: exclude, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := f.transport.send(ctx, payload); err != nil {
		metrics.PushFailures.WithLabelValues(ev.Type).Inc()
		return err
	}
	return nil
}

// receive decodes a remote envelope and delivers it locally. Envelopes from
// this instance were already delivered by PublishExcept.
func (f fanout) receive(payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Origin == f.origin {
		return nil
	}
	f.hub.Deliver(env)
	return nil
}

// LocalBroker serves a single instance.
type LocalBroker struct {
	fanout
}

func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{fanout: newFanout(hub, nil)}
}

func (b *LocalBroker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *LocalBroker) Close() error { return nil }
