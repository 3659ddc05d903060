package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestLocalBroker_PublishExcept(t *testing.T) {
	hub := newTestHub()
	a := NewClient("a", "doc-1", 4)
	b := NewClient("b", "pat-1", 4)
	hub.Register(a, RoomGroup("r1"))
	hub.Register(b, RoomGroup("r1"))

	broker := NewLocalBroker(hub)
	ev, _ := NewEvent("ice-candidate", map[string]string{"candidate": "c"})
	if err := broker.PublishExcept(context.Background(), RoomGroup("r1"), "a", ev); err != nil {
		t.Fatalf("PublishExcept: %v", err)
	}
	if recvEvent(t, b).Type != "ice-candidate" {
		t.Fatal("expected event at b")
	}
	expectNothing(t, a)
}

func TestLocalBroker_RunStopsOnCancel(t *testing.T) {
	broker := NewLocalBroker(newTestHub())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRedisBroker_FansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	hubA, hubB := newTestHub(), newTestHub()
	brokerA := NewRedisBroker(hubA, client, DefaultPushChannel, zerolog.Nop())
	brokerB := NewRedisBroker(hubB, client, DefaultPushChannel, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go brokerA.Run(ctx)
	go brokerB.Run(ctx)
	for _, b := range []*RedisBroker{brokerA, brokerB} {
		select {
		case <-b.Ready():
		case <-time.After(2 * time.Second):
			t.Fatal("broker did not subscribe")
		}
	}

	doctorOnA := NewClient("ca", "doc-1", 4)
	doctorOnB := NewClient("cb", "doc-1", 4)
	hubA.Register(doctorOnA, DoctorGroup("doc-1"))
	hubB.Register(doctorOnB, DoctorGroup("doc-1"))

	ev, _ := NewEvent("escalation-request", map[string]string{"request_id": "q1"})
	if err := brokerA.Publish(ctx, DoctorGroup("doc-1"), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if recvEvent(t, doctorOnA).Type != "escalation-request" {
		t.Fatal("expected local delivery on instance A")
	}
	if recvEvent(t, doctorOnB).Type != "escalation-request" {
		t.Fatal("expected remote delivery on instance B")
	}
	// Instance A must not deliver its own envelope a second time.
	expectNothing(t, doctorOnA)
}

func TestRedisBroker_PublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	broker := NewRedisBroker(newTestHub(), client, DefaultPushChannel, zerolog.Nop())

	mr.Close()
	ev, _ := NewEvent("doctor-accepted", nil)
	if err := broker.Publish(context.Background(), UserGroup("pat-1"), ev); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestNATSBroker_HandleSkipsOwnEnvelopes(t *testing.T) {
	hub := newTestHub()
	c := NewClient("c1", "pat-1", 4)
	hub.Register(c, UserGroup("pat-1"))
	b := newNATSBroker(hub, nil, DefaultPushChannel, zerolog.Nop())

	own := []byte(`{"origin":"` + b.origin + `","group":"user:pat-1","event":{"type":"connection-accepted","timestamp":"2026-01-01T00:00:00Z"}}`)
	b.handle(&nats.Msg{Subject: DefaultPushChannel, Data: own})
	expectNothing(t, c)

	remote := []byte(`{"origin":"other-instance","group":"user:pat-1","event":{"type":"connection-accepted","timestamp":"2026-01-01T00:00:00Z"}}`)
	b.handle(&nats.Msg{Subject: DefaultPushChannel, Data: remote})
	if recvEvent(t, c).Type != "connection-accepted" {
		t.Fatal("expected remote envelope delivered")
	}

	b.handle(&nats.Msg{Subject: DefaultPushChannel, Data: []byte("not json")})
	expectNothing(t, c)
}

func TestNewNATSBroker_ConnectError(t *testing.T) {
	if _, err := NewNATSBroker(newTestHub(), "nats://127.0.0.1:1", DefaultPushChannel, zerolog.Nop()); err == nil {
		t.Fatal("expected connect error")
	}
}
