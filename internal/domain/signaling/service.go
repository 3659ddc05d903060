// Package signaling relays session negotiation (offer, answer, ICE
// candidates, end-call) and chat between the two participants of a room,
// over WebSocket push with a Redis-backed poll fallback.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/domain/room"
	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/metrics"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeEndCall      = "end-call"
)

func validType(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeEndCall:
		return true
	}
	return false
}

// Rooms is the room registry as seen by the relay.
type Rooms interface {
	Authorize(ctx context.Context, roomID uuid.UUID, userID string) (*room.Room, string, error)
	AuthorizeActive(ctx context.Context, roomID uuid.UUID, userID string) (*room.Room, string, error)
	End(ctx context.Context, roomID uuid.UUID, by string) (*room.Room, error)
	PostMessage(ctx context.Context, roomID uuid.UUID, senderID, body string) (*room.Message, error)
}

type Service struct {
	queue  *Queue
	rooms  Rooms
	broker websocket.Broker
	logger zerolog.Logger
}

func NewService(queue *Queue, rooms Rooms, broker websocket.Broker, logger zerolog.Logger) *Service {
	return &Service{
		queue:  queue,
		rooms:  rooms,
		broker: broker,
		logger: logger.With().Str("component", "signaling").Logger(),
	}
}

// Relay queues a signal from senderID and pushes it to the room's other
// sockets. exclude is the sending socket, empty for HTTP callers. An end-call
// also ends the room.
func (s *Service) Relay(ctx context.Context, roomID uuid.UUID, senderID, exclude, sigType string, data json.RawMessage) (*Signal, error) {
	if !validType(sigType) {
		return nil, apperr.Validationf("unknown signal type %q", sigType)
	}
	if sigType != TypeEndCall && len(data) == 0 {
		return nil, apperr.Validationf("%s requires data", sigType)
	}
	if _, _, err := s.rooms.AuthorizeActive(ctx, roomID, senderID); err != nil {
		return nil, err
	}

	sig := &Signal{RoomID: roomID.String(), Type: sigType, SenderID: senderID, Data: data}
	if err := s.queue.Push(ctx, sig); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", sigType, err)
	}
	metrics.SignalsEnqueued.WithLabelValues(sigType).Inc()

	if sigType == TypeEndCall {
		// room.End tells the room the sender has left.
		if _, err := s.rooms.End(ctx, roomID, senderID); err != nil && !errors.Is(err, apperr.ErrConflict) {
			return nil, err
		}
		return sig, nil
	}

	ev, err := websocket.NewEvent(sigType, sig)
	if err != nil {
		return nil, err
	}
	ev.From = senderID
	if err := s.broker.PublishExcept(ctx, websocket.RoomGroup(sig.RoomID), exclude, ev); err != nil {
		s.logger.Warn().Err(err).Str("room_id", sig.RoomID).Str("type", sigType).Msg("push failed")
	}
	return sig, nil
}

// Poll returns the signals queued for userID. Participants of an ended room
// may still drain what is left.
func (s *Service) Poll(ctx context.Context, roomID uuid.UUID, userID string) ([]*Signal, error) {
	if _, _, err := s.rooms.Authorize(ctx, roomID, userID); err != nil {
		return nil, err
	}
	sigs, err := s.queue.Poll(ctx, roomID.String(), userID)
	if err != nil {
		return nil, fmt.Errorf("poll signals: %w", err)
	}
	metrics.SignalsDelivered.Add(float64(len(sigs)))
	return sigs, nil
}

// Join authorizes userID for the room's push group and tells the other side.
func (s *Service) Join(ctx context.Context, roomID uuid.UUID, userID, clientID string) (*room.Room, string, error) {
	rm, role, err := s.rooms.AuthorizeActive(ctx, roomID, userID)
	if err != nil {
		return nil, "", err
	}
	ev, err := websocket.NewEvent("user-joined", map[string]string{
		"room_id": roomID.String(),
		"user_id": userID,
		"role":    role,
	})
	if err == nil {
		ev.From = userID
		err = s.broker.PublishExcept(ctx, websocket.RoomGroup(roomID.String()), clientID, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID.String()).Msg("push failed")
	}
	return rm, role, nil
}

// PostMessage stores a chat message; the room registry pushes it.
func (s *Service) PostMessage(ctx context.Context, roomID uuid.UUID, senderID, body string) (*room.Message, error) {
	return s.rooms.PostMessage(ctx, roomID, senderID, body)
}
