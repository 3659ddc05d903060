package room

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/metrics"
	"github.com/ehr/telehealth/internal/platform/websocket"
	"github.com/ehr/telehealth/pkg/pagination"
)

const maxMessageLen = 4000

// RequestCompleter marks the care request behind a room as completed when the
// room ends.
type RequestCompleter interface {
	Complete(ctx context.Context, requestID uuid.UUID) error
}

type Service struct {
	repo      Repository
	tx        db.TxRunner
	pub       websocket.Publisher
	completer RequestCompleter
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, pub websocket.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		pub:    pub,
		logger: logger.With().Str("component", "room").Logger(),
		now:    time.Now,
	}
}

// SetRequestCompleter wires the care request store. It must be set before
// rooms can be ended.
func (s *Service) SetRequestCompleter(c RequestCompleter) {
	s.completer = c
}

// Create persists a new active room. It joins the caller's transaction when
// ctx carries one.
func (s *Service) Create(ctx context.Context, rm *Room) error {
	if rm.RequestID == uuid.Nil || rm.RequesterID == "" || rm.DoctorID == "" {
		return apperr.Validationf("room needs a request, a requester and a doctor")
	}
	if rm.Kind == "" {
		rm.Kind = KindChat
	}
	if !ValidKind(rm.Kind) {
		return apperr.Validationf("invalid room kind %q", rm.Kind)
	}
	if rm.ID == uuid.Nil {
		rm.ID = uuid.New()
	}
	rm.Status = StatusActive
	return s.repo.Create(ctx, rm)
}

// Authorize returns the room and userID's role in it. Non-participants get
// ErrForbidden.
func (s *Service) Authorize(ctx context.Context, roomID uuid.UUID, userID string) (*Room, string, error) {
	rm, err := s.repo.GetByID(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	role := rm.RoleOf(userID)
	if role == "" {
		return nil, "", apperr.Forbiddenf("not a participant of this room")
	}
	return rm, role, nil
}

// AuthorizeActive is Authorize that also rejects ended rooms with ErrConflict.
func (s *Service) AuthorizeActive(ctx context.Context, roomID uuid.UUID, userID string) (*Room, string, error) {
	rm, role, err := s.Authorize(ctx, roomID, userID)
	if err != nil {
		return nil, "", err
	}
	if !rm.Active() {
		return nil, "", apperr.Conflictf("room has ended")
	}
	return rm, role, nil
}

func (s *Service) Get(ctx context.Context, roomID uuid.UUID, userID string) (*Room, error) {
	rm, _, err := s.Authorize(ctx, roomID, userID)
	return rm, err
}

// GetByRequest returns the active room opened for a request. Only its
// participants may see it.
func (s *Service) GetByRequest(ctx context.Context, requestID uuid.UUID, userID string) (*Room, error) {
	rm, err := s.repo.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rm.RoleOf(userID) == "" {
		return nil, apperr.Forbiddenf("not a participant of this room")
	}
	return rm, nil
}

// SetKind records the negotiated session kind.
func (s *Service) SetKind(ctx context.Context, roomID uuid.UUID, kind string) error {
	if !ValidKind(kind) {
		return apperr.Validationf("invalid room kind %q", kind)
	}
	return s.repo.SetKind(ctx, roomID, kind)
}

// End closes the room on behalf of a participant, completes the request and
// tells the room the other side has gone.
func (s *Service) End(ctx context.Context, roomID uuid.UUID, by string) (*Room, error) {
	if _, _, err := s.Authorize(ctx, roomID, by); err != nil {
		return nil, err
	}

	var ended *Room
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rm, err := s.repo.End(ctx, roomID, s.now().UTC())
		if err != nil {
			return err
		}
		if s.completer != nil {
			if err := s.completer.Complete(ctx, rm.RequestID); err != nil {
				return fmt.Errorf("complete request %s: %w", rm.RequestID, err)
			}
		}
		ended = rm
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RoomsActive.Dec()

	s.notify(ctx, ended.ID, "user-disconnected", map[string]string{
		"room_id": ended.ID.String(),
		"user_id": by,
	})
	return ended, nil
}

func (s *Service) ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*Room, int, error) {
	return s.repo.ListByParticipant(ctx, userID, limit, offset)
}

// PostMessage stores a chat message and pushes new-message to the room.
func (s *Service) PostMessage(ctx context.Context, roomID uuid.UUID, senderID, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validationf("message body is required")
	}
	if utf8.RuneCountInString(body) > maxMessageLen {
		return nil, apperr.Validationf("message exceeds %d characters", maxMessageLen)
	}

	_, role, err := s.AuthorizeActive(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}

	m := &Message{RoomID: roomID, SenderID: senderID, SenderRole: role, Body: body}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.AppendMessage(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesPosted.Inc()

	s.notify(ctx, roomID, "new-message", m)
	return m, nil
}

// ListMessages returns messages with seq greater than afterSeq.
func (s *Service) ListMessages(ctx context.Context, roomID uuid.UUID, userID string, afterSeq int64, limit int) ([]*Message, error) {
	if _, _, err := s.Authorize(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > pagination.MaxMessages {
		limit = pagination.MaxMessages
	}
	return s.repo.ListMessages(ctx, roomID, afterSeq, limit)
}

func (s *Service) notify(ctx context.Context, roomID uuid.UUID, eventType string, data interface{}) {
	if s.pub == nil {
		return
	}
	ev, err := websocket.NewEvent(eventType, data)
	if err == nil {
		err = s.pub.Publish(ctx, websocket.RoomGroup(roomID.String()), ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID.String()).Str("event", eventType).Msg("push failed")
	}
}
