package carerequest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/domain/room"
	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/metrics"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

const maxNoteLen = 2000

// Rooms is the part of the room registry the coordinator drives.
type Rooms interface {
	Create(ctx context.Context, rm *room.Room) error
	SetKind(ctx context.Context, roomID uuid.UUID, kind string) error
}

// Service coordinates the request lifecycle: intake, the accept/pass race
// and the connection handshake.
type Service struct {
	repo       Repository
	tx         db.TxRunner
	rooms      Rooms
	matcher    *Matcher
	pub        websocket.Publisher
	logger     zerolog.Logger
	riskLevels map[string]bool
	now        func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, rooms Rooms, matcher *Matcher, pub websocket.Publisher, riskLevels []string, logger zerolog.Logger) *Service {
	levels := make(map[string]bool, len(riskLevels))
	for _, l := range riskLevels {
		levels[strings.ToLower(strings.TrimSpace(l))] = true
	}
	return &Service{
		repo:       repo,
		tx:         tx,
		rooms:      rooms,
		matcher:    matcher,
		pub:        pub,
		logger:     logger.With().Str("component", "carerequest").Logger(),
		riskLevels: levels,
		now:        time.Now,
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func observe(transition string, err error) {
	metrics.RequestTransitions.WithLabelValues(transition, outcome(err)).Inc()
}

// TriggerEscalation turns a risk signal into a pending escalation and offers
// it to a doctor. Signals below the escalation threshold are ignored. A
// requester with a pending escalation gets that request back instead of a
// new one. When no doctor is available the request stays pending and the
// result says so.
func (s *Service) TriggerEscalation(ctx context.Context, sig RiskSignal) (*EscalationResult, error) {
	if sig.UserID == "" {
		return nil, apperr.Unauthorizedf("missing requester identity")
	}
	level := strings.ToLower(strings.TrimSpace(sig.RiskLevel))
	if level == "" {
		return nil, apperr.Validationf("risk_level is required")
	}
	if !s.riskLevels[level] {
		return &EscalationResult{Escalated: false}, nil
	}

	req, created, err := s.pendingEscalation(ctx, sig, level)
	if err != nil {
		return nil, err
	}
	if !created && req.CandidateDoctorID != nil {
		return &EscalationResult{Escalated: true, Request: req, DoctorID: *req.CandidateDoctorID}, nil
	}

	doctorID, err := s.offer(ctx, req)
	if err != nil {
		return nil, err
	}
	if doctorID == "" {
		s.notifyNoDoctor(ctx, req)
		return &EscalationResult{Escalated: true, Request: req, Message: apperr.ErrNoDoctorAvailable.Error()}, nil
	}
	s.notifyOffer(ctx, req, doctorID)
	return &EscalationResult{Escalated: true, Request: req, DoctorID: doctorID}, nil
}

// pendingEscalation returns the requester's pending escalation, creating it
// when there is none. created is false when an existing one is reused.
func (s *Service) pendingEscalation(ctx context.Context, sig RiskSignal, level string) (*CareRequest, bool, error) {
	req, err := s.repo.PendingEscalation(ctx, sig.UserID)
	if err == nil {
		return req, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, fmt.Errorf("load pending escalation: %w", err)
	}

	req = &CareRequest{
		ID:            uuid.New(),
		Kind:          KindEscalation,
		RequesterID:   sig.UserID,
		RequesterName: nameOr(sig.UserName, sig.UserID),
		RiskLevel:     &level,
		Note:          truncate(strings.TrimSpace(sig.Message), maxNoteLen),
		Status:        StatusPending,
		DeclinedBy:    []string{},
	}
	err = s.repo.Create(ctx, req)
	if errors.Is(err, apperr.ErrConflict) {
		// A concurrent signal from the same requester created it first.
		existing, getErr := s.repo.PendingEscalation(ctx, sig.UserID)
		if getErr != nil {
			return nil, false, fmt.Errorf("load pending escalation: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create escalation: %w", err)
	}
	metrics.RequestsCreated.WithLabelValues(KindEscalation).Inc()
	s.logger.Info().Str("request_id", req.ID.String()).Str("requester_id", req.RequesterID).
		Str("risk_level", level).Msg("escalation created")
	return req, true, nil
}

// offer runs the matcher for req and records the candidate. It returns "" when
// nobody is available.
func (s *Service) offer(ctx context.Context, req *CareRequest) (string, error) {
	d, err := s.matcher.Match(ctx, req)
	if errors.Is(err, apperr.ErrNoDoctorAvailable) {
		metrics.NoDoctorAvailable.Inc()
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := s.repo.Offer(ctx, req.ID, d.ID, s.now().UTC()); err != nil {
		return "", fmt.Errorf("offer request %s to %s: %w", req.ID, d.ID, err)
	}
	req.CandidateDoctorID = &d.ID
	return d.ID, nil
}

// CreateRoutine files a non-urgent request that any online doctor may pick
// from the pending board.
func (s *Service) CreateRoutine(ctx context.Context, requesterID, requesterName, connectionType, note string) (*CareRequest, error) {
	if requesterID == "" {
		return nil, apperr.Unauthorizedf("missing requester identity")
	}
	if !room.ValidKind(connectionType) {
		return nil, apperr.Validationf("connection_type must be %q or %q", room.KindChat, room.KindVideo)
	}
	note = strings.TrimSpace(note)
	if len([]rune(note)) > maxNoteLen {
		return nil, apperr.Validationf("note exceeds %d characters", maxNoteLen)
	}

	req := &CareRequest{
		ID:             uuid.New(),
		Kind:           KindRoutine,
		RequesterID:    requesterID,
		RequesterName:  nameOr(requesterName, requesterID),
		Note:           note,
		Status:         StatusPending,
		ConnectionType: &connectionType,
		DeclinedBy:     []string{},
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create routine request: %w", err)
	}
	metrics.RequestsCreated.WithLabelValues(KindRoutine).Inc()
	return req, nil
}

// Accept assigns the request to doctorID and opens its room in one
// transaction. Of concurrent accepts exactly one succeeds; the rest, and any
// accept on a resolved request, get apperr.ErrConflict.
func (s *Service) Accept(ctx context.Context, requestID uuid.UUID, doctorID string) (*CareRequest, error) {
	if doctorID == "" {
		return nil, apperr.Unauthorizedf("missing doctor identity")
	}

	var accepted *CareRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		roomID := uuid.New()
		req, err := s.repo.Accept(ctx, requestID, doctorID, roomID, s.now().UTC())
		if err != nil {
			return err
		}
		kind := room.KindChat
		if req.ConnectionType != nil {
			kind = *req.ConnectionType
		}
		rm := &room.Room{
			ID:          roomID,
			RequestID:   req.ID,
			RequesterID: req.RequesterID,
			DoctorID:    doctorID,
			Kind:        kind,
		}
		if err := s.rooms.Create(ctx, rm); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		accepted = req
		return nil
	})
	observe("accept", err)
	if err != nil {
		return nil, err
	}
	metrics.RoomsActive.Inc()

	s.logger.Info().Str("request_id", requestID.String()).Str("doctor_id", doctorID).
		Str("room_id", accepted.RoomID.String()).Msg("request accepted")
	s.notify(ctx, websocket.UserGroup(accepted.RequesterID), "doctor-accepted", map[string]interface{}{
		"request_id": accepted.ID,
		"room_id":    accepted.RoomID,
		"doctor_id":  doctorID,
	})
	return accepted, nil
}

// Pass records doctorID's decline. The request stays pending; escalations are
// re-offered to the next eligible doctor, and the requester is told when
// nobody is left.
func (s *Service) Pass(ctx context.Context, requestID uuid.UUID, doctorID string) (*CareRequest, error) {
	if doctorID == "" {
		return nil, apperr.Unauthorizedf("missing doctor identity")
	}

	var (
		req  *CareRequest
		next string
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.repo.Decline(ctx, requestID, doctorID, s.now().UTC())
		if err != nil {
			return err
		}
		if req.Kind != KindEscalation {
			return nil
		}
		next, err = s.offer(ctx, req)
		return err
	})
	observe("pass", err)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("request_id", requestID.String()).Str("doctor_id", doctorID).
		Str("next_doctor_id", next).Msg("request passed")
	if req.Kind == KindEscalation {
		if next == "" {
			s.notifyNoDoctor(ctx, req)
		} else {
			s.notifyOffer(ctx, req, next)
		}
	}
	return req, nil
}

// Cancel lets the requester withdraw a pending request.
func (s *Service) Cancel(ctx context.Context, requestID uuid.UUID, requesterID string) (*CareRequest, error) {
	cur, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if cur.RequesterID != requesterID {
		return nil, apperr.Forbiddenf("only the requester can cancel this request")
	}
	req, err := s.repo.Reject(ctx, requestID, ReasonCancelled, s.now().UTC())
	observe("cancel", err)
	if err != nil {
		return nil, err
	}
	if cur.CandidateDoctorID != nil {
		s.notify(ctx, websocket.DoctorGroup(*cur.CandidateDoctorID), "request-cancelled", map[string]interface{}{
			"request_id": req.ID,
		})
	}
	return req, nil
}

// Complete closes an accepted request. The room registry calls it when the
// room ends.
func (s *Service) Complete(ctx context.Context, requestID uuid.UUID) error {
	err := s.repo.Complete(ctx, requestID, s.now().UTC())
	observe("complete", err)
	return err
}

// Get returns the request if viewerID may see it: the requester always, a
// doctor while it is pending or once it is assigned to them.
func (s *Service) Get(ctx context.Context, requestID uuid.UUID, viewerID string, asDoctor bool) (*CareRequest, error) {
	req, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID == viewerID {
		return req, nil
	}
	if asDoctor && (req.Status == StatusPending || req.AssignedTo(viewerID)) {
		return req, nil
	}
	return nil, apperr.Forbiddenf("not allowed to view this request")
}

// PollStatus is the status projection for requesters without push.
func (s *Service) PollStatus(ctx context.Context, requestID uuid.UUID, viewerID string, asDoctor bool) (*StatusView, error) {
	req, err := s.Get(ctx, requestID, viewerID, asDoctor)
	if err != nil {
		return nil, err
	}
	return req.StatusView(), nil
}

func (s *Service) ListPending(ctx context.Context, doctorID string, limit, offset int) ([]*CareRequest, int, error) {
	return s.repo.ListPending(ctx, doctorID, limit, offset)
}

func (s *Service) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*CareRequest, int, error) {
	return s.repo.ListByRequester(ctx, requesterID, limit, offset)
}

// LatestActive returns the requester's newest pending or accepted request.
func (s *Service) LatestActive(ctx context.Context, requesterID string) (*CareRequest, error) {
	return s.repo.LatestActiveByRequester(ctx, requesterID)
}

// RequestConnection records the kind of session the requester wants and asks
// the assigned doctor to confirm it.
func (s *Service) RequestConnection(ctx context.Context, requestID uuid.UUID, kind, requesterID, requesterName string) (*CareRequest, error) {
	if !room.ValidKind(kind) {
		return nil, apperr.Validationf("connection_type must be %q or %q", room.KindChat, room.KindVideo)
	}
	cur, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if cur.RequesterID != requesterID {
		return nil, apperr.Forbiddenf("only the requester can request a connection")
	}

	req, err := s.repo.SetConnection(ctx, requestID, kind, s.now().UTC())
	observe("connection_request", err)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, websocket.DoctorGroup(*req.DoctorID), "connection-request", map[string]interface{}{
		"request_id":      req.ID,
		"connection_type": kind,
		"requester_id":    req.RequesterID,
		"requester_name":  nameOr(requesterName, req.RequesterName),
	})
	return req, nil
}

// ConfirmConnection is the assigned doctor accepting the requested kind. The
// room takes on that kind in the same transaction.
func (s *Service) ConfirmConnection(ctx context.Context, requestID uuid.UUID, doctorID string) (*CareRequest, error) {
	if err := s.checkAssigned(ctx, requestID, doctorID); err != nil {
		return nil, err
	}

	var req *CareRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.repo.ResolveConnection(ctx, requestID, ConnectionAccepted, s.now().UTC())
		if err != nil {
			return err
		}
		return s.rooms.SetKind(ctx, *req.RoomID, *req.ConnectionType)
	})
	observe("connection_accept", err)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, websocket.UserGroup(req.RequesterID), "connection-accepted", map[string]interface{}{
		"request_id":      req.ID,
		"room_id":         req.RoomID,
		"connection_type": req.ConnectionType,
	})
	return req, nil
}

// DeclineConnection is the assigned doctor refusing the requested kind. The
// requester may ask again.
func (s *Service) DeclineConnection(ctx context.Context, requestID uuid.UUID, doctorID string) (*CareRequest, error) {
	if err := s.checkAssigned(ctx, requestID, doctorID); err != nil {
		return nil, err
	}

	req, err := s.repo.ResolveConnection(ctx, requestID, ConnectionRejected, s.now().UTC())
	observe("connection_decline", err)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, websocket.UserGroup(req.RequesterID), "connection-rejected", map[string]interface{}{
		"request_id":      req.ID,
		"connection_type": req.ConnectionType,
	})
	return req, nil
}

func (s *Service) checkAssigned(ctx context.Context, requestID uuid.UUID, doctorID string) error {
	cur, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if cur.Status != StatusAccepted {
		return apperr.Conflictf("request not accepted")
	}
	if !cur.AssignedTo(doctorID) {
		return apperr.Forbiddenf("request is assigned to another doctor")
	}
	return nil
}

// ExpireStale rejects pending requests older than ttl and tells their
// requesters. It returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	now := s.now().UTC()
	expired, err := s.repo.ExpirePending(ctx, now.Add(-ttl), now)
	if err != nil {
		return 0, fmt.Errorf("expire pending requests: %w", err)
	}
	metrics.RequestsExpired.Add(float64(len(expired)))
	for _, req := range expired {
		s.notify(ctx, websocket.UserGroup(req.RequesterID), "request-expired", map[string]interface{}{
			"request_id": req.ID,
		})
	}
	return len(expired), nil
}

func (s *Service) notifyOffer(ctx context.Context, req *CareRequest, doctorID string) {
	s.notify(ctx, websocket.DoctorGroup(doctorID), "escalation-request", map[string]interface{}{
		"request_id":     req.ID,
		"requester_id":   req.RequesterID,
		"requester_name": req.RequesterName,
		"risk_level":     req.RiskLevel,
		"note":           req.Note,
		"created_at":     req.CreatedAt,
	})
}

func (s *Service) notifyNoDoctor(ctx context.Context, req *CareRequest) {
	s.notify(ctx, websocket.UserGroup(req.RequesterID), "no-doctors-available", map[string]interface{}{
		"request_id": req.ID,
		"message":    apperr.ErrNoDoctorAvailable.Error(),
	})
}

// notify is best effort: the transition it reports has already committed.
func (s *Service) notify(ctx context.Context, group, eventType string, data interface{}) {
	if s.pub == nil {
		return
	}
	ev, err := websocket.NewEvent(eventType, data)
	if err == nil {
		err = s.pub.Publish(ctx, group, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("group", group).Str("event", eventType).Msg("push failed")
	}
}

func nameOr(name, fallback string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fallback
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
