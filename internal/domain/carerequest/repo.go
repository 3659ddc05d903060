package carerequest

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists care requests. Every state-changing method is a
// conditional update: when the request exists but is not in the required
// state it returns apperr.ErrConflict, never a silent no-op.
type Repository interface {
	// Create inserts a request. A second pending escalation for the same
	// requester returns apperr.ErrConflict.
	Create(ctx context.Context, r *CareRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*CareRequest, error)

	// Accept moves a pending request to accepted, assigning doctorID and roomID.
	Accept(ctx context.Context, id uuid.UUID, doctorID string, roomID uuid.UUID, at time.Time) (*CareRequest, error)
	// Decline records doctorID in the decline list of a pending request and
	// clears any candidate. A second decline by the same doctor conflicts.
	Decline(ctx context.Context, id uuid.UUID, doctorID string, at time.Time) (*CareRequest, error)
	// Offer sets the candidate doctor of a pending request.
	Offer(ctx context.Context, id uuid.UUID, doctorID string, at time.Time) error
	Reject(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*CareRequest, error)
	Complete(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetConnection records the requested connection kind on an accepted
	// request whose connection is not yet accepted.
	SetConnection(ctx context.Context, id uuid.UUID, kind string, at time.Time) (*CareRequest, error)
	// ResolveConnection moves a pending connection to accepted or rejected.
	ResolveConnection(ctx context.Context, id uuid.UUID, status string, at time.Time) (*CareRequest, error)

	// ListPending returns pending requests visible to doctorID: routine
	// requests, unoffered escalations and escalations offered to doctorID,
	// excluding any the doctor has declined.
	ListPending(ctx context.Context, doctorID string, limit, offset int) ([]*CareRequest, int, error)
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*CareRequest, int, error)
	// LatestActiveByRequester returns the newest pending or accepted request.
	LatestActiveByRequester(ctx context.Context, requesterID string) (*CareRequest, error)
	// PendingEscalation returns the requester's pending escalation.
	PendingEscalation(ctx context.Context, requesterID string) (*CareRequest, error)
	// ExpirePending rejects pending requests created before olderThan and
	// returns them.
	ExpirePending(ctx context.Context, olderThan, at time.Time) ([]*CareRequest, error)
}
