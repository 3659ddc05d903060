package room

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Room) error
	GetByID(ctx context.Context, id uuid.UUID) (*Room, error)
	GetActiveByRequest(ctx context.Context, requestID uuid.UUID) (*Room, error)
	// End moves an active room to ended. A room that exists but is already
	// ended yields apperr.ErrConflict.
	End(ctx context.Context, id uuid.UUID, at time.Time) (*Room, error)
	SetKind(ctx context.Context, id uuid.UUID, kind string) error
	ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*Room, int, error)

	// AppendMessage assigns ID, Seq and CreatedAt. Within a room, Seq order is
	// commit order.
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, roomID uuid.UUID, afterSeq int64, limit int) ([]*Message, error)
}
