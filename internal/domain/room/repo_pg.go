package room

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const roomCols = `id, request_id, requester_id, doctor_id, kind, status, started_at, ended_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var rm Room
	err := row.Scan(&rm.ID, &rm.RequestID, &rm.RequesterID, &rm.DoctorID, &rm.Kind, &rm.Status, &rm.StartedAt, &rm.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("room not found")
	}
	return &rm, err
}

func (r *repoPG) Create(ctx context.Context, rm *Room) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO room (id, request_id, requester_id, doctor_id, kind, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at`,
		rm.ID, rm.RequestID, rm.RequesterID, rm.DoctorID, rm.Kind, rm.Status).Scan(&rm.StartedAt)

	// room_one_active_per_request guards against a second active room.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflictf("request already has an active room")
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	return scanRoom(r.conn(ctx).QueryRow(ctx, `SELECT `+roomCols+` FROM room WHERE id = $1`, id))
}

func (r *repoPG) GetActiveByRequest(ctx context.Context, requestID uuid.UUID) (*Room, error) {
	return scanRoom(r.conn(ctx).QueryRow(ctx,
		`SELECT `+roomCols+` FROM room WHERE request_id = $1 AND status = 'active'`, requestID))
}

func (r *repoPG) End(ctx context.Context, id uuid.UUID, at time.Time) (*Room, error) {
	rm, err := scanRoom(r.conn(ctx).QueryRow(ctx, `
		UPDATE room SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING `+roomCols, id, at))
	if errors.Is(err, apperr.ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflictf("room already ended")
	}
	return rm, err
}

func (r *repoPG) SetKind(ctx context.Context, id uuid.UUID, kind string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE room SET kind = $2 WHERE id = $1 AND status = 'active'`, id, kind)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return apperr.Conflictf("room already ended")
	}
	return nil
}

func (r *repoPG) ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*Room, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM room WHERE requester_id = $1 OR doctor_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+roomCols+` FROM room
		WHERE requester_id = $1 OR doctor_id = $1
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rm)
	}
	return items, total, rows.Err()
}

// AppendMessage must run inside a transaction. It locks the room row before
// drawing a seq, so one room's messages commit in seq order and a reader
// paging with after=<seq> cannot miss a lower seq that commits later.
func (r *repoPG) AppendMessage(ctx context.Context, m *Message) error {
	q := r.conn(ctx)
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM room WHERE id = $1 FOR UPDATE`, m.RoomID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFoundf("room not found")
	}
	if err != nil {
		return err
	}
	if status != StatusActive {
		return apperr.Conflictf("room has ended")
	}

	m.ID = uuid.New()
	return q.QueryRow(ctx, `
		INSERT INTO room_message (id, room_id, sender_id, sender_role, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`,
		m.ID, m.RoomID, m.SenderID, m.SenderRole, m.Body).Scan(&m.Seq, &m.CreatedAt)
}

func (r *repoPG) ListMessages(ctx context.Context, roomID uuid.UUID, afterSeq int64, limit int) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, room_id, seq, sender_id, sender_role, body, created_at
		FROM room_message WHERE room_id = $1 AND seq > $2
		ORDER BY seq LIMIT $3`, roomID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.SenderRole, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}
