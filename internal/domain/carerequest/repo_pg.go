package carerequest

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

const requestCols = `cr.id, cr.kind, cr.requester_id, cr.requester_name, cr.risk_level, cr.note, cr.status,
	cr.connection_type, cr.connection_status, cr.candidate_doctor_id, cr.doctor_id, cr.room_id,
	cr.created_at, cr.accepted_at, cr.responded_at, cr.completed_at, cr.rejected_at, cr.reject_reason, cr.updated_at,
	COALESCE((SELECT array_agg(d.doctor_id ORDER BY d.declined_at) FROM care_request_decline d WHERE d.request_id = cr.id), '{}')`

func scanRequest(row pgx.Row) (*CareRequest, error) {
	var cr CareRequest
	err := row.Scan(&cr.ID, &cr.Kind, &cr.RequesterID, &cr.RequesterName, &cr.RiskLevel, &cr.Note, &cr.Status,
		&cr.ConnectionType, &cr.ConnectionStatus, &cr.CandidateDoctorID, &cr.DoctorID, &cr.RoomID,
		&cr.CreatedAt, &cr.AcceptedAt, &cr.RespondedAt, &cr.CompletedAt, &cr.RejectedAt, &cr.RejectReason, &cr.UpdatedAt,
		&cr.DeclinedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("request not found")
	}
	return &cr, err
}

func scanRequests(rows pgx.Rows) ([]*CareRequest, error) {
	defer rows.Close()
	var items []*CareRequest
	for rows.Next() {
		cr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cr)
	}
	return items, rows.Err()
}

// alreadyProcessed is the default explanation for a conditional update that
// matched nothing.
func alreadyProcessed(*CareRequest) error {
	return apperr.Conflictf("request already processed")
}

// update runs a conditional UPDATE ... RETURNING. When it matches no row the
// current request is loaded and explain decides the conflict reported.
func (r *repoPG) update(ctx context.Context, id uuid.UUID, explain func(*CareRequest) error, sql string, args ...interface{}) (*CareRequest, error) {
	cr, err := scanRequest(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, apperr.ErrNotFound) {
		cur, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, explain(cur)
	}
	return cr, err
}

const onePendingEscalation = "care_request_one_pending_escalation"

func (r *repoPG) Create(ctx context.Context, cr *CareRequest) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO care_request (id, kind, requester_id, requester_name, risk_level, note, status, connection_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		cr.ID, cr.Kind, cr.RequesterID, cr.RequesterName, cr.RiskLevel, cr.Note, cr.Status, cr.ConnectionType,
	).Scan(&cr.CreatedAt, &cr.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == onePendingEscalation {
		return apperr.Conflictf("requester already has a pending escalation")
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*CareRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM care_request cr WHERE cr.id = $1`, id))
}

func (r *repoPG) Accept(ctx context.Context, id uuid.UUID, doctorID string, roomID uuid.UUID, at time.Time) (*CareRequest, error) {
	return r.update(ctx, id, alreadyProcessed, `
		UPDATE care_request AS cr
		SET status = 'accepted', doctor_id = $2, room_id = $3, candidate_doctor_id = NULL,
			accepted_at = $4, responded_at = $4, updated_at = $4
		WHERE cr.id = $1 AND cr.status = 'pending'
		RETURNING `+requestCols, id, doctorID, roomID, at)
}

func (r *repoPG) Decline(ctx context.Context, id uuid.UUID, doctorID string, at time.Time) (*CareRequest, error) {
	var declined uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		WITH upd AS (
			UPDATE care_request
			SET candidate_doctor_id = NULL, doctor_id = NULL, updated_at = $3
			WHERE id = $1 AND status = 'pending'
				AND NOT EXISTS (SELECT 1 FROM care_request_decline WHERE request_id = $1 AND doctor_id = $2)
			RETURNING id
		)
		INSERT INTO care_request_decline (request_id, doctor_id, declined_at)
		SELECT id, $2, $3 FROM upd
		ON CONFLICT (request_id, doctor_id) DO NOTHING
		RETURNING request_id`, id, doctorID, at).Scan(&declined)

	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if cur.Status == StatusPending && cur.Declined(doctorID) {
			return nil, apperr.Conflictf("doctor %s already passed on this request", doctorID)
		}
		return nil, apperr.Conflictf("request already processed")
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *repoPG) Offer(ctx context.Context, id uuid.UUID, doctorID string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE care_request SET candidate_doctor_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`, id, doctorID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return apperr.Conflictf("request already processed")
	}
	return nil
}

func (r *repoPG) Reject(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*CareRequest, error) {
	return r.update(ctx, id, alreadyProcessed, `
		UPDATE care_request AS cr
		SET status = 'rejected', reject_reason = $2, rejected_at = $3, candidate_doctor_id = NULL, updated_at = $3
		WHERE cr.id = $1 AND cr.status = 'pending'
		RETURNING `+requestCols, id, reason, at)
}

func (r *repoPG) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE care_request SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'accepted'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return apperr.Conflictf("request is not in progress")
	}
	return nil
}

func (r *repoPG) SetConnection(ctx context.Context, id uuid.UUID, kind string, at time.Time) (*CareRequest, error) {
	return r.update(ctx, id, func(cur *CareRequest) error {
		if cur.Status != StatusAccepted {
			return apperr.Conflictf("request not accepted")
		}
		return apperr.Conflictf("connection already established")
	}, `
		UPDATE care_request AS cr
		SET connection_type = $2, connection_status = 'pending', updated_at = $3
		WHERE cr.id = $1 AND cr.status = 'accepted' AND cr.connection_status IS DISTINCT FROM 'accepted'
		RETURNING `+requestCols, id, kind, at)
}

func (r *repoPG) ResolveConnection(ctx context.Context, id uuid.UUID, status string, at time.Time) (*CareRequest, error) {
	return r.update(ctx, id, func(*CareRequest) error {
		return apperr.Conflictf("no pending connection request")
	}, `
		UPDATE care_request AS cr
		SET connection_status = $2, responded_at = $3, updated_at = $3
		WHERE cr.id = $1 AND cr.status = 'accepted' AND cr.connection_status = 'pending'
		RETURNING `+requestCols, id, status, at)
}

const visiblePending = `cr.status = 'pending'
	AND (cr.kind = 'routine' OR cr.candidate_doctor_id IS NULL OR cr.candidate_doctor_id = $1)
	AND NOT EXISTS (SELECT 1 FROM care_request_decline d WHERE d.request_id = cr.id AND d.doctor_id = $1)`

func (r *repoPG) ListPending(ctx context.Context, doctorID string, limit, offset int) ([]*CareRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM care_request cr WHERE `+visiblePending, doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+requestCols+` FROM care_request cr
		WHERE `+visiblePending+`
		ORDER BY cr.created_at LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanRequests(rows)
	return items, total, err
}

func (r *repoPG) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*CareRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM care_request WHERE requester_id = $1`, requesterID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+requestCols+` FROM care_request cr
		WHERE cr.requester_id = $1
		ORDER BY cr.created_at DESC LIMIT $2 OFFSET $3`, requesterID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanRequests(rows)
	return items, total, err
}

func (r *repoPG) LatestActiveByRequester(ctx context.Context, requesterID string) (*CareRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM care_request cr
		WHERE cr.requester_id = $1 AND cr.status IN ('pending', 'accepted')
		ORDER BY cr.created_at DESC LIMIT 1`, requesterID))
}

func (r *repoPG) PendingEscalation(ctx context.Context, requesterID string) (*CareRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM care_request cr
		WHERE cr.requester_id = $1 AND cr.kind = 'escalation' AND cr.status = 'pending'`, requesterID))
}

func (r *repoPG) ExpirePending(ctx context.Context, olderThan, at time.Time) ([]*CareRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE care_request AS cr
		SET status = 'rejected', reject_reason = 'expired', rejected_at = $2, candidate_doctor_id = NULL, updated_at = $2
		WHERE cr.status = 'pending' AND cr.created_at < $1
		RETURNING `+requestCols, olderThan, at)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}
