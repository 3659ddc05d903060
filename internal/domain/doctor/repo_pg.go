package doctor

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const doctorCols = `id, name, email, specialty, is_online, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Specialty, &d.IsOnline, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("doctor not found")
	}
	return &d, err
}

func (r *repoPG) Get(ctx context.Context, id string) (*Doctor, error) {
	return scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *repoPG) Upsert(ctx context.Context, d *Doctor) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, name, email, specialty, is_online)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email,
			specialty = EXCLUDED.specialty, updated_at = NOW()
		RETURNING is_online, updated_at`,
		d.ID, d.Name, d.Email, d.Specialty, d.IsOnline).Scan(&d.IsOnline, &d.UpdatedAt)
}

func (r *repoPG) SetOnline(ctx context.Context, id, name string, online bool) (*Doctor, error) {
	return scanDoctor(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, name, is_online) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET is_online = EXCLUDED.is_online, updated_at = NOW()
		RETURNING `+doctorCols, id, name, online))
}

func (r *repoPG) ListOnline(ctx context.Context) ([]*Doctor, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+` FROM doctor WHERE is_online ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *repoPG) ActiveSessionCounts(ctx context.Context, ids []string) (map[string]int, error) {
	counts := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT doctor_id, COUNT(*) FROM room
		WHERE status = 'active' AND doctor_id = ANY($1)
		GROUP BY doctor_id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
