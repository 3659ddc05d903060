package doctor

import "context"

type Repository interface {
	Get(ctx context.Context, id string) (*Doctor, error)
	Upsert(ctx context.Context, d *Doctor) error
	// SetOnline updates availability, creating the row with name when the
	// doctor has never been seen.
	SetOnline(ctx context.Context, id, name string, online bool) (*Doctor, error)
	ListOnline(ctx context.Context) ([]*Doctor, error)
	ActiveSessionCounts(ctx context.Context, ids []string) (map[string]int, error)
}
