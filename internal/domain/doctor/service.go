package doctor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/apperr"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "doctor").Logger()}
}

func (s *Service) Get(ctx context.Context, id string) (*Doctor, error) {
	return s.repo.Get(ctx, id)
}

// Upsert stores the doctor's profile. Availability is left untouched.
func (s *Service) Upsert(ctx context.Context, d *Doctor) error {
	d.Name = strings.TrimSpace(d.Name)
	d.Specialty = strings.ToLower(strings.TrimSpace(d.Specialty))
	if d.ID == "" {
		return apperr.Validationf("id is required")
	}
	if d.Name == "" {
		return apperr.Validationf("name is required")
	}
	return s.repo.Upsert(ctx, d)
}

// SetOnline toggles availability for doctorID. Callers must pass the
// authenticated doctor's own id.
func (s *Service) SetOnline(ctx context.Context, doctorID, name string, online bool) (*Doctor, error) {
	if doctorID == "" {
		return nil, apperr.Unauthorizedf("missing doctor identity")
	}
	if name == "" {
		name = doctorID
	}
	d, err := s.repo.SetOnline(ctx, doctorID, name, online)
	if err != nil {
		return nil, fmt.Errorf("set doctor %s online=%t: %w", doctorID, online, err)
	}
	s.logger.Info().Str("doctor_id", doctorID).Bool("online", online).Msg("availability changed")
	return d, nil
}

// ListOnline returns online doctors with their active session counts.
func (s *Service) ListOnline(ctx context.Context) ([]*Doctor, error) {
	docs, err := s.repo.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("list online doctors: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	counts, err := s.repo.ActiveSessionCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}
	for _, d := range docs {
		d.ActiveSessions = counts[d.ID]
	}
	return docs, nil
}
