package carerequest

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically rejects pending requests nobody picked up within ttl.
type Sweeper struct {
	svc      *Service
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, ttl, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// RunOnce performs a single expiry pass.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.svc.ExpireStale(ctx, s.ttl)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Dur("ttl", s.ttl).Msg("expired stale requests")
	}
	return n, nil
}

// Run sweeps every interval. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
