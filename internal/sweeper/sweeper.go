package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/rs/zerolog"
)

// Expirer expires every query whose window has lapsed
type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper periodically expires stale queries
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a new Sweeper
func NewSweeper(expirer Expirer, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start sweeps on every tick until the context is cancelled. A failed or
// panicking sweep is logged and the next tick runs as usual.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep
func (s *Sweeper) RunOnce(ctx context.Context) (expired int, err error) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sweep panicked: %v", rec)
			s.logger.Error().Interface("panic", rec).Msg("sweep panicked")
		}
		metrics.Get().RecordSweep(time.Since(started), err != nil)
	}()

	expired, err = s.expirer.SweepExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("expired", expired).Msg("sweep failed, retrying next tick")
		return expired, err
	}
	s.logger.Debug().Int("expired", expired).Dur("took", time.Since(started)).Msg("sweep complete")
	return expired, nil
}
