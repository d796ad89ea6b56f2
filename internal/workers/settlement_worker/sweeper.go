package settlement_worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bez-service/settlement_service/pkg/logger"
)

// StuckReleaser returns expired claims to the queue.
type StuckReleaser interface {
	ReleaseStuck(ctx context.Context, lease time.Duration) (int64, error)
}

type SweeperConfig struct {
	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule string
	// ClaimLease is how long a worker may hold a claim.
	ClaimLease time.Duration
}

// Sweeper periodically releases processing claims older than the lease,
// recovering records whose worker died mid-attempt.
type Sweeper struct {
	config SweeperConfig
	engine StuckReleaser
	cron   *cron.Cron
	logger *logger.Logger
}

func NewSweeper(config SweeperConfig, engine StuckReleaser, logger *logger.Logger) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = 15 * time.Minute
	}
	return &Sweeper{
		config: config,
		engine: engine,
		cron:   cron.New(),
		logger: logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.config.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Claim sweeper started", "schedule", s.config.Schedule, "lease", s.config.ClaimLease.String())
	return nil
}

// Sweep runs one release pass.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.engine.ReleaseStuck(ctx, s.config.ClaimLease)
	if err != nil {
		s.logger.Error("Failed to release stuck claims", "error", err)
		return 0
	}
	return n
}

func (s *Sweeper) Shutdown(timeout time.Duration) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("Claim sweeper stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("sweeper shutdown timeout exceeded")
	}
}
