package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iago/distribution-engine/internal/metrics"
	"github.com/iago/distribution-engine/internal/repository"
)

type expiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

var _ expiredDeleter = (repository.PreviewStore)(nil)

// Sweeper deletes previews past their expiry on a cron schedule, whatever
// their status.
type Sweeper struct {
	store    expiredDeleter
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(store expiredDeleter, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 10m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		schedule: schedule,
		timeout:  30 * time.Second,
		logger:   logger.With("component", "sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep and blocks until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	scheduler.Start()
	s.logger.Info("retention sweep scheduled", "schedule", s.schedule)

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// Sweep runs one deletion pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	deleted, err := s.store.DeleteExpired(sweepCtx, s.now())
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		metrics.ExpiredPreviewsDeletedTotal.Add(float64(deleted))
		s.logger.Info("expired previews deleted", "count", deleted)
	}
	return deleted
}
