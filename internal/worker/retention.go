package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sociofly/notification-engine/internal/repository"
	"github.com/sociofly/notification-engine/pkg/logger"
)

// RetentionWorker purges read notifications from the durable store once they
// are older than the retention window. Unread rows are never touched.
type RetentionWorker struct {
	repo          repository.NotificationRepository
	retentionDays int
	log           *logger.Logger
	now           func() time.Time
	parser        cron.Parser
}

func NewRetentionWorker(repo repository.NotificationRepository, retentionDays int, log *logger.Logger) *RetentionWorker {
	if log == nil {
		log = logger.Nop()
	}
	return &RetentionWorker{
		repo:          repo,
		retentionDays: retentionDays,
		log:           log,
		now:           time.Now,
		parser:        cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start runs Cleanup on the cron schedule until ctx is done, then waits for a
// running cleanup to finish.
func (w *RetentionWorker) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithParser(w.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := w.Cleanup(ctx); err != nil {
			w.log.Error(err, "retention cleanup failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	c.Start()
	w.log.Info("retention worker started", "schedule", schedule, "retention_days", w.retentionDays)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (w *RetentionWorker) Cleanup(ctx context.Context) (int64, error) {
	cutoff := w.now().AddDate(0, 0, -w.retentionDays)

	rows, err := w.repo.DeleteReadBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge read notifications: %w", err)
	}

	w.log.Info("purged read notifications", "rows", rows, "cutoff", cutoff)
	return rows, nil
}
