package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

// RecurringSchedule pairs a singleton job type with its cadence.
type RecurringSchedule struct {
	Type     enums.JobType
	Interval time.Duration
}

// DefaultRecurringSchedules lists the recurring maintenance jobs every
// deployment carries.
func DefaultRecurringSchedules() []RecurringSchedule {
	return []RecurringSchedule{
		{Type: enums.JobTypeProviderStatsRecompute, Interval: time.Hour},
		{Type: enums.JobTypeNotificationCleanup, Interval: 24 * time.Hour},
	}
}

// SeedRecurring schedules the recurring jobs once per deployment boot. The
// lock keeps concurrent worker instances from racing each other; losing the
// lock is not an error since another instance already seeded.
func SeedRecurring(ctx context.Context, svc *Service, lock Lock, schedules []RecurringSchedule, logg *logger.Logger) error {
	if lock != nil {
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquiring scheduler lock: %w", err)
		}
		if !acquired {
			logg.Info(ctx, "recurring jobs already seeded by another instance")
			return nil
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				logg.Warn(logg.WithFields(ctx, map[string]any{"error": err.Error()}), "scheduler lock release failed")
			}
		}()
	}

	now := time.Now().UTC()
	for _, schedule := range schedules {
		runAt := now.Add(schedule.Interval)
		if _, err := svc.Enqueue(ctx, EnqueueParams{Type: schedule.Type, RunAt: runAt}); err != nil {
			return fmt.Errorf("seeding %s: %w", schedule.Type, err)
		}
	}
	logg.Info(logg.WithFields(ctx, map[string]any{"count": len(schedules)}), "recurring jobs seeded")
	return nil
}
