package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

// CleanupJobParams collects the dependencies for the cleanup handler.
type CleanupJobParams struct {
	Repository Repository
	Logger     *logger.Logger
}

// CleanupJob prunes expired notification rows. The worker reschedules it
// after each successful run.
type CleanupJob struct {
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

// NewCleanupJob builds the notification cleanup handler.
func NewCleanupJob(params CleanupJobParams) (*CleanupJob, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("notifications repository is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("notifications logger is required")
	}
	return &CleanupJob{
		repo: params.Repository,
		logg: params.Logger,
		now:  time.Now,
	}, nil
}

func (j *CleanupJob) Type() enums.JobType {
	return enums.JobTypeNotificationCleanup
}

func (j *CleanupJob) Handle(ctx context.Context, _ *models.Job) error {
	deleted, err := j.repo.DeleteExpired(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("notification cleanup: %w", err)
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"rows_deleted": deleted})
	j.logg.Info(logCtx, "notification cleanup complete")
	return nil
}
