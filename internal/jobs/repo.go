package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
)

// ErrNoClaimableJob signals an empty queue rather than a failure.
var ErrNoClaimableJob = errors.New("no claimable job")

// claimRaceRetries bounds how many candidates a single poll inspects when
// racing other workers for the head of the queue.
const claimRaceRetries = 3

// Repository exposes persistence helpers for durable jobs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ClaimNext(ctx context.Context, workerID string, now time.Time, staleAfter time.Duration) (*models.Job, error)
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID, workerID string) (bool, error)
	MarkRetry(ctx context.Context, id uuid.UUID, workerID string, runAt time.Time, lastError string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, workerID string, lastError string) (bool, error)
	RescheduleExisting(ctx context.Context, jobType enums.JobType, runAt time.Time) (bool, error)
	FindActiveByType(ctx context.Context, jobType enums.JobType) (*models.Job, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a jobs repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Create(ctx context.Context, job *models.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *repositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNext atomically claims the oldest eligible job for the worker. A job
// is eligible when it is pending and due, or when it is processing but its
// lock has gone stale. The claim is a conditional update that rechecks
// eligibility, so exactly one racing worker wins each row.
func (r *repositoryImpl) ClaimNext(ctx context.Context, workerID string, now time.Time, staleAfter time.Duration) (*models.Job, error) {
	staleBefore := now.Add(-staleAfter)

	for attempt := 0; attempt < claimRaceRetries; attempt++ {
		var candidate models.Job
		err := r.claimableQuery(ctx, now, staleBefore).
			Order("run_at ASC, id ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoClaimableJob
		}
		if err != nil {
			return nil, err
		}

		result := r.db.WithContext(ctx).
			Model(&models.Job{}).
			Where("id = ?", candidate.ID).
			Where(r.claimableCondition(now, staleBefore)).
			Updates(map[string]any{
				"status":    enums.JobStatusProcessing,
				"attempts":  gorm.Expr("attempts + 1"),
				"locked_at": now,
				"locked_by": workerID,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race for this row; try the next candidate.
			continue
		}

		return r.GetByID(ctx, candidate.ID)
	}

	return nil, ErrNoClaimableJob
}

func (r *repositoryImpl) claimableQuery(ctx context.Context, now, staleBefore time.Time) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where(r.claimableCondition(now, staleBefore))
}

// The attempts guard applies only to pending rows. A stale PROCESSING row is
// always reclaimable, even with attempts exhausted: the worker that crashed
// on the final attempt left it locked, and the reclaim is the only way the
// row reaches a terminal state instead of sitting in processing forever.
func (r *repositoryImpl) claimableCondition(now, staleBefore time.Time) *gorm.DB {
	pending := r.db.
		Where("status = ?", enums.JobStatusPending).
		Where("run_at <= ?", now).
		Where("attempts < max_attempts")
	stale := r.db.
		Where("status = ?", enums.JobStatusProcessing).
		Where("locked_at IS NOT NULL AND locked_at < ?", staleBefore)
	return r.db.Where(pending.Or(stale))
}

// Heartbeat refreshes the lock timestamp while the owner still holds the job.
func (r *repositoryImpl) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, enums.JobStatusProcessing, workerID).
		UpdateColumn("locked_at", now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) MarkSucceeded(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, enums.JobStatusProcessing, workerID).
		Updates(map[string]any{
			"status":     enums.JobStatusSucceeded,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) MarkRetry(ctx context.Context, id uuid.UUID, workerID string, runAt time.Time, lastError string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, enums.JobStatusProcessing, workerID).
		Updates(map[string]any{
			"status":     enums.JobStatusPending,
			"run_at":     runAt,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": lastError,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) MarkFailed(ctx context.Context, id uuid.UUID, workerID string, lastError string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, enums.JobStatusProcessing, workerID).
		Updates(map[string]any{
			"status":     enums.JobStatusFailed,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": lastError,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindActiveByType returns the non-terminal job of the given type. Singleton
// recurring types maintain at most one such row.
func (r *repositoryImpl) FindActiveByType(ctx context.Context, jobType enums.JobType) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Where("type = ? AND status IN ?", jobType, []enums.JobStatus{enums.JobStatusPending, enums.JobStatusProcessing}).
		Order("run_at ASC, id ASC").
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RescheduleExisting moves an existing non-terminal job of the given type to
// a fresh schedule, resetting its attempts and lock. Singleton recurring job
// types use this instead of inserting duplicate rows.
func (r *repositoryImpl) RescheduleExisting(ctx context.Context, jobType enums.JobType, runAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("type = ? AND status IN ?", jobType, []enums.JobStatus{enums.JobStatusPending, enums.JobStatusProcessing}).
		Updates(map[string]any{
			"status":     enums.JobStatusPending,
			"run_at":     runAt,
			"attempts":   0,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
