package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

var (
	errRepositoryRequired = errors.New("jobs repository is required")
	errJobsLoggerRequired = errors.New("jobs logger is required")
)

// ServiceParams collects the dependencies for the jobs service.
type ServiceParams struct {
	Config     config.JobsConfig
	Repository Repository
	Logger     *logger.Logger
}

// Service enqueues durable jobs.
type Service struct {
	cfg  config.JobsConfig
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

// NewService wires the jobs service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repository == nil {
		return nil, errRepositoryRequired
	}
	if params.Logger == nil {
		return nil, errJobsLoggerRequired
	}
	return &Service{
		cfg:  params.Config,
		repo: params.Repository,
		logg: params.Logger,
		now:  time.Now,
	}, nil
}

// EnqueueParams describes a job to schedule.
type EnqueueParams struct {
	Type        enums.JobType
	Payload     any
	RunAt       time.Time
	MaxAttempts int
}

// Enqueue schedules a job. Singleton recurring types reschedule their
// existing non-terminal row instead of inserting a duplicate.
func (s *Service) Enqueue(ctx context.Context, params EnqueueParams) (*models.Job, error) {
	return s.enqueue(ctx, s.repo, params)
}

// EnqueueTx schedules a job inside an existing transaction so the row
// commits or rolls back with the caller's other writes.
func (s *Service) EnqueueTx(ctx context.Context, tx *gorm.DB, params EnqueueParams) (*models.Job, error) {
	return s.enqueue(ctx, s.repo.WithTx(tx), params)
}

func (s *Service) enqueue(ctx context.Context, repo Repository, params EnqueueParams) (*models.Job, error) {
	if !params.Type.IsValid() {
		return nil, fmt.Errorf("invalid job type %q", params.Type)
	}

	runAt := params.RunAt
	if runAt.IsZero() {
		runAt = s.now().UTC()
	}

	if params.Type.IsSingletonRecurring() {
		rescheduled, err := repo.RescheduleExisting(ctx, params.Type, runAt)
		if err != nil {
			return nil, fmt.Errorf("rescheduling %s: %w", params.Type, err)
		}
		if rescheduled {
			job, err := repo.FindActiveByType(ctx, params.Type)
			if err != nil {
				return nil, fmt.Errorf("loading rescheduled %s: %w", params.Type, err)
			}
			infoCtx := s.logg.WithFields(ctx, map[string]any{
				"job_id":   job.ID.String(),
				"job_type": params.Type.String(),
				"run_at":   runAt,
			})
			s.logg.Info(infoCtx, "job.rescheduled")
			return job, nil
		}
	}

	payload := json.RawMessage("{}")
	if params.Payload != nil {
		encoded, err := json.Marshal(params.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding job payload: %w", err)
		}
		payload = encoded
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	job := &models.Job{
		Type:        params.Type,
		Payload:     payload,
		RunAt:       runAt,
		Status:      enums.JobStatusPending,
		MaxAttempts: maxAttempts,
	}
	if err := repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	infoCtx := s.logg.WithFields(ctx, map[string]any{
		"job_id":   job.ID.String(),
		"job_type": params.Type.String(),
		"run_at":   runAt,
	})
	s.logg.Info(infoCtx, "job.enqueued")
	return job, nil
}
