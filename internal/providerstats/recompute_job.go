package providerstats

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

type dbClient interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// RecomputeJobParams collects the dependencies for the recompute handler.
type RecomputeJobParams struct {
	DB         dbClient
	Repository Repository
	Logger     *logger.Logger
}

// RecomputeJob rebuilds the provider_stats aggregates from completed orders.
// It runs as a singleton recurring job so at most one recompute is ever
// scheduled or executing.
type RecomputeJob struct {
	db   dbClient
	repo Repository
	logg *logger.Logger
}

// NewRecomputeJob builds the provider stats recompute handler.
func NewRecomputeJob(params RecomputeJobParams) (*RecomputeJob, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("database client is required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("provider stats repository is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("provider stats logger is required")
	}
	return &RecomputeJob{db: params.DB, repo: params.Repository, logg: params.Logger}, nil
}

func (j *RecomputeJob) Type() enums.JobType {
	return enums.JobTypeProviderStatsRecompute
}

func (j *RecomputeJob) Handle(ctx context.Context, _ *models.Job) error {
	var recomputed int
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.repo.WithTx(tx)
		stats, err := repo.AggregateOrders(ctx)
		if err != nil {
			return fmt.Errorf("aggregating orders: %w", err)
		}
		if err := repo.Upsert(ctx, stats); err != nil {
			return fmt.Errorf("writing provider stats: %w", err)
		}
		recomputed = len(stats)
		return nil
	})
	if err != nil {
		return err
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"providers": recomputed})
	j.logg.Info(logCtx, "provider stats recompute complete")
	return nil
}
