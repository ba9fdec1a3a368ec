package providerstats

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
)

// Repository exposes persistence helpers for provider stat aggregates.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	AggregateOrders(ctx context.Context) ([]models.ProviderStats, error)
	Upsert(ctx context.Context, stats []models.ProviderStats) error
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a provider stats repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// AggregateOrders computes per-provider totals over completed orders.
func (r *repositoryImpl) AggregateOrders(ctx context.Context) ([]models.ProviderStats, error) {
	var stats []models.ProviderStats
	err := r.db.WithContext(ctx).
		Model(&models.ServiceOrder{}).
		Select(
			"provider_id",
			"COUNT(*) AS completed_jobs",
			"COALESCE(AVG(rating), 0) AS average_rating",
			"COUNT(rating) AS review_count",
		).
		Where("status = ? AND completed_at IS NOT NULL", "completed").
		Group("provider_id").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Upsert writes the recomputed aggregates, replacing prior values per provider.
func (r *repositoryImpl) Upsert(ctx context.Context, stats []models.ProviderStats) error {
	if len(stats) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range stats {
		stats[i].RecomputedAt = now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"completed_jobs", "average_rating", "review_count", "recomputed_at"}),
		}).
		Create(&stats).Error
}
