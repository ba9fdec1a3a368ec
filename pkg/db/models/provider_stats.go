package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderStats is a periodically recomputed aggregate over a provider's
// completed work, maintained by the provider-stats recompute job.
type ProviderStats struct {
	ProviderID    uuid.UUID `gorm:"column:provider_id;type:uuid;primaryKey"`
	CompletedJobs int64     `gorm:"column:completed_jobs;not null;default:0"`
	AverageRating float64   `gorm:"column:average_rating;not null;default:0"`
	ReviewCount   int64     `gorm:"column:review_count;not null;default:0"`
	RecomputedAt  time.Time `gorm:"column:recomputed_at"`
}
