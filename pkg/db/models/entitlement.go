package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/nearhand/nearhand-backend/pkg/db/types"
)

// Entitlement holds the per-provider running totals granted by purchases.
// Rows are created lazily on first grant and only ever mutated additively
// by the reconciler; credit consumption happens elsewhere.
type Entitlement struct {
	ProviderID        uuid.UUID         `gorm:"column:provider_id;type:uuid;primaryKey"`
	VerificationBadge bool              `gorm:"column:verification_badge;not null;default:false"`
	FeaturedZipCodes  dbtypes.StringSet `gorm:"column:featured_zip_codes;type:jsonb;not null;default:'[]'"`
	LeadCredits       int64             `gorm:"column:lead_credits;not null;default:0"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
