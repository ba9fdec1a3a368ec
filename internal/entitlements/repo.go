package entitlements

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
)

// Repository exposes persistence helpers for provider entitlements.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetByProviderID(ctx context.Context, providerID uuid.UUID) (*models.Entitlement, error)
	EnsureRow(ctx context.Context, providerID uuid.UUID) error
	AddLeadCredits(ctx context.Context, providerID uuid.UUID, credits int64) error
	SetVerificationBadge(ctx context.Context, providerID uuid.UUID) error
	AddFeaturedZipCodes(ctx context.Context, providerID uuid.UUID, zipCodes []string) error
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns an entitlements repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) GetByProviderID(ctx context.Context, providerID uuid.UUID) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	err := r.db.WithContext(ctx).First(&entitlement, "provider_id = ?", providerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Entitlement{ProviderID: providerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &entitlement, nil
}

// EnsureRow creates the provider's entitlement row if it does not exist yet.
func (r *repositoryImpl) EnsureRow(ctx context.Context, providerID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}},
			DoNothing: true,
		}).
		Create(&models.Entitlement{ProviderID: providerID}).Error
}

// AddLeadCredits increments the credit balance in place so concurrent grants
// never lose an update.
func (r *repositoryImpl) AddLeadCredits(ctx context.Context, providerID uuid.UUID, credits int64) error {
	if err := r.EnsureRow(ctx, providerID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&models.Entitlement{}).
		Where("provider_id = ?", providerID).
		UpdateColumn("lead_credits", gorm.Expr("lead_credits + ?", credits)).Error
}

func (r *repositoryImpl) SetVerificationBadge(ctx context.Context, providerID uuid.UUID) error {
	if err := r.EnsureRow(ctx, providerID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&models.Entitlement{}).
		Where("provider_id = ?", providerID).
		UpdateColumn("verification_badge", true).Error
}

// AddFeaturedZipCodes unions the new zip codes into the stored set. The write
// is conditional on the set still holding the value that was read: when a
// concurrent grant rewrote it in between, zero rows are affected and the merge
// restarts from the fresh value, so no grant overwrites another. Sets are
// stored sorted, which makes the column comparison exact.
func (r *repositoryImpl) AddFeaturedZipCodes(ctx context.Context, providerID uuid.UUID, zipCodes []string) error {
	if len(zipCodes) == 0 {
		return nil
	}
	if err := r.EnsureRow(ctx, providerID); err != nil {
		return err
	}

	for {
		var entitlement models.Entitlement
		if err := r.db.WithContext(ctx).First(&entitlement, "provider_id = ?", providerID).Error; err != nil {
			return err
		}

		merged := entitlement.FeaturedZipCodes.Union(zipCodes)
		if len(merged) == len(entitlement.FeaturedZipCodes) {
			return nil
		}

		result := r.db.WithContext(ctx).
			Model(&models.Entitlement{}).
			Where("provider_id = ? AND featured_zip_codes = ?", providerID, entitlement.FeaturedZipCodes).
			UpdateColumn("featured_zip_codes", merged)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
	}
}
