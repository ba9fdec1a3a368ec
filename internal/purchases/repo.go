package purchases

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
)

// Repository exposes persistence helpers for add-on purchases.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, purchase *models.Purchase) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.Purchase, error)
	ListByProviderID(ctx context.Context, providerID uuid.UUID, limit int) ([]models.Purchase, error)
	TransitionStatus(ctx context.Context, intentID string, target enums.PurchaseStatus) (bool, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a purchases repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Create(ctx context.Context, purchase *models.Purchase) error {
	return r.db.WithContext(ctx).Create(purchase).Error
}

func (r *repositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := r.db.WithContext(ctx).First(&purchase, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *repositoryImpl) GetByIntentID(ctx context.Context, intentID string) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := r.db.WithContext(ctx).First(&purchase, "external_payment_intent_id = ?", intentID).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *repositoryImpl) ListByProviderID(ctx context.Context, providerID uuid.UUID, limit int) ([]models.Purchase, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var purchases []models.Purchase
	err := r.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&purchases).Error
	if err != nil {
		return nil, err
	}
	return purchases, nil
}

// TransitionStatus moves the purchase keyed by the payment intent out of
// PENDING into the target status. Only pending rows transition: the first
// delivery for an intent wins, and every later delivery, whatever its
// outcome, observes zero affected rows and reports already-processed.
// Terminal rows never move again.
func (r *repositoryImpl) TransitionStatus(ctx context.Context, intentID string, target enums.PurchaseStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("external_payment_intent_id = ? AND status = ?", intentID, enums.PurchaseStatusPending).
		UpdateColumn("status", target)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
