package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	pkgerrors "github.com/nearhand/nearhand-backend/pkg/errors"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

var (
	errRepositoryRequired = errors.New("entitlements repository is required")
	errLoggerRequired     = errors.New("entitlements logger is required")
)

// ServiceParams collects the dependencies for the entitlements service.
type ServiceParams struct {
	Repository Repository
	Logger     *logger.Logger
}

// Service reads and grants provider entitlements. Grants only ever run from
// the purchase reconciler, inside the transaction that won the purchase
// status transition.
type Service struct {
	repo Repository
	logg *logger.Logger
}

// NewService wires the entitlements service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repository == nil {
		return nil, errRepositoryRequired
	}
	if params.Logger == nil {
		return nil, errLoggerRequired
	}
	return &Service{repo: params.Repository, logg: params.Logger}, nil
}

// GetByProviderID returns the provider's entitlements, zero-valued if the
// provider has never purchased anything.
func (s *Service) GetByProviderID(ctx context.Context, providerID uuid.UUID) (*models.Entitlement, error) {
	entitlement, err := s.repo.GetByProviderID(ctx, providerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading entitlements")
	}
	return entitlement, nil
}

// grantMetadata carries the addon-specific grant parameters from the
// purchase row's metadata column.
type grantMetadata struct {
	LeadCredits int64    `json:"lead_credits"`
	ZipCodes    []string `json:"zip_codes"`
}

// GrantTx applies the entitlement for a succeeded purchase inside the
// caller's transaction.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, purchase *models.Purchase) error {
	repo := s.repo.WithTx(tx)

	var meta grantMetadata
	if len(purchase.Metadata) > 0 {
		if err := json.Unmarshal(purchase.Metadata, &meta); err != nil {
			return fmt.Errorf("decoding purchase metadata: %w", err)
		}
	}

	switch purchase.AddonType {
	case enums.AddonTypeLeadPack:
		if meta.LeadCredits <= 0 {
			return fmt.Errorf("lead pack purchase %s has no credit amount", purchase.ID)
		}
		if err := repo.AddLeadCredits(ctx, purchase.ProviderID, meta.LeadCredits); err != nil {
			return fmt.Errorf("granting lead credits: %w", err)
		}
	case enums.AddonTypeVerificationBadge:
		if err := repo.SetVerificationBadge(ctx, purchase.ProviderID); err != nil {
			return fmt.Errorf("granting verification badge: %w", err)
		}
	case enums.AddonTypeFeaturedZips:
		if len(meta.ZipCodes) == 0 {
			return fmt.Errorf("featured zips purchase %s has no zip codes", purchase.ID)
		}
		if err := repo.AddFeaturedZipCodes(ctx, purchase.ProviderID, meta.ZipCodes); err != nil {
			return fmt.Errorf("granting featured zips: %w", err)
		}
	default:
		return fmt.Errorf("unknown addon type %q", purchase.AddonType)
	}

	infoCtx := s.logg.WithFields(ctx, map[string]any{
		"provider_id": purchase.ProviderID.String(),
		"purchase_id": purchase.ID.String(),
		"addon_type":  purchase.AddonType.String(),
	})
	s.logg.Info(infoCtx, "entitlement.granted")
	return nil
}
