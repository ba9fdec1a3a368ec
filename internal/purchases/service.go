package purchases

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/internal/entitlements"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	pkgerrors "github.com/nearhand/nearhand-backend/pkg/errors"
	"github.com/nearhand/nearhand-backend/pkg/logger"
	"github.com/nearhand/nearhand-backend/pkg/payments"
)

var (
	errRepositoryRequired   = errors.New("purchases repository is required")
	errDBRequired           = errors.New("database client is required")
	errPaymentsRequired     = errors.New("payments client is required")
	errEntitlementsRequired = errors.New("entitlements service is required")
	errLoggerRequired       = errors.New("purchases logger is required")
)

type dbClient interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type paymentsClient interface {
	CreateIntent(ctx context.Context, params payments.IntentCreateParams) (*payments.Intent, error)
	GetIntent(ctx context.Context, intentID string) (*payments.Intent, error)
	NewIdempotencyKey(prefix string) string
}

// EntitlementGrantedEvent is published after a reconcile transaction commits
// so interested components can refresh without global listener registries.
type EntitlementGrantedEvent struct {
	ProviderID uuid.UUID       `json:"provider_id"`
	PurchaseID uuid.UUID       `json:"purchase_id"`
	AddonType  enums.AddonType `json:"addon_type"`
	IntentID   string          `json:"intent_id"`
}

type eventPublisher interface {
	PublishEntitlementGranted(ctx context.Context, event EntitlementGrantedEvent) error
}

// ServiceParams collects the dependencies for the purchases service.
type ServiceParams struct {
	DB           dbClient
	Repository   Repository
	Payments     paymentsClient
	Entitlements *entitlements.Service
	Events       eventPublisher
	Logger       *logger.Logger
}

// Service owns the purchase lifecycle: intent creation, pending-record
// persistence, and exactly-once reconciliation of payment outcomes.
type Service struct {
	db           dbClient
	repo         Repository
	payments     paymentsClient
	entitlements *entitlements.Service
	events       eventPublisher
	logg         *logger.Logger
}

// NewService wires the purchases service.
func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errDBRequired
	}
	if params.Repository == nil {
		return nil, errRepositoryRequired
	}
	if params.Payments == nil {
		return nil, errPaymentsRequired
	}
	if params.Entitlements == nil {
		return nil, errEntitlementsRequired
	}
	if params.Logger == nil {
		return nil, errLoggerRequired
	}
	return &Service{
		db:           params.DB,
		repo:         params.Repository,
		payments:     params.Payments,
		entitlements: params.Entitlements,
		events:       params.Events,
		logg:         params.Logger,
	}, nil
}

// CreatePendingPurchase opens a payment intent with the processor and then
// persists the PENDING purchase row keyed by that intent, in that order. An
// intent-creation failure leaves no orphaned row; a row-persistence failure
// after a successful intent creation is logged loudly (see the reconciliation
// sweep decision in DESIGN.md) and surfaced to the caller.
func (s *Service) CreatePendingPurchase(ctx context.Context, providerID uuid.UUID, req CreatePurchaseRequest) (*models.Purchase, error) {
	addonType, err := enums.ParseAddonType(req.AddonType)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid addon type")
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	intent, err := s.payments.CreateIntent(ctx, payments.IntentCreateParams{
		AmountCents:    req.AmountCents,
		Currency:       currency,
		SourceID:       req.SourceID,
		IdempotencyKey: s.payments.NewIdempotencyKey("addon"),
		Note:           fmt.Sprintf("nearhand %s addon", addonType),
		ReferenceID:    providerID.String(),
	})
	if err != nil {
		return nil, err
	}

	purchase := &models.Purchase{
		ProviderID:              providerID,
		AddonType:               addonType,
		AmountCents:             req.AmountCents,
		Currency:                currency,
		ExternalPaymentIntentID: intent.ID,
		Status:                  enums.PurchaseStatusPending,
		Metadata:                req.Metadata,
	}
	if err := s.repo.Create(ctx, purchase); err != nil {
		errCtx := s.logg.WithFields(ctx, map[string]any{
			"provider_id": providerID.String(),
			"intent_id":   intent.ID,
		})
		s.logg.Error(errCtx, "purchase.record_persist_failed_after_intent", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persisting purchase")
	}

	infoCtx := s.logg.WithFields(ctx, map[string]any{
		"purchase_id": purchase.ID.String(),
		"provider_id": providerID.String(),
		"intent_id":   intent.ID,
		"addon_type":  addonType.String(),
	})
	s.logg.Info(infoCtx, "purchase.created")
	return purchase, nil
}

// GetByID loads a purchase owned by the provider.
func (s *Service) GetByID(ctx context.Context, providerID, purchaseID uuid.UUID) (*models.Purchase, error) {
	purchase, err := s.repo.GetByID(ctx, purchaseID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading purchase")
	}
	if purchase.ProviderID != providerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found")
	}
	return purchase, nil
}

// ListByProviderID returns the provider's recent purchases.
func (s *Service) ListByProviderID(ctx context.Context, providerID uuid.UUID, limit int) ([]models.Purchase, error) {
	purchases, err := s.repo.ListByProviderID(ctx, providerID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing purchases")
	}
	return purchases, nil
}

// ConfirmPurchase is the client-side confirmation path: the app reports the
// payment flow finished, the server re-checks the processor, and a final
// outcome funnels into the same idempotent reconcile the webhook uses. A
// still-processing intent is a state conflict the client retries later.
func (s *Service) ConfirmPurchase(ctx context.Context, providerID, purchaseID uuid.UUID) (*models.Purchase, error) {
	purchase, err := s.GetByID(ctx, providerID, purchaseID)
	if err != nil {
		return nil, err
	}
	if purchase.Status != enums.PurchaseStatusPending {
		return purchase, nil
	}

	intent, err := s.payments.GetIntent(ctx, purchase.ExternalPaymentIntentID)
	if err != nil {
		return nil, err
	}

	var succeeded bool
	switch intent.Status {
	case "COMPLETED":
		succeeded = true
	case "FAILED", "CANCELED":
		succeeded = false
	default:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has not reached a final state")
	}

	if _, err := s.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               succeeded,
	}); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, providerID, purchaseID)
}

// Reconcile applies a payment outcome to the purchase keyed by the intent id.
// At-least-once delivery is expected: the conditional status transition makes
// every call after the first a reported no-op, and the entitlement grant runs
// inside the same transaction as the winning transition, so it applies
// exactly once per intent regardless of delivery count or concurrency.
func (s *Service) Reconcile(ctx context.Context, payload ReconcilePayload) (bool, error) {
	if payload.ExternalPaymentIntentID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id is required")
	}

	target := enums.PurchaseStatusFailed
	if payload.Succeeded {
		target = enums.PurchaseStatusSucceeded
	}

	var (
		applied  bool
		purchase *models.Purchase
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		won, err := repo.TransitionStatus(ctx, payload.ExternalPaymentIntentID, target)
		if err != nil {
			return fmt.Errorf("transitioning purchase: %w", err)
		}
		if !won {
			return nil
		}
		applied = true

		purchase, err = repo.GetByIntentID(ctx, payload.ExternalPaymentIntentID)
		if err != nil {
			return fmt.Errorf("loading purchase: %w", err)
		}

		if target == enums.PurchaseStatusSucceeded {
			if err := s.entitlements.GrantTx(ctx, tx, purchase); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"intent_id": payload.ExternalPaymentIntentID,
		"target":    target.String(),
	})
	if !applied {
		s.logg.Info(logCtx, "purchase.reconcile_already_processed")
		return false, nil
	}
	s.logg.Info(logCtx, "purchase.reconciled")

	if target == enums.PurchaseStatusSucceeded && s.events != nil && purchase != nil {
		event := EntitlementGrantedEvent{
			ProviderID: purchase.ProviderID,
			PurchaseID: purchase.ID,
			AddonType:  purchase.AddonType,
			IntentID:   purchase.ExternalPaymentIntentID,
		}
		if err := s.events.PublishEntitlementGranted(ctx, event); err != nil {
			s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{"error": err.Error()}), "purchase.event_publish_failed")
		}
	}
	return true, nil
}
