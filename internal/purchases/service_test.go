package purchases

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/internal/entitlements"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
	"github.com/nearhand/nearhand-backend/pkg/payments"
)

func setupPurchasesTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:purchases_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	purchases := `
CREATE TABLE IF NOT EXISTS purchases (
  id TEXT PRIMARY KEY,
  provider_id TEXT NOT NULL,
  addon_type TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'USD',
  external_payment_intent_id TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL DEFAULT 'pending',
  metadata TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	entitlementsTable := `
CREATE TABLE IF NOT EXISTS entitlements (
  provider_id TEXT PRIMARY KEY,
  verification_badge INTEGER NOT NULL DEFAULT 0,
  featured_zip_codes TEXT NOT NULL DEFAULT '[]',
  lead_credits INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(purchases).Error)
	require.NoError(t, db.Exec(entitlementsTable).Error)
	return db
}

type txRunner struct {
	db *gorm.DB
}

func (r *txRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

type fakePaymentsClient struct {
	intent    *payments.Intent
	createErr error
	getIntent *payments.Intent
	getErr    error
	calls     int
	getCalls  int
}

func (f *fakePaymentsClient) CreateIntent(ctx context.Context, params payments.IntentCreateParams) (*payments.Intent, error) {
	f.calls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.intent, nil
}

func (f *fakePaymentsClient) GetIntent(ctx context.Context, intentID string) (*payments.Intent, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getIntent != nil {
		return f.getIntent, nil
	}
	return &payments.Intent{ID: intentID, Status: "APPROVED"}, nil
}

func (f *fakePaymentsClient) NewIdempotencyKey(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

type fakeEventPublisher struct {
	events []EntitlementGrantedEvent
	err    error
}

func (f *fakeEventPublisher) PublishEntitlementGranted(ctx context.Context, event EntitlementGrantedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type purchasesFixture struct {
	db       *gorm.DB
	service  *Service
	payments *fakePaymentsClient
	events   *fakeEventPublisher
}

func setupPurchasesService(t *testing.T) *purchasesFixture {
	t.Helper()

	db := setupPurchasesTestDB(t)
	logg := logger.New(logger.Options{ServiceName: "test"})

	entitlementsService, err := entitlements.NewService(entitlements.ServiceParams{
		Repository: entitlements.NewRepository(db),
		Logger:     logg,
	})
	require.NoError(t, err)

	paymentsClient := &fakePaymentsClient{
		intent: &payments.Intent{ID: "pi_" + uuid.NewString(), Status: "APPROVED", Currency: "USD"},
	}
	events := &fakeEventPublisher{}

	service, err := NewService(ServiceParams{
		DB:           &txRunner{db: db},
		Repository:   NewRepository(db),
		Payments:     paymentsClient,
		Entitlements: entitlementsService,
		Events:       events,
		Logger:       logg,
	})
	require.NoError(t, err)

	return &purchasesFixture{db: db, service: service, payments: paymentsClient, events: events}
}

func insertPendingPurchase(t *testing.T, db *gorm.DB, providerID uuid.UUID, addonType enums.AddonType, metadata string) *models.Purchase {
	t.Helper()
	purchase := &models.Purchase{
		ID:                      uuid.New(),
		ProviderID:              providerID,
		AddonType:               addonType,
		AmountCents:             2500,
		Currency:                "USD",
		ExternalPaymentIntentID: "pi_" + uuid.NewString(),
		Status:                  enums.PurchaseStatusPending,
		Metadata:                []byte(metadata),
	}
	require.NoError(t, db.Create(purchase).Error)
	return purchase
}

func TestCreatePendingPurchase_PersistsPendingRow(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()

	purchase, err := fx.service.CreatePendingPurchase(ctx, providerID, CreatePurchaseRequest{
		AddonType:   "lead_pack",
		AmountCents: 2500,
		SourceID:    "cnon:card-nonce",
		Metadata:    []byte(`{"lead_credits":10}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.payments.calls)
	assert.Equal(t, fx.payments.intent.ID, purchase.ExternalPaymentIntentID)
	assert.Equal(t, enums.PurchaseStatusPending, purchase.Status)
	assert.Equal(t, "USD", purchase.Currency)

	var stored models.Purchase
	require.NoError(t, fx.db.First(&stored, "id = ?", purchase.ID).Error)
	assert.Equal(t, enums.PurchaseStatusPending, stored.Status)
	assert.Equal(t, providerID, stored.ProviderID)
}

func TestCreatePendingPurchase_RejectsUnknownAddonType(t *testing.T) {
	fx := setupPurchasesService(t)

	_, err := fx.service.CreatePendingPurchase(context.Background(), uuid.New(), CreatePurchaseRequest{
		AddonType:   "gold_membership",
		AmountCents: 2500,
		SourceID:    "cnon:card-nonce",
	})
	require.Error(t, err)
	assert.Equal(t, 0, fx.payments.calls, "no intent should be opened for invalid input")
}

func TestCreatePendingPurchase_IntentFailureLeavesNoRow(t *testing.T) {
	fx := setupPurchasesService(t)
	fx.payments.createErr = errors.New("processor unavailable")

	_, err := fx.service.CreatePendingPurchase(context.Background(), uuid.New(), CreatePurchaseRequest{
		AddonType:   "lead_pack",
		AmountCents: 2500,
		SourceID:    "cnon:card-nonce",
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, fx.db.Model(&models.Purchase{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReconcile_GrantsEntitlementExactlyOnce(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeLeadPack, `{"lead_credits":10}`)

	payload := ReconcilePayload{ExternalPaymentIntentID: purchase.ExternalPaymentIntentID, Succeeded: true}

	applied, err := fx.service.Reconcile(ctx, payload)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = fx.service.Reconcile(ctx, payload)
	require.NoError(t, err)
	assert.False(t, applied, "second delivery must be a no-op")

	var entitlement models.Entitlement
	require.NoError(t, fx.db.First(&entitlement, "provider_id = ?", providerID).Error)
	assert.Equal(t, int64(10), entitlement.LeadCredits, "credits granted once, not per delivery")

	var stored models.Purchase
	require.NoError(t, fx.db.First(&stored, "id = ?", purchase.ID).Error)
	assert.Equal(t, enums.PurchaseStatusSucceeded, stored.Status)
}

func TestReconcile_TerminalStatusNeverReverses(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeLeadPack, `{"lead_credits":10}`)

	applied, err := fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               true,
	})
	require.NoError(t, err)
	require.True(t, applied)

	// A late contradictory delivery for the same intent must not flip the
	// terminal row.
	applied, err = fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               false,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	var stored models.Purchase
	require.NoError(t, fx.db.First(&stored, "id = ?", purchase.ID).Error)
	assert.Equal(t, enums.PurchaseStatusSucceeded, stored.Status, "terminal status must not reverse")

	// A retried success delivery after the contradictory one must not grant
	// a second time.
	applied, err = fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               true,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	var entitlement models.Entitlement
	require.NoError(t, fx.db.First(&entitlement, "provider_id = ?", providerID).Error)
	assert.Equal(t, int64(10), entitlement.LeadCredits, "credits granted exactly once across mixed deliveries")
}

func TestReconcile_FailedOutcomeSkipsGrant(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeLeadPack, `{"lead_credits":10}`)

	applied, err := fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               false,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	var stored models.Purchase
	require.NoError(t, fx.db.First(&stored, "id = ?", purchase.ID).Error)
	assert.Equal(t, enums.PurchaseStatusFailed, stored.Status)

	var count int64
	require.NoError(t, fx.db.Model(&models.Entitlement{}).Where("provider_id = ?", providerID).Count(&count).Error)
	assert.Zero(t, count, "failed payment must not grant anything")
}

func TestReconcile_GrantFailureRollsBackTransition(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	// Lead pack with no credit amount makes the grant fail inside the tx.
	purchase := insertPendingPurchase(t, fx.db, uuid.New(), enums.AddonTypeLeadPack, `{}`)

	_, err := fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               true,
	})
	require.Error(t, err)

	var stored models.Purchase
	require.NoError(t, fx.db.First(&stored, "id = ?", purchase.ID).Error)
	assert.Equal(t, enums.PurchaseStatusPending, stored.Status, "failed grant must roll the transition back")
}

func TestReconcile_PublishesEventAfterGrant(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeVerificationBadge, ``)

	applied, err := fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               true,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	require.Len(t, fx.events.events, 1)
	event := fx.events.events[0]
	assert.Equal(t, providerID, event.ProviderID)
	assert.Equal(t, purchase.ID, event.PurchaseID)
	assert.Equal(t, enums.AddonTypeVerificationBadge, event.AddonType)
	assert.Equal(t, purchase.ExternalPaymentIntentID, event.IntentID)
}

func TestReconcile_PublishFailureDoesNotFailReconcile(t *testing.T) {
	fx := setupPurchasesService(t)
	fx.events.err = errors.New("broker down")
	ctx := context.Background()
	purchase := insertPendingPurchase(t, fx.db, uuid.New(), enums.AddonTypeVerificationBadge, ``)

	applied, err := fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               true,
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestReconcile_RequiresIntentID(t *testing.T) {
	fx := setupPurchasesService(t)

	_, err := fx.service.Reconcile(context.Background(), ReconcilePayload{})
	require.Error(t, err)
}

func TestGetByID_EnforcesOwnership(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	owner := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, owner, enums.AddonTypeLeadPack, `{"lead_credits":5}`)

	loaded, err := fx.service.GetByID(ctx, owner, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.ID, loaded.ID)

	_, err = fx.service.GetByID(ctx, uuid.New(), purchase.ID)
	require.Error(t, err, "someone else's purchase must read as not found")

	_, err = fx.service.GetByID(ctx, owner, uuid.New())
	require.Error(t, err)
}

func TestListByProviderID_ScopedToProvider(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()

	insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeLeadPack, `{"lead_credits":5}`)
	insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeVerificationBadge, ``)
	insertPendingPurchase(t, fx.db, uuid.New(), enums.AddonTypeLeadPack, `{"lead_credits":5}`)

	listed, err := fx.service.ListByProviderID(ctx, providerID, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	for _, purchase := range listed {
		assert.Equal(t, providerID, purchase.ProviderID)
	}
}

func TestConfirmPurchase_AppliesCompletedOutcome(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeLeadPack, `{"lead_credits":10}`)
	fx.payments.getIntent = &payments.Intent{ID: purchase.ExternalPaymentIntentID, Status: "COMPLETED"}

	confirmed, err := fx.service.ConfirmPurchase(ctx, providerID, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.payments.getCalls)
	assert.Equal(t, enums.PurchaseStatusSucceeded, confirmed.Status)

	var entitlement models.Entitlement
	require.NoError(t, fx.db.First(&entitlement, "provider_id = ?", providerID).Error)
	assert.Equal(t, int64(10), entitlement.LeadCredits)
}

func TestConfirmPurchase_FailedOutcome(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeLeadPack, `{"lead_credits":10}`)
	fx.payments.getIntent = &payments.Intent{ID: purchase.ExternalPaymentIntentID, Status: "FAILED"}

	confirmed, err := fx.service.ConfirmPurchase(ctx, providerID, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PurchaseStatusFailed, confirmed.Status)

	var count int64
	require.NoError(t, fx.db.Model(&models.Entitlement{}).Where("provider_id = ?", providerID).Count(&count).Error)
	assert.Zero(t, count, "failed payment must not grant entitlements")
}

func TestConfirmPurchase_PaymentStillInFlight(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeLeadPack, `{"lead_credits":10}`)
	fx.payments.getIntent = &payments.Intent{ID: purchase.ExternalPaymentIntentID, Status: "APPROVED"}

	_, err := fx.service.ConfirmPurchase(ctx, providerID, purchase.ID)
	require.Error(t, err)

	var stored models.Purchase
	require.NoError(t, fx.db.First(&stored, "id = ?", purchase.ID).Error)
	assert.Equal(t, enums.PurchaseStatusPending, stored.Status)
}

func TestConfirmPurchase_AlreadyReconciledSkipsProcessor(t *testing.T) {
	fx := setupPurchasesService(t)
	ctx := context.Background()
	providerID := uuid.New()
	purchase := insertPendingPurchase(t, fx.db, providerID, enums.AddonTypeVerificationBadge, ``)

	applied, err := fx.service.Reconcile(ctx, ReconcilePayload{
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Succeeded:               true,
	})
	require.NoError(t, err)
	require.True(t, applied)

	confirmed, err := fx.service.ConfirmPurchase(ctx, providerID, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PurchaseStatusSucceeded, confirmed.Status)
	assert.Zero(t, fx.payments.getCalls, "terminal purchases must not hit the processor")
}
