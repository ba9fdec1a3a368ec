package entitlements

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	dbtypes "github.com/nearhand/nearhand-backend/pkg/db/types"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

func setupEntitlementsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:entitlements_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS entitlements (
  provider_id TEXT PRIMARY KEY,
  verification_badge INTEGER NOT NULL DEFAULT 0,
  featured_zip_codes TEXT NOT NULL DEFAULT '[]',
  lead_credits INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repository: NewRepository(db),
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
	})
	require.NoError(t, err)
	return svc
}

func leadPackPurchase(providerID uuid.UUID, credits int64) *models.Purchase {
	return &models.Purchase{
		ID:         uuid.New(),
		ProviderID: providerID,
		AddonType:  enums.AddonTypeLeadPack,
		Metadata:   []byte(fmt.Sprintf(`{"lead_credits":%d}`, credits)),
	}
}

func TestGrantTx_LeadPackAccumulatesCredits(t *testing.T) {
	db := setupEntitlementsTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	providerID := uuid.New()

	require.NoError(t, svc.GrantTx(ctx, db, leadPackPurchase(providerID, 10)))
	require.NoError(t, svc.GrantTx(ctx, db, leadPackPurchase(providerID, 25)))

	entitlement, err := svc.GetByProviderID(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, int64(35), entitlement.LeadCredits)
}

func TestGrantTx_LeadPackRequiresCreditAmount(t *testing.T) {
	db := setupEntitlementsTestDB(t)
	svc := newTestService(t, db)

	purchase := &models.Purchase{
		ID:         uuid.New(),
		ProviderID: uuid.New(),
		AddonType:  enums.AddonTypeLeadPack,
		Metadata:   []byte(`{}`),
	}
	err := svc.GrantTx(context.Background(), db, purchase)
	require.Error(t, err)
}

func TestGrantTx_VerificationBadge(t *testing.T) {
	db := setupEntitlementsTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	providerID := uuid.New()

	purchase := &models.Purchase{
		ID:         uuid.New(),
		ProviderID: providerID,
		AddonType:  enums.AddonTypeVerificationBadge,
	}
	require.NoError(t, svc.GrantTx(ctx, db, purchase))

	entitlement, err := svc.GetByProviderID(ctx, providerID)
	require.NoError(t, err)
	assert.True(t, entitlement.VerificationBadge)
}

func TestGrantTx_FeaturedZipsUnionsSet(t *testing.T) {
	db := setupEntitlementsTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	providerID := uuid.New()

	first := &models.Purchase{
		ID:         uuid.New(),
		ProviderID: providerID,
		AddonType:  enums.AddonTypeFeaturedZips,
		Metadata:   []byte(`{"zip_codes":["78701","78702"]}`),
	}
	require.NoError(t, svc.GrantTx(ctx, db, first))

	second := &models.Purchase{
		ID:         uuid.New(),
		ProviderID: providerID,
		AddonType:  enums.AddonTypeFeaturedZips,
		Metadata:   []byte(`{"zip_codes":["78702","78703"]}`),
	}
	require.NoError(t, svc.GrantTx(ctx, db, second))

	entitlement, err := svc.GetByProviderID(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"78701", "78702", "78703"}, []string(entitlement.FeaturedZipCodes))
}

func TestAddFeaturedZipCodes_RetriesWhenSetChangesUnderneath(t *testing.T) {
	db := setupEntitlementsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	providerID := uuid.New()

	require.NoError(t, repo.AddFeaturedZipCodes(ctx, providerID, []string{"78701"}))

	// Slip a competing grant in front of the first write attempt so the stored
	// set no longer matches the one that was read.
	fired := false
	err := db.Callback().Update().Before("gorm:update").Register("competing_grant", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "entitlements" {
			return
		}
		fired = true
		db.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE entitlements SET featured_zip_codes = ? WHERE provider_id = ?",
				dbtypes.NewStringSet("78701", "78705"), providerID)
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Callback().Update().Remove("competing_grant"))
	})

	require.NoError(t, repo.AddFeaturedZipCodes(ctx, providerID, []string{"78702"}))
	assert.True(t, fired)

	entitlement, err := repo.GetByProviderID(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"78701", "78702", "78705"}, []string(entitlement.FeaturedZipCodes))
}

func TestGrantTx_UnknownAddonType(t *testing.T) {
	db := setupEntitlementsTestDB(t)
	svc := newTestService(t, db)

	purchase := &models.Purchase{
		ID:         uuid.New(),
		ProviderID: uuid.New(),
		AddonType:  enums.AddonType("mystery"),
	}
	require.Error(t, svc.GrantTx(context.Background(), db, purchase))
}

func TestGetByProviderID_ZeroValuedWhenMissing(t *testing.T) {
	db := setupEntitlementsTestDB(t)
	svc := newTestService(t, db)
	providerID := uuid.New()

	entitlement, err := svc.GetByProviderID(context.Background(), providerID)
	require.NoError(t, err)
	assert.Equal(t, providerID, entitlement.ProviderID)
	assert.Zero(t, entitlement.LeadCredits)
	assert.False(t, entitlement.VerificationBadge)
	assert.Empty(t, entitlement.FeaturedZipCodes)
}
