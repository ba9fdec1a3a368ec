package purchases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearhand/nearhand-backend/internal/jobs"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"

	"github.com/google/uuid"
)

func TestReconcileJob_HandleAppliesOutcome(t *testing.T) {
	fx := setupPurchasesService(t)
	job := NewReconcileJob(fx.service)
	assert.Equal(t, enums.JobTypeReconcilePurchase, job.Type())

	purchase := insertPendingPurchase(t, fx.db, uuid.New(), enums.AddonTypeVerificationBadge, ``)
	payload := []byte(`{"external_payment_intent_id":"` + purchase.ExternalPaymentIntentID + `","succeeded":true}`)

	err := job.Handle(context.Background(), &models.Job{Payload: payload})
	require.NoError(t, err)

	var stored models.Purchase
	require.NoError(t, fx.db.First(&stored, "id = ?", purchase.ID).Error)
	assert.Equal(t, enums.PurchaseStatusSucceeded, stored.Status)
}

func TestReconcileJob_BadPayloadIsTerminal(t *testing.T) {
	fx := setupPurchasesService(t)
	job := NewReconcileJob(fx.service)

	err := job.Handle(context.Background(), &models.Job{Payload: []byte(`not-json`)})
	require.Error(t, err)
	assert.True(t, jobs.IsTerminal(err), "undecodable payload must not retry")

	err = job.Handle(context.Background(), &models.Job{Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, jobs.IsTerminal(err), "missing intent id must not retry")
}
