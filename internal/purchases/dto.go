package purchases

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
)

// CreatePurchaseRequest is the payload for opening an add-on purchase.
type CreatePurchaseRequest struct {
	AddonType   string          `json:"addon_type" validate:"required,oneof=lead_pack verification_badge featured_zips"`
	AmountCents int64           `json:"amount_cents" validate:"required,gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	SourceID    string          `json:"source_id" validate:"required"`
	Metadata    json.RawMessage `json:"metadata"`
}

// PurchaseResponse is the external view of a purchase row.
type PurchaseResponse struct {
	ID                      uuid.UUID       `json:"id"`
	ProviderID              uuid.UUID       `json:"provider_id"`
	AddonType               string          `json:"addon_type"`
	AmountCents             int64           `json:"amount_cents"`
	Currency                string          `json:"currency"`
	ExternalPaymentIntentID string          `json:"external_payment_intent_id"`
	Status                  string          `json:"status"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
}

// NewPurchaseResponse maps a purchase model into its API shape.
func NewPurchaseResponse(purchase *models.Purchase) PurchaseResponse {
	return PurchaseResponse{
		ID:                      purchase.ID,
		ProviderID:              purchase.ProviderID,
		AddonType:               purchase.AddonType.String(),
		AmountCents:             purchase.AmountCents,
		Currency:                purchase.Currency,
		ExternalPaymentIntentID: purchase.ExternalPaymentIntentID,
		Status:                  purchase.Status.String(),
		Metadata:                purchase.Metadata,
		CreatedAt:               purchase.CreatedAt,
	}
}

// ReconcilePayload is the job payload carrying one payment event.
type ReconcilePayload struct {
	ExternalPaymentIntentID string `json:"external_payment_intent_id"`
	Succeeded               bool   `json:"succeeded"`
}
