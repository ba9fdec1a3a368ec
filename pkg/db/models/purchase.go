package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nearhand/nearhand-backend/pkg/enums"
)

// Purchase records one paid add-on transaction, keyed 1:1 to the payment
// processor's intent id. The PENDING row exists before any money moves.
type Purchase struct {
	ID                      uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProviderID              uuid.UUID            `gorm:"column:provider_id;type:uuid;not null;index"`
	AddonType               enums.AddonType      `gorm:"column:addon_type;not null"`
	AmountCents             int64                `gorm:"column:amount_cents;not null"`
	Currency                string               `gorm:"column:currency;not null;default:'USD'"`
	ExternalPaymentIntentID string               `gorm:"column:external_payment_intent_id;not null;uniqueIndex:uq_purchases_intent"`
	Status                  enums.PurchaseStatus `gorm:"column:status;not null;default:'pending'"`
	Metadata                json.RawMessage      `gorm:"column:metadata;type:jsonb"`
	CreatedAt               time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
