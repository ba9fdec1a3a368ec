package models

import (
	"time"

	"github.com/google/uuid"
)

// ServiceOrder is the completed-work row written by the marketplace CRUD
// handlers. Only the columns the stats recompute aggregates over are mapped.
type ServiceOrder struct {
	ID          uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProviderID  uuid.UUID  `gorm:"column:provider_id;type:uuid;not null;index"`
	Status      string     `gorm:"column:status;not null"`
	Rating      *float64   `gorm:"column:rating"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
}
