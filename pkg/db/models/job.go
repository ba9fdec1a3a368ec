package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nearhand/nearhand-backend/pkg/enums"
)

// Job is a durable unit of deferred work claimed and executed by workers.
type Job struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Type        enums.JobType   `gorm:"column:type;not null;index:idx_jobs_type_status"`
	Payload     json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	RunAt       time.Time       `gorm:"column:run_at;not null;index:idx_jobs_claimable"`
	Status      enums.JobStatus `gorm:"column:status;not null;default:'pending';index:idx_jobs_type_status;index:idx_jobs_claimable"`
	Attempts    int             `gorm:"column:attempts;not null;default:0"`
	MaxAttempts int             `gorm:"column:max_attempts;not null;default:5"`
	LockedAt    *time.Time      `gorm:"column:locked_at"`
	LockedBy    *string         `gorm:"column:locked_by"`
	LastError   *string         `gorm:"column:last_error"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
