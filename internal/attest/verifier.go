package attest

import (
	"context"
	"time"

	"github.com/nearhand/nearhand-backend/pkg/enums"
)

// Verdict is the outcome of a device attestation check.
type Verdict struct {
	Attested bool            `json:"attested"`
	Platform enums.Platform  `json:"platform"`
	DeviceID string          `json:"device_id"`
	Risk     enums.RiskLevel `json:"risk"`
	IssuedAt time.Time       `json:"issued_at"`
}

// Verifier validates a platform-specific attestation token.
type Verifier interface {
	Platform() enums.Platform
	Verify(ctx context.Context, deviceID, token string) (*Verdict, error)
}
