package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nearhand/nearhand-backend/pkg/enums"
)

// AccessTokenClaims represents the typed JWT issued to clients by the
// identity service. This core only parses them; issuance lives elsewhere.
type AccessTokenClaims struct {
	UserID uuid.UUID      `json:"user_id"`
	Role   enums.UserRole `json:"role"`
	jwt.RegisteredClaims
}
