package controllers

import (
	"net/http"

	"github.com/nearhand/nearhand-backend/api/responses"
	"github.com/nearhand/nearhand-backend/internal/entitlements"
	pkgerrors "github.com/nearhand/nearhand-backend/pkg/errors"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

type entitlementResponse struct {
	ProviderID        string   `json:"provider_id"`
	VerificationBadge bool     `json:"verification_badge"`
	FeaturedZipCodes  []string `json:"featured_zip_codes"`
	LeadCredits       int64    `json:"lead_credits"`
}

// GetEntitlements returns the authenticated provider's entitlement totals.
func GetEntitlements(svc *entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlements service unavailable"))
			return
		}

		providerID, err := providerIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entitlement, err := svc.GetByProviderID(r.Context(), providerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		zipCodes := entitlement.FeaturedZipCodes
		if zipCodes == nil {
			zipCodes = []string{}
		}
		responses.WriteSuccess(w, entitlementResponse{
			ProviderID:        entitlement.ProviderID.String(),
			VerificationBadge: entitlement.VerificationBadge,
			FeaturedZipCodes:  zipCodes,
			LeadCredits:       entitlement.LeadCredits,
		})
	}
}
