package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/nearhand/nearhand-backend/api/responses"
	"github.com/nearhand/nearhand-backend/internal/attest"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

const (
	attestationTokenHeader = "X-NH-Attestation"
	attestationDeviceIDHdr = "X-NH-Device-Id"
	attestationPlatformHdr = "X-NH-Platform"
)

type ctxVerdictKey struct{}

type attestationChecker interface {
	Check(ctx context.Context, params attest.CheckParams) (*attest.Verdict, error)
}

// VerdictFromContext returns the attestation verdict attached by the gate,
// or nil for routes that did not pass through it.
func VerdictFromContext(ctx context.Context) *attest.Verdict {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxVerdictKey{}).(*attest.Verdict); ok {
		return v
	}
	return nil
}

// Attestation gates sensitive routes behind a device attestation check. The
// raw token never reaches the request context or the logs.
func Attestation(checker attestationChecker, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if checker == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			params := attest.CheckParams{
				Platform: strings.TrimSpace(r.Header.Get(attestationPlatformHdr)),
				DeviceID: strings.TrimSpace(r.Header.Get(attestationDeviceIDHdr)),
				Token:    strings.TrimSpace(r.Header.Get(attestationTokenHeader)),
			}

			verdict, err := checker.Check(ctx, params)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}

			ctx = context.WithValue(ctx, ctxVerdictKey{}, verdict)
			if verdict.Attested {
				ctx = context.WithValue(ctx, ctxDeviceID, verdict.DeviceID)
				if logg != nil {
					ctx = logg.WithFields(ctx, map[string]any{
						"attested":  true,
						"platform":  verdict.Platform.String(),
						"device_id": verdict.DeviceID,
						"risk":      verdict.Risk.String(),
					})
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
