package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nearhand/nearhand-backend/api/responses"
	"github.com/nearhand/nearhand-backend/internal/jobs"
	"github.com/nearhand/nearhand-backend/internal/purchases"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	pkgerrors "github.com/nearhand/nearhand-backend/pkg/errors"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

// PaymentEvent is the subset of the processor's webhook envelope the
// reconciler cares about.
type PaymentEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Object struct {
			Payment struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, params jobs.EnqueueParams) (*models.Job, error)
}

type webhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type signingClient interface {
	SigningSecret() string
}

// PaymentWebhook validates the payment processor's signature, deduplicates
// the delivery, and enqueues a reconcile job. Execution is deferred to the
// worker so a slow reconcile never blocks the webhook response.
func PaymentWebhook(enqueue jobEnqueuer, client signingClient, guard webhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if enqueue == nil || client == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook dependencies unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Square-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "signature missing"))
			return
		}
		if !validateSignature(payload, client.SigningSecret(), sigHeader) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid signature"))
			return
		}

		var event PaymentEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event"))
			return
		}

		intentID := strings.TrimSpace(event.Data.Object.Payment.ID)
		if intentID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "payment id missing"))
			return
		}

		succeeded, final := paymentOutcome(event.Data.Object.Payment.Status)
		if !final {
			// Intermediate statuses carry no reconcilable outcome.
			responses.WriteSuccess(w, nil)
			return
		}

		eventID := strings.TrimSpace(event.EventID)
		if eventID == "" {
			eventID = fmt.Sprintf("%s:%s", intentID, event.Data.Object.Payment.Status)
		}

		alreadyProcessed, err := guard.CheckAndMark(ctx, eventID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		if alreadyProcessed {
			responses.WriteSuccess(w, nil)
			return
		}

		if _, err := enqueue.Enqueue(ctx, jobs.EnqueueParams{
			Type: enums.JobTypeReconcilePurchase,
			Payload: purchases.ReconcilePayload{
				ExternalPaymentIntentID: intentID,
				Succeeded:               succeeded,
			},
		}); err != nil {
			_ = guard.Delete(ctx, eventID)
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue reconcile"))
			return
		}

		if logg != nil {
			logCtx := logg.WithFields(ctx, map[string]any{
				"event_id":  eventID,
				"intent_id": intentID,
				"succeeded": succeeded,
			})
			logg.Info(logCtx, "payment webhook accepted")
		}
		responses.WriteSuccess(w, nil)
	}
}

// paymentOutcome maps a processor payment status to (succeeded, final).
func paymentOutcome(status string) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return true, true
	case "FAILED", "CANCELED":
		return false, true
	default:
		return false, false
	}
}

func validateSignature(payload []byte, secret, header string) bool {
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
