package purchases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nearhand/nearhand-backend/internal/jobs"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
)

// ReconcileJob executes queued payment events through the reconciler.
type ReconcileJob struct {
	service *Service
}

// NewReconcileJob builds the job handler for purchase reconciliation.
func NewReconcileJob(service *Service) *ReconcileJob {
	return &ReconcileJob{service: service}
}

func (j *ReconcileJob) Type() enums.JobType {
	return enums.JobTypeReconcilePurchase
}

// Handle decodes the payload and reconciles. A malformed payload is terminal;
// transient store failures bubble up for retry with backoff.
func (j *ReconcileJob) Handle(ctx context.Context, job *models.Job) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.NewTerminalError(fmt.Errorf("decoding reconcile payload: %w", err))
	}
	if payload.ExternalPaymentIntentID == "" {
		return jobs.NewTerminalError(fmt.Errorf("reconcile payload missing intent id"))
	}

	_, err := j.service.Reconcile(ctx, payload)
	return err
}
