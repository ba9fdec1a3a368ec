package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
)

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Config:     config.JobsConfig{DefaultMaxAttempts: 5},
		Repository: repo,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("service setup: %v", err)
	}
	return svc
}

func TestEnqueue_DefaultsPayloadRunAtAndAttempts(t *testing.T) {
	repo := &fakeJobsRepo{}
	svc := newTestService(t, repo)

	before := time.Now().UTC()
	job, err := svc.Enqueue(context.Background(), EnqueueParams{Type: enums.JobTypeReconcilePurchase})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job == nil {
		t.Fatalf("expected created job returned")
	}
	if string(job.Payload) != "{}" {
		t.Fatalf("expected empty object payload, got %s", job.Payload)
	}
	if job.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts, got %d", job.MaxAttempts)
	}
	if job.RunAt.Before(before.Add(-time.Second)) {
		t.Fatalf("expected run_at defaulted to now, got %v", job.RunAt)
	}
	if job.Status != enums.JobStatusPending {
		t.Fatalf("expected pending status, got %s", job.Status)
	}
}

func TestEnqueue_EncodesPayload(t *testing.T) {
	repo := &fakeJobsRepo{}
	svc := newTestService(t, repo)

	payload := map[string]string{"external_payment_intent_id": "pi_123"}
	job, err := svc.Enqueue(context.Background(), EnqueueParams{
		Type:    enums.JobTypeReconcilePurchase,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if string(job.Payload) != `{"external_payment_intent_id":"pi_123"}` {
		t.Fatalf("unexpected payload %s", job.Payload)
	}
}

func TestEnqueue_RejectsUnknownType(t *testing.T) {
	repo := &fakeJobsRepo{}
	svc := newTestService(t, repo)

	if _, err := svc.Enqueue(context.Background(), EnqueueParams{Type: enums.JobType("bogus")}); err == nil {
		t.Fatalf("expected error for unknown job type")
	}
	if len(repo.created) != 0 {
		t.Fatalf("no job should be created for unknown type")
	}
}

func TestEnqueue_SingletonReschedulesExistingRow(t *testing.T) {
	existing := &models.Job{
		ID:     uuid.New(),
		Type:   enums.JobTypeNotificationCleanup,
		Status: enums.JobStatusPending,
	}
	repo := &fakeJobsRepo{rescheduled: true, active: existing}
	svc := newTestService(t, repo)

	job, err := svc.Enqueue(context.Background(), EnqueueParams{Type: enums.JobTypeNotificationCleanup})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job == nil {
		t.Fatalf("expected the existing row returned")
	}
	if job.ID != existing.ID {
		t.Fatalf("expected existing job id %s, got %s", existing.ID, job.ID)
	}
	if len(repo.created) != 0 {
		t.Fatalf("expected no insert, got %d", len(repo.created))
	}
}

func TestEnqueue_SingletonInsertsWhenNoRowExists(t *testing.T) {
	repo := &fakeJobsRepo{rescheduled: false}
	svc := newTestService(t, repo)

	job, err := svc.Enqueue(context.Background(), EnqueueParams{Type: enums.JobTypeNotificationCleanup})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job == nil {
		t.Fatalf("expected fresh row when nothing to reschedule")
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one insert, got %d", len(repo.created))
	}
}
