package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

type fakeJobsRepo struct {
	mu sync.Mutex

	created     []*models.Job
	createErr   error
	rescheduled bool
	reschedErr  error
	active      *models.Job

	succeeded []uuid.UUID
	retried   []uuid.UUID
	failed    []uuid.UUID
	retryAt   time.Time
	lastError string
}

func (f *fakeJobsRepo) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeJobsRepo) Create(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobsRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeJobsRepo) ClaimNext(ctx context.Context, workerID string, now time.Time, staleAfter time.Duration) (*models.Job, error) {
	return nil, ErrNoClaimableJob
}

func (f *fakeJobsRepo) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (bool, error) {
	return true, nil
}

func (f *fakeJobsRepo) MarkSucceeded(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, id)
	return true, nil
}

func (f *fakeJobsRepo) MarkRetry(ctx context.Context, id uuid.UUID, workerID string, runAt time.Time, lastError string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	f.retryAt = runAt
	f.lastError = lastError
	return true, nil
}

func (f *fakeJobsRepo) MarkFailed(ctx context.Context, id uuid.UUID, workerID string, lastError string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	f.lastError = lastError
	return true, nil
}

func (f *fakeJobsRepo) RescheduleExisting(ctx context.Context, jobType enums.JobType, runAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reschedErr != nil {
		return false, f.reschedErr
	}
	return f.rescheduled, nil
}

func (f *fakeJobsRepo) FindActiveByType(ctx context.Context, jobType enums.JobType) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		return f.active, nil
	}
	return &models.Job{ID: uuid.New(), Type: jobType, Status: enums.JobStatusPending}, nil
}

type stubHandler struct {
	jobType enums.JobType
	err     error
	panics  bool
	calls   int
}

func (h *stubHandler) Type() enums.JobType { return h.jobType }

func (h *stubHandler) Handle(ctx context.Context, job *models.Job) error {
	h.calls++
	if h.panics {
		panic("handler exploded")
	}
	return h.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test"})
}

func newTestWorker(t *testing.T, repo Repository, handler Handler, recurring []RecurringSchedule) *Worker {
	t.Helper()
	worker, err := NewWorker(WorkerParams{
		Config: config.JobsConfig{
			BackoffBase:    time.Second,
			BackoffCap:     time.Minute,
			StaleLockAfter: 5 * time.Minute,
		},
		Repository: repo,
		Registry:   NewRegistry(handler),
		Logger:     testLogger(),
		Recurring:  recurring,
	})
	if err != nil {
		t.Fatalf("worker setup: %v", err)
	}
	return worker
}

func TestWorkerExecute_Success(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeReconcilePurchase}
	worker := newTestWorker(t, repo, handler, nil)

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeReconcilePurchase,
		Payload:     []byte(`{}`),
		Attempts:    1,
		MaxAttempts: 3,
	}
	worker.execute(context.Background(), job)

	if handler.calls != 1 {
		t.Fatalf("expected handler called once, got %d", handler.calls)
	}
	if len(repo.succeeded) != 1 || repo.succeeded[0] != job.ID {
		t.Fatalf("expected job marked succeeded, got %v", repo.succeeded)
	}
	if len(repo.retried) != 0 || len(repo.failed) != 0 {
		t.Fatalf("unexpected retry/fail calls: %v %v", repo.retried, repo.failed)
	}
}

func TestWorkerExecute_TransientErrorSchedulesRetry(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeReconcilePurchase, err: errors.New("upstream flake")}
	worker := newTestWorker(t, repo, handler, nil)

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeReconcilePurchase,
		Payload:     []byte(`{}`),
		Attempts:    1,
		MaxAttempts: 3,
	}
	worker.execute(context.Background(), job)

	if len(repo.retried) != 1 {
		t.Fatalf("expected one retry, got %d", len(repo.retried))
	}
	if repo.lastError != "upstream flake" {
		t.Fatalf("expected last error recorded, got %q", repo.lastError)
	}
	if !repo.retryAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("expected retry in the future, got %v", repo.retryAt)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("transient error must not mark failed")
	}
}

func TestWorkerExecute_TerminalErrorMarksFailed(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeReconcilePurchase, err: NewTerminalError(errors.New("bad payload"))}
	worker := newTestWorker(t, repo, handler, nil)

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeReconcilePurchase,
		Payload:     []byte(`{}`),
		Attempts:    1,
		MaxAttempts: 3,
	}
	worker.execute(context.Background(), job)

	if len(repo.failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(repo.failed))
	}
	if len(repo.retried) != 0 {
		t.Fatalf("terminal error must not schedule retry")
	}
}

func TestWorkerExecute_ExhaustedAttemptsMarksFailed(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeReconcilePurchase, err: errors.New("still broken")}
	worker := newTestWorker(t, repo, handler, nil)

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeReconcilePurchase,
		Payload:     []byte(`{}`),
		Attempts:    3,
		MaxAttempts: 3,
	}
	worker.execute(context.Background(), job)

	if len(repo.failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(repo.failed))
	}
	if len(repo.retried) != 0 {
		t.Fatalf("exhausted job must not schedule retry")
	}
}

func TestWorkerExecute_PanicIsRecovered(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeReconcilePurchase, panics: true}
	worker := newTestWorker(t, repo, handler, nil)

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeReconcilePurchase,
		Payload:     []byte(`{}`),
		Attempts:    1,
		MaxAttempts: 3,
	}
	worker.execute(context.Background(), job)

	if len(repo.retried) != 1 {
		t.Fatalf("expected panic converted into a retry, got %v", repo.retried)
	}
	if repo.lastError == "" {
		t.Fatalf("expected panic message recorded as last error")
	}
}

func TestWorkerExecute_UnknownTypeIsTerminal(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeNotificationCleanup}
	worker := newTestWorker(t, repo, handler, nil)

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeReconcilePurchase,
		Payload:     []byte(`{}`),
		Attempts:    1,
		MaxAttempts: 3,
	}
	worker.execute(context.Background(), job)

	if len(repo.failed) != 1 {
		t.Fatalf("expected unresolvable job marked failed, got %v", repo.failed)
	}
}

func TestWorkerExecute_ReschedulesRecurringAfterSuccess(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeNotificationCleanup}
	worker := newTestWorker(t, repo, handler, []RecurringSchedule{
		{Type: enums.JobTypeNotificationCleanup, Interval: time.Hour},
	})

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeNotificationCleanup,
		Payload:     []byte(`{}`),
		Attempts:    1,
		MaxAttempts: 3,
	}
	before := time.Now().UTC()
	worker.execute(context.Background(), job)

	if len(repo.created) != 1 {
		t.Fatalf("expected next recurring run created, got %d", len(repo.created))
	}
	next := repo.created[0]
	if next.Type != enums.JobTypeNotificationCleanup {
		t.Fatalf("unexpected recurring type %s", next.Type)
	}
	if next.RunAt.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("expected next run roughly an hour out, got %v", next.RunAt)
	}
}

func TestWorkerExecute_ReschedulesRecurringAfterTerminalFailure(t *testing.T) {
	repo := &fakeJobsRepo{}
	handler := &stubHandler{jobType: enums.JobTypeNotificationCleanup, err: errors.New("db down")}
	worker := newTestWorker(t, repo, handler, []RecurringSchedule{
		{Type: enums.JobTypeNotificationCleanup, Interval: time.Hour},
	})

	job := &models.Job{
		ID:          uuid.New(),
		Type:        enums.JobTypeNotificationCleanup,
		Payload:     []byte(`{}`),
		Attempts:    3,
		MaxAttempts: 3,
	}
	worker.execute(context.Background(), job)

	if len(repo.failed) != 1 {
		t.Fatalf("expected exhausted job marked failed")
	}
	if len(repo.created) != 1 {
		t.Fatalf("recurring job must still get a next run after terminal failure")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 30 * time.Second
	maxDelay := 10 * time.Minute

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 30 * time.Second},
		{attempts: 1, want: 30 * time.Second},
		{attempts: 2, want: time.Minute},
		{attempts: 3, want: 2 * time.Minute},
		{attempts: 4, want: 4 * time.Minute},
		{attempts: 5, want: 8 * time.Minute},
		{attempts: 6, want: 10 * time.Minute},
		{attempts: 20, want: 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempts, base, maxDelay); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestBackoffDelay_Defaults(t *testing.T) {
	if got := backoffDelay(1, 0, 0); got != 30*time.Second {
		t.Fatalf("expected default base, got %v", got)
	}
}
