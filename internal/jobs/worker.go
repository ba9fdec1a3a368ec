package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
	"github.com/nearhand/nearhand-backend/pkg/metrics"
)

const pollJitterWindow = 250 * time.Millisecond

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

var (
	errRegistryRequired = errors.New("jobs registry is required")
	errWorkerLoggerNil  = errors.New("worker logger is required")
)

// WorkerParams collects the dependencies for the job worker.
type WorkerParams struct {
	Config     config.JobsConfig
	Repository Repository
	Registry   *Registry
	Logger     *logger.Logger
	Metrics    *metrics.JobMetrics
	Recurring  []RecurringSchedule
}

// Worker polls for claimable jobs and executes them with bounded concurrency.
// Each executing job is heartbeated so its lock never goes stale while the
// handler is still running.
type Worker struct {
	cfg       config.JobsConfig
	repo      Repository
	registry  *Registry
	logg      *logger.Logger
	metrics   *metrics.JobMetrics
	recurring map[enums.JobType]time.Duration
	workerID  string
	now       func() time.Time
}

// NewWorker wires the job worker.
func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Repository == nil {
		return nil, errRepositoryRequired
	}
	if params.Registry == nil {
		return nil, errRegistryRequired
	}
	if params.Logger == nil {
		return nil, errWorkerLoggerNil
	}
	recurring := make(map[enums.JobType]time.Duration, len(params.Recurring))
	for _, schedule := range params.Recurring {
		if schedule.Interval > 0 {
			recurring[schedule.Type] = schedule.Interval
		}
	}

	return &Worker{
		cfg:       params.Config,
		repo:      params.Repository,
		registry:  params.Registry,
		logg:      params.Logger,
		metrics:   params.Metrics,
		recurring: recurring,
		workerID:  uuid.NewString(),
		now:       time.Now,
	}, nil
}

// WorkerID identifies this worker instance in job locks.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Run blocks until the context is canceled, polling for jobs on every slot.
func (w *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	concurrency := w.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	startCtx := w.logg.WithFields(ctx, map[string]any{
		"worker_id":   w.workerID,
		"concurrency": concurrency,
	})
	w.logg.Info(startCtx, "job worker started")

	var wg sync.WaitGroup
	for slot := 0; slot < concurrency; slot++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pollLoop(ctx)
		}()
	}
	wg.Wait()

	w.logg.Info(startCtx, "job worker stopped")
	return ctx.Err()
}

func (w *Worker) pollLoop(ctx context.Context) {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.repo.ClaimNext(ctx, w.workerID, w.now().UTC(), w.cfg.StaleLockAfter)
		if err != nil {
			if !errors.Is(err, ErrNoClaimableJob) {
				errCtx := w.logg.WithFields(ctx, map[string]any{"worker_id": w.workerID})
				w.logg.Error(errCtx, "job claim failed", err)
			}
			if sleepErr := sleep(ctx, withJitter(interval)); sleepErr != nil {
				return
			}
			continue
		}

		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job *models.Job) {
	jobCtx := w.logg.WithJobID(ctx, job.ID.String())
	jobCtx = w.logg.WithFields(jobCtx, map[string]any{
		"job_type": job.Type.String(),
		"attempt":  job.Attempts,
	})
	w.logg.Info(jobCtx, "job.started")

	stopHeartbeat := w.startHeartbeat(jobCtx, job)
	start := w.now()

	err := w.runHandler(jobCtx, job)
	stopHeartbeat()

	duration := w.now().Sub(start)
	w.metrics.ObserveDuration(job.Type.String(), duration)

	if err == nil {
		if _, markErr := w.repo.MarkSucceeded(jobCtx, job.ID, w.workerID); markErr != nil {
			w.logg.Error(jobCtx, "job.mark_succeeded_failed", markErr)
			return
		}
		w.metrics.IncSuccess(job.Type.String())
		doneCtx := w.logg.WithFields(jobCtx, map[string]any{"duration_ms": duration.Milliseconds()})
		w.logg.Info(doneCtx, "job.succeeded")
		w.rescheduleRecurring(jobCtx, job)
		return
	}

	w.finishFailed(jobCtx, job, err)
}

// runHandler resolves and invokes the handler, converting panics into errors
// so a misbehaving handler cannot take down the worker.
func (w *Worker) runHandler(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job handler panic: %v", rec)
		}
	}()

	handler, err := w.registry.Resolve(job.Type)
	if err != nil {
		return NewTerminalError(err)
	}
	return handler.Handle(ctx, job)
}

func (w *Worker) finishFailed(ctx context.Context, job *models.Job, handlerErr error) {
	errCtx := w.logg.WithFields(ctx, map[string]any{"error": handlerErr.Error()})

	exhausted := job.Attempts >= job.MaxAttempts
	if IsTerminal(handlerErr) || exhausted {
		if _, markErr := w.repo.MarkFailed(ctx, job.ID, w.workerID, handlerErr.Error()); markErr != nil {
			w.logg.Error(errCtx, "job.mark_failed_failed", markErr)
			return
		}
		w.metrics.IncFailure(job.Type.String())
		w.logg.Error(errCtx, "job.failed", handlerErr)
		// A recurring job that exhausted its attempts still gets a next run.
		w.rescheduleRecurring(ctx, job)
		return
	}

	runAt := w.now().UTC().Add(backoffDelay(job.Attempts, w.cfg.BackoffBase, w.cfg.BackoffCap))
	if _, markErr := w.repo.MarkRetry(ctx, job.ID, w.workerID, runAt, handlerErr.Error()); markErr != nil {
		w.logg.Error(errCtx, "job.mark_retry_failed", markErr)
		return
	}
	w.metrics.IncRetry(job.Type.String())
	retryCtx := w.logg.WithFields(errCtx, map[string]any{"next_run_at": runAt})
	w.logg.Warn(retryCtx, "job.retry_scheduled")
}

// rescheduleRecurring inserts the next run of a recurring job once the
// current one has reached a terminal state.
func (w *Worker) rescheduleRecurring(ctx context.Context, job *models.Job) {
	interval, ok := w.recurring[job.Type]
	if !ok {
		return
	}
	next := &models.Job{
		Type:        job.Type,
		Payload:     job.Payload,
		RunAt:       w.now().UTC().Add(interval),
		Status:      enums.JobStatusPending,
		MaxAttempts: job.MaxAttempts,
	}
	if err := w.repo.Create(ctx, next); err != nil {
		w.logg.Error(ctx, "job.reschedule_recurring_failed", err)
		return
	}
	nextCtx := w.logg.WithFields(ctx, map[string]any{"next_run_at": next.RunAt})
	w.logg.Info(nextCtx, "job.recurring_rescheduled")
}

// startHeartbeat refreshes the job lock until the returned stop func runs.
func (w *Worker) startHeartbeat(ctx context.Context, job *models.Job) func() {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.repo.Heartbeat(ctx, job.ID, w.workerID, w.now().UTC()); err != nil {
					w.logg.Warn(w.logg.WithFields(ctx, map[string]any{"error": err.Error()}), "job.heartbeat_failed")
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// backoffDelay doubles from base per prior attempt, capped.
func backoffDelay(attempts int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Minute
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(pollJitterWindow)))
}
