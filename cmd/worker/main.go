package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nearhand/nearhand-backend/internal/entitlements"
	"github.com/nearhand/nearhand-backend/internal/jobs"
	"github.com/nearhand/nearhand-backend/internal/notifications"
	"github.com/nearhand/nearhand-backend/internal/providerstats"
	"github.com/nearhand/nearhand-backend/internal/purchases"
	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/db"
	"github.com/nearhand/nearhand-backend/pkg/logger"
	"github.com/nearhand/nearhand-backend/pkg/metrics"
	"github.com/nearhand/nearhand-backend/pkg/migrate"
	"github.com/nearhand/nearhand-backend/pkg/payments"
	"github.com/nearhand/nearhand-backend/pkg/pubsub"
	"github.com/nearhand/nearhand-backend/pkg/redis"
)

const seedLockTTL = time.Minute

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	paymentsClient, err := payments.NewClient(context.Background(), cfg.Square, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create payments client", err)
		os.Exit(1)
	}

	jobsRepo := jobs.NewRepository(dbClient.DB())
	jobsService, err := jobs.NewService(jobs.ServiceParams{
		Config:     cfg.Jobs,
		Repository: jobsRepo,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create jobs service", err)
		os.Exit(1)
	}

	entitlementsService, err := entitlements.NewService(entitlements.ServiceParams{
		Repository: entitlements.NewRepository(dbClient.DB()),
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create entitlements service", err)
		os.Exit(1)
	}

	purchasesParams := purchases.ServiceParams{
		DB:           dbClient,
		Repository:   purchases.NewRepository(dbClient.DB()),
		Payments:     paymentsClient,
		Entitlements: entitlementsService,
		Logger:       logg,
	}
	if cfg.GCP.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		events, err := purchases.NewPubSubEvents(pubsubClient.EntitlementPublisher())
		if err != nil {
			logg.Error(context.Background(), "failed to create event publisher", err)
			os.Exit(1)
		}
		purchasesParams.Events = events
	}
	purchasesService, err := purchases.NewService(purchasesParams)
	if err != nil {
		logg.Error(context.Background(), "failed to create purchases service", err)
		os.Exit(1)
	}

	recomputeJob, err := providerstats.NewRecomputeJob(providerstats.RecomputeJobParams{
		DB:         dbClient,
		Repository: providerstats.NewRepository(dbClient.DB()),
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create provider stats job", err)
		os.Exit(1)
	}

	cleanupJob, err := notifications.NewCleanupJob(notifications.CleanupJobParams{
		Repository: notifications.NewRepository(dbClient.DB()),
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notification cleanup job", err)
		os.Exit(1)
	}

	registry := jobs.NewRegistry(
		purchases.NewReconcileJob(purchasesService),
		recomputeJob,
		cleanupJob,
	)

	registerer := prometheus.NewRegistry()
	jobMetrics := metrics.NewJobMetrics(registerer)

	schedules := jobs.DefaultRecurringSchedules()
	worker, err := jobs.NewWorker(jobs.WorkerParams{
		Config:     cfg.Jobs,
		Repository: jobsRepo,
		Registry:   registry,
		Logger:     logg,
		Metrics:    jobMetrics,
		Recurring:  schedules,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create job worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "worker",
	})

	seedLock, err := jobs.NewRedisLock(redisClient, redisClient.LockKey("recurring-seed"), seedLockTTL)
	if err != nil {
		logg.Error(ctx, "failed to create seed lock", err)
		os.Exit(1)
	}
	if err := jobs.SeedRecurring(ctx, jobsService, seedLock, schedules, logg); err != nil {
		logg.Error(ctx, "failed to seed recurring jobs", err)
		os.Exit(1)
	}

	go serveMetrics(ctx, cfg, registerer, logg)

	logg.Info(ctx, "starting job worker")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "job worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "job worker shutting down gracefully")
}

func serveMetrics(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, logg *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "metrics server stopped unexpectedly", err)
	}
}
