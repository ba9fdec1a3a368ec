package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/nearhand/nearhand-backend/api/routes"
	"github.com/nearhand/nearhand-backend/internal/attest"
	"github.com/nearhand/nearhand-backend/internal/entitlements"
	"github.com/nearhand/nearhand-backend/internal/jobs"
	"github.com/nearhand/nearhand-backend/internal/purchases"
	"github.com/nearhand/nearhand-backend/internal/webhooks"
	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/db"
	"github.com/nearhand/nearhand-backend/pkg/logger"
	"github.com/nearhand/nearhand-backend/pkg/migrate"
	"github.com/nearhand/nearhand-backend/pkg/payments"
	"github.com/nearhand/nearhand-backend/pkg/pubsub"
	"github.com/nearhand/nearhand-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(ctx, "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	paymentsClient, err := payments.NewClient(ctx, cfg.Square, logg)
	if err != nil {
		logg.Error(ctx, "failed to create payments client", err)
		os.Exit(1)
	}

	jobsService, err := jobs.NewService(jobs.ServiceParams{
		Config:     cfg.Jobs,
		Repository: jobs.NewRepository(dbClient.DB()),
		Logger:     logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create jobs service", err)
		os.Exit(1)
	}

	entitlementsService, err := entitlements.NewService(entitlements.ServiceParams{
		Repository: entitlements.NewRepository(dbClient.DB()),
		Logger:     logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create entitlements service", err)
		os.Exit(1)
	}

	var events *purchases.PubSubEvents
	if cfg.GCP.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(ctx, "failed to create pubsub client", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(ctx, "error closing pubsub", err)
			}
		}()
		events, err = purchases.NewPubSubEvents(pubsubClient.EntitlementPublisher())
		if err != nil {
			logg.Error(ctx, "failed to create event publisher", err)
			os.Exit(1)
		}
	}

	purchasesParams := purchases.ServiceParams{
		DB:           dbClient,
		Repository:   purchases.NewRepository(dbClient.DB()),
		Payments:     paymentsClient,
		Entitlements: entitlementsService,
		Logger:       logg,
	}
	if events != nil {
		purchasesParams.Events = events
	}
	purchasesService, err := purchases.NewService(purchasesParams)
	if err != nil {
		logg.Error(ctx, "failed to create purchases service", err)
		os.Exit(1)
	}

	attestService, err := buildAttestation(ctx, cfg, redisClient, logg)
	if err != nil {
		logg.Error(ctx, "failed to create attestation service", err)
		os.Exit(1)
	}

	webhookGuard, err := webhooks.NewRedisGuard(redisClient, "payments")
	if err != nil {
		logg.Error(ctx, "failed to create webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	startCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(startCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:       cfg,
			Logger:       logg,
			DB:           dbClient,
			Redis:        redisClient,
			Payments:     paymentsClient,
			Jobs:         jobsService,
			Purchases:    purchasesService,
			Entitlements: entitlementsService,
			Attestation:  attestService,
			WebhookGuard: webhookGuard,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(startCtx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func buildAttestation(ctx context.Context, cfg *config.Config, cache *redis.Client, logg *logger.Logger) (*attest.Service, error) {
	var verifiers []attest.Verifier

	if cfg.Attestation.Enforce {
		if cfg.Attestation.AndroidPackageName != "" {
			android, err := attest.NewPlayIntegrityVerifier(ctx, cfg.Attestation.AndroidPackageName)
			if err != nil {
				return nil, err
			}
			verifiers = append(verifiers, android)
		}
		if cfg.Attestation.AppleKeyPEM != "" {
			ios, err := attest.NewDeviceCheckVerifier(attest.DeviceCheckParams{
				KeyID:   cfg.Attestation.AppleKeyID,
				TeamID:  cfg.Attestation.AppleTeamID,
				KeyPEM:  cfg.Attestation.AppleKeyPEM,
				Sandbox: !cfg.App.IsProd(),
			})
			if err != nil {
				return nil, err
			}
			verifiers = append(verifiers, ios)
		}
	}

	return attest.NewService(attest.ServiceParams{
		Config:    cfg.Attestation,
		DevMode:   !cfg.App.IsProd(),
		Cache:     cache,
		Verifiers: verifiers,
		Logger:    logg,
	})
}
