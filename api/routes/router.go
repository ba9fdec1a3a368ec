package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nearhand/nearhand-backend/api/controllers"
	webhookcontrollers "github.com/nearhand/nearhand-backend/api/controllers/webhooks"
	"github.com/nearhand/nearhand-backend/api/middleware"
	"github.com/nearhand/nearhand-backend/internal/attest"
	"github.com/nearhand/nearhand-backend/internal/entitlements"
	"github.com/nearhand/nearhand-backend/internal/jobs"
	"github.com/nearhand/nearhand-backend/internal/purchases"
	"github.com/nearhand/nearhand-backend/internal/webhooks"
	"github.com/nearhand/nearhand-backend/pkg/config"
	"github.com/nearhand/nearhand-backend/pkg/db"
	"github.com/nearhand/nearhand-backend/pkg/logger"
	"github.com/nearhand/nearhand-backend/pkg/payments"
	"github.com/nearhand/nearhand-backend/pkg/redis"
)

// RouterParams collects everything the HTTP surface depends on.
type RouterParams struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             *db.Client
	Redis          *redis.Client
	Payments       *payments.Client
	Jobs           *jobs.Service
	Purchases      *purchases.Service
	Entitlements   *entitlements.Service
	Attestation    *attest.Service
	WebhookGuard   *webhooks.RedisGuard
	MetricsHandler http.Handler
}

// NewRouter assembles the API router: global middleware, then the public,
// webhook, and authenticated provider surfaces.
func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	apiPolicy := middleware.NewRateLimitPolicy("api", cfg.RateLimit)
	rateLimit := middleware.RateLimit(apiPolicy, params.Redis, logg)

	attestGate := func(next http.Handler) http.Handler { return next }
	if params.Attestation != nil {
		attestGate = middleware.Attestation(params.Attestation, logg)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, params.DB, params.Redis, logg))
	})

	metricsHandler := params.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/api/public", func(r chi.Router) {
		r.Use(rateLimit)
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/payments", webhookcontrollers.PaymentWebhook(params.Jobs, params.Payments, params.WebhookGuard, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(rateLimit)

		r.Get("/ping", controllers.PrivatePing())
		r.Get("/entitlements", controllers.GetEntitlements(params.Entitlements, logg))

		r.Route("/purchases", func(r chi.Router) {
			// Purchases move money; they sit behind the attestation gate.
			r.Use(attestGate)
			r.Post("/", controllers.CreatePurchase(params.Purchases, logg))
			r.Get("/", controllers.ListPurchases(params.Purchases, logg))
			r.Get("/{purchaseID}", controllers.GetPurchase(params.Purchases, logg))
			r.Post("/{purchaseID}/confirm", controllers.ConfirmPurchase(params.Purchases, logg))
		})
	})

	return r
}
