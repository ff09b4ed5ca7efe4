package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaultpay/wallet-backend/api/controllers"
	webhookcontrollers "github.com/vaultpay/wallet-backend/api/controllers/webhooks"
	"github.com/vaultpay/wallet-backend/api/middleware"
	"github.com/vaultpay/wallet-backend/internal/payments"
	"github.com/vaultpay/wallet-backend/internal/webhooks"
	"github.com/vaultpay/wallet-backend/pkg/config"
	"github.com/vaultpay/wallet-backend/pkg/db"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"github.com/vaultpay/wallet-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	paymentsService payments.Service,
	webhookService webhooks.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/provider", webhookcontrollers.ProviderWebhook(webhookService, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Idempotency(redisClient, logg))

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", controllers.AccountCreate(paymentsService, logg))
			r.Get("/{accountId}/balance", controllers.AccountBalance(paymentsService, logg))
			r.Get("/{accountId}/transactions", controllers.AccountTransactions(paymentsService, logg))
			r.Post("/{accountId}/deposits", controllers.AccountDeposit(paymentsService, logg))
			r.Post("/{accountId}/withdrawals", controllers.AccountWithdraw(paymentsService, logg))
		})

		r.Get("/transactions/{transactionId}", controllers.TransactionDetail(paymentsService, logg))
	})

	return r
}
