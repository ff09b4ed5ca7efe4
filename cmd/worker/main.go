package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultpay/wallet-backend/internal/analytics"
	"github.com/vaultpay/wallet-backend/internal/events"
	"github.com/vaultpay/wallet-backend/internal/ledger"
	"github.com/vaultpay/wallet-backend/internal/notifications"
	"github.com/vaultpay/wallet-backend/pkg/bigquery"
	"github.com/vaultpay/wallet-backend/pkg/config"
	"github.com/vaultpay/wallet-backend/pkg/db"
	"github.com/vaultpay/wallet-backend/pkg/instance"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"github.com/vaultpay/wallet-backend/pkg/metrics"
	"github.com/vaultpay/wallet-backend/pkg/migrate"
	"github.com/vaultpay/wallet-backend/pkg/pubsub"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "event-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "event-worker"

	logg = logger.New(logger.Options{
		ServiceName: "event-worker",
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

	bigqueryClient, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap bigquery", err)
		os.Exit(1)
	}
	defer func() {
		if err := bigqueryClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing bigquery client", err)
		}
	}()

	dispatcher, err := notifications.NewDispatcher(pubsubClient.TransactionPublisher(), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification dispatcher", err)
		os.Exit(1)
	}
	factWriter, err := analytics.NewWriter(bigqueryClient, analytics.Config{
		TransactionsTable: cfg.BigQuery.TransactionsTable,
	}, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create analytics writer", err)
		os.Exit(1)
	}

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	eventMetrics := metrics.NewWebhookEventMetrics(prometheus.DefaultRegisterer)
	eventsRepo := events.NewRepository(dbClient.DB())
	processor, err := events.NewProcessor(events.ProcessorParams{
		Repo:    eventsRepo,
		Ledger:  ledgerSvc,
		TxR:     dbClient,
		Logger:  logg,
		Metrics: eventMetrics,
		Hooks:   []events.TerminalHook{dispatcher, factWriter},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create event processor", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Repository: eventsRepo,
		DLQ:        events.NewDLQRepository(dbClient.DB()),
		Processor:  processor,
		Metrics:    eventMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create event worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting event worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "event worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "event worker shutting down gracefully")
}
