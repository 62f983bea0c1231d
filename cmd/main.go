/**
 * @description
 * Entry point for the commission-service. Wires the Postgres ledger, the
 * RabbitMQ revenue-event consumer, the outbox dispatcher, the cron jobs and the
 * HTTP API, then blocks until SIGINT/SIGTERM.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/localmart/commission-service/internal/api"
	"github.com/localmart/commission-service/internal/app"
	"github.com/localmart/commission-service/internal/config"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/fees"
	"github.com/localmart/commission-service/internal/metrics"
	"github.com/localmart/commission-service/internal/store"
	"github.com/localmart/commission-service/pkg/rabbitmq"
	"github.com/localmart/commission-service/pkg/stripeclient"
)

const consumerPrefetch = 20

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Environment}); err != nil {
			logger.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	policy, err := app.PolicyFromConfig(cfg)
	if err != nil {
		logger.Error("invalid commission policy", "error", err)
		os.Exit(1)
	}
	schedule, err := newFeeSchedule(cfg)
	if err != nil {
		logger.Error("invalid fee schedule", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	dbpool, err := newPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	applied, err := store.ApplyMigrations(ctx, dbpool)
	if err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("schema up to date", "migrations", len(applied))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var (
		replayCache app.ReplayCache
		limiter     api.RateLimiter
	)
	if redisClient := newRedisClient(ctx, cfg.RedisURL, logger); redisClient != nil {
		defer redisClient.Close()
		replayCache = app.NewRedisReplayCache(redisClient, cfg.RedisKeyPrefix, cfg.EventReplayCacheTTL())
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	repository := store.NewPostgresRepository(dbpool)
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY is not set; payout transfers will fail")
	}
	transfers := stripeclient.NewClient(cfg.StripeSecretKey, cfg.StripeRequestsPerSecond)

	resolver := app.NewAttributionResolver(repository, policy, logger)
	ledger := app.NewLedger(repository, policy, logger)
	ingestor := app.NewIngestor(repository, resolver, ledger, replayCache, m, logger)
	payouts := app.NewPayoutService(repository, transfers, app.PayoutConfig{
		MinPayoutCents:  cfg.MinPayoutCents,
		TransferTimeout: cfg.TransferTimeout(),
		Currency:        cfg.PayoutCurrency,
	}, m, logger)

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, consumerPrefetch)
		if err != nil {
			logger.Error("failed to connect revenue event consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		bindings := make(map[string]func([]byte) bool)
		for _, key := range domain.InboundRoutingKeys() {
			bindings[key] = ingestor.HandleMessage
		}
		if err := consumer.ConsumeWithBindings(cfg.EventExchange, cfg.EventQueue, bindings); err != nil {
			logger.Error("failed to start revenue event consumer", "error", err)
			os.Exit(1)
		}
		logger.Info("consuming revenue events", "exchange", cfg.EventExchange, "queue", cfg.EventQueue)
	} else {
		logger.Warn("RABBITMQ_URL is not set; revenue events arrive over HTTP only")
	}

	dispatcher := app.NewOutboxDispatcher(repository, publisherFactory(cfg.RabbitMQURL), cfg.OutboxPollInterval(), m, logger)
	go dispatcher.Run(ctx)

	jobs := app.NewJobs(ctx, payouts, ledger, cfg.ReconcileStaleAfter(), m, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handler := api.NewHandler(api.Services{
		Affiliates: app.NewAffiliateService(repository, resolver, logger),
		Resolver:   resolver,
		Ingestor:   ingestor,
		Ledger:     ledger,
		Payouts:    payouts,
		Promos:     app.NewPromoService(repository, policy, schedule),
		Reports:    app.NewReportService(repository),
		Exports:    app.NewExportService(repository),
	}, limiter, api.HandlerOptions{
		PromoValidateLimit:  cfg.PromoValidateRateLimitPerMinute,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		ReconcileStaleAfter: cfg.ReconcileStaleAfter(),
	}, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		AdminJWKSURL:   cfg.AdminJWKSURL,
		AdminRole:      cfg.AdminRole,
	}, m, registry)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for running jobs")
	}
	cancel()

	logger.Info("server stopped")
}

func newPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pgConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 100
	pgConfig.MinConns = 20
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	return pgxpool.NewWithConfig(ctx, pgConfig)
}

func newFeeSchedule(cfg config.Config) (fees.Schedule, error) {
	processorPct, err := config.ParsePercent("PROCESSOR_FEE_PERCENT", cfg.ProcessorFeePercent)
	if err != nil {
		return fees.Schedule{}, err
	}
	platform, err := cfg.PlatformFeePercents()
	if err != nil {
		return fees.Schedule{}, err
	}
	return fees.NewSchedule(fees.ProcessorFee{FixedCents: cfg.ProcessorFeeFixedCents, Percent: processorPct}, platform, cfg.DefaultSellerTier)
}

// newRedisClient returns nil when Redis is not configured or unreachable; the
// replay cache and the promo rate limit are optional.
func newRedisClient(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("REDIS_URL is not set; replay cache and promo rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL; replay cache and promo rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable; replay cache and promo rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connection established")
	return client
}

// publisherFactory opens a RabbitMQ producer on demand, or a no-op publisher when
// RabbitMQ is not configured.
func publisherFactory(amqpURL string) app.PublisherFactory {
	return func() (rabbitmq.Publisher, error) {
		if amqpURL == "" {
			return &rabbitmq.EventProducerFallback{}, nil
		}
		producer, err := rabbitmq.NewEventProducer(amqpURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}
