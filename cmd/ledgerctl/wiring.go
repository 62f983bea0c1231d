package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/localmart/commission-service/internal/app"
	"github.com/localmart/commission-service/internal/config"
	"github.com/localmart/commission-service/internal/fees"
	"github.com/localmart/commission-service/internal/store"
	"github.com/localmart/commission-service/pkg/stripeclient"
	"github.com/spf13/cobra"
)

// env holds the services a command needs. Close releases the pool.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	repo     store.Repository
	policy   app.CommissionPolicy
	schedule fees.Schedule
}

func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	logger := newLogger(cmd)
	slog.SetDefault(logger)
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, logger, nil
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	policy, err := app.PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedule, err := feeSchedule(cfg)
	if err != nil {
		return nil, err
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 4
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(cmd.Context(), pgConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(cmd.Context()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	return &env{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		repo:     store.NewPostgresRepository(pool),
		policy:   policy,
		schedule: schedule,
	}, nil
}

func (e *env) Close() {
	e.pool.Close()
}

func (e *env) ledger() *app.Ledger {
	return app.NewLedger(e.repo, e.policy, e.logger)
}

func (e *env) payouts() *app.PayoutService {
	transfers := stripeclient.NewClient(e.cfg.StripeSecretKey, e.cfg.StripeRequestsPerSecond)
	return app.NewPayoutService(e.repo, transfers, app.PayoutConfig{
		MinPayoutCents:  e.cfg.MinPayoutCents,
		TransferTimeout: e.cfg.TransferTimeout(),
		Currency:        e.cfg.PayoutCurrency,
	}, nil, e.logger)
}

func feeSchedule(cfg config.Config) (fees.Schedule, error) {
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

// withEnv opens the environment for the duration of run.
func withEnv(run func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return run(cmd.Context(), cmd, args, e)
	}
}
