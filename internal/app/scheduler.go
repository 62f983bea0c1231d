/**
 * @description
 * Cron scheduler setup for the ledger's periodic jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/localmart/commission-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.register("hold release", s.config.HoldReleaseJobSchedule, s.jobs.ReleaseMaturedHolds)
	s.register("payout", s.config.PayoutJobSchedule, s.jobs.RunPayoutCycle)
	s.register("payout reconciliation", s.config.ReconcileJobSchedule, s.jobs.ReconcilePayouts)

	s.cron.Start()
}

func (s *Scheduler) register(name, schedule string, job func()) {
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
