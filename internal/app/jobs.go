/**
 * @description
 * Scheduled job implementations: releasing matured holds, running the payout
 * cycle and reconciling payouts whose transfer outcome is unknown.
 */
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/metrics"
)

// PayoutRunner runs payout cycles and reconciliation.
type PayoutRunner interface {
	RunPayoutCycle(ctx context.Context, affiliateID *uuid.UUID) (PayoutCycleResult, error)
	Reconcile(ctx context.Context, staleAfter time.Duration) (ReconcileResult, error)
}

// HoldReleaser releases entries whose hold period elapsed.
type HoldReleaser interface {
	ReleaseMatured(ctx context.Context, now time.Time) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	ctx        context.Context
	payouts    PayoutRunner
	holds      HoldReleaser
	staleAfter time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	// payoutMu keeps a slow cycle from overlapping the next tick.
	payoutMu sync.Mutex
}

// NewJobs creates a new Jobs runner. Cancelling ctx stops a running payout cycle
// between affiliates.
func NewJobs(ctx context.Context, payouts PayoutRunner, holds HoldReleaser, staleAfter time.Duration, m *metrics.Metrics, logger *slog.Logger) *Jobs {
	return &Jobs{
		ctx:        ctx,
		payouts:    payouts,
		holds:      holds,
		staleAfter: staleAfter,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReleaseMaturedHolds moves PENDING entries past their hold to AVAILABLE.
func (j *Jobs) ReleaseMaturedHolds() {
	j.logger.Info("starting hold release job")

	released, err := j.holds.ReleaseMatured(j.ctx, j.now())
	if err != nil {
		j.logger.Error("failed to release matured entries", "error", err)
		sentry.CaptureException(err)
		return
	}
	j.metrics.ObserveReleased(released)

	j.logger.Info("hold release job finished", "released", released)
}

// RunPayoutCycle pays out every eligible affiliate.
func (j *Jobs) RunPayoutCycle() {
	if !j.payoutMu.TryLock() {
		j.logger.Warn("payout cycle still running; skipping tick")
		return
	}
	defer j.payoutMu.Unlock()

	j.logger.Info("starting payout job")

	result, err := j.payouts.RunPayoutCycle(j.ctx, nil)
	if err != nil {
		j.logger.Error("payout cycle failed", "error", err)
		sentry.CaptureException(err)
		return
	}

	j.logger.Info("payout job finished",
		"evaluated", result.Evaluated, "sent", result.Sent, "skipped", result.Skipped, "failed", result.Failed, "canceled", result.Canceled)
}

// ReconcilePayouts resolves stale and timed-out payouts.
func (j *Jobs) ReconcilePayouts() {
	j.logger.Info("starting payout reconciliation job")

	result, err := j.payouts.Reconcile(j.ctx, j.staleAfter)
	if err != nil {
		j.logger.Error("payout reconciliation failed", "error", err)
		sentry.CaptureException(err)
		return
	}
	if result.Unresolved > 0 {
		j.logger.Warn("payouts left unresolved", "count", result.Unresolved)
	}

	j.logger.Info("payout reconciliation job finished", "checked", result.Checked, "sent", result.Sent, "failed", result.Failed)
}
