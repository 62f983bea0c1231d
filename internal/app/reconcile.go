package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/pkg/stripeclient"
)

const defaultReconcileLimit = 100

// ReconcileResult counts how unresolved payouts were settled.
type ReconcileResult struct {
	Checked    int `json:"checked"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
}

// Reconcile resolves payouts whose transfer outcome is unknown: CREATED payouts
// older than staleAfter (a crash between phases) and FAILED payouts still
// pending reconciliation (a transfer timeout). Stripe is asked by transfer group,
// which is the payout id.
func (s *PayoutService) Reconcile(ctx context.Context, staleAfter time.Duration) (ReconcileResult, error) {
	var result ReconcileResult

	payouts, err := s.repo.ListPayoutsAwaitingReconcile(ctx, s.now().Add(-staleAfter), defaultReconcileLimit)
	if err != nil {
		return result, fmt.Errorf("list payouts awaiting reconcile: %w", err)
	}

	for _, payout := range payouts {
		if ctx.Err() != nil {
			break
		}
		result.Checked++
		if err := s.reconcileOne(context.WithoutCancel(ctx), payout, &result); err != nil {
			result.Unresolved++
			s.logger.Error("payout reconciliation failed", "payout_id", payout.ID, "error", err)
		}
	}

	if result.Checked > 0 {
		s.logger.Info("payout reconciliation finished",
			"checked", result.Checked, "sent", result.Sent, "failed", result.Failed, "unresolved", result.Unresolved)
	}
	return result, nil
}

func (s *PayoutService) reconcileOne(ctx context.Context, payout domain.AffiliatePayout, result *ReconcileResult) error {
	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	transfer, err := s.transfers.FindTransferByGroup(lookupCtx, payout.ID.String())
	cancel()

	switch {
	case err == nil:
		if _, _, err := s.markSent(ctx, payout.ID, transfer.ID); err != nil {
			return err
		}
		result.Sent++
		s.metrics.ObserveReconciled("sent")
	case errors.Is(err, stripeclient.ErrTransferNotFound):
		if _, _, err := s.markFailed(ctx, payout.ID, "no transfer found during reconciliation", true); err != nil {
			return err
		}
		result.Failed++
		s.metrics.ObserveReconciled("failed")
		s.logger.Warn("payout released after reconciliation", "payout_id", payout.ID, "affiliate_id", payout.AffiliateID)
	default:
		return err
	}
	return nil
}
