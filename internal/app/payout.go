/**
 * @description
 * The PayoutService moves each affiliate's AVAILABLE balance to their connected
 * Stripe account.
 *
 * Key features:
 * - Three phases per affiliate: claim entries and create the payout row in one
 *   transaction, call Stripe outside any transaction, then finalize in a second
 *   transaction. A crash between phases leaves a CREATED payout that the
 *   reconciliation job resolves.
 * - The payout id doubles as the Stripe transfer group and idempotency key, so a
 *   retried call can never send money twice.
 * - Claimed entries cannot be picked up by another payout or neutralized by a
 *   reversal, which keeps amount == sum(claimed entries) exact.
 *
 * @dependencies
 * - pkg/stripeclient: transfer creation and lookup.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/metrics"
	"github.com/localmart/commission-service/internal/store"
	"github.com/localmart/commission-service/pkg/stripeclient"
)

const payoutIdempotencyPrefix = "affiliate-payout-"

// TransferClient is the subset of the Stripe client used for payouts.
type TransferClient interface {
	CreateTransfer(ctx context.Context, req stripeclient.TransferRequest) (*stripeclient.Transfer, error)
	FindTransferByGroup(ctx context.Context, transferGroup string) (*stripeclient.Transfer, error)
}

// PayoutConfig carries the payout thresholds and timeouts.
type PayoutConfig struct {
	MinPayoutCents  int64
	TransferTimeout time.Duration
	Currency        string
}

// PayoutCycleResult summarizes one payout run.
type PayoutCycleResult struct {
	Evaluated int                      `json:"evaluated"`
	Sent      int                      `json:"sent"`
	Skipped   int                      `json:"skipped"`
	Failed    int                      `json:"failed"`
	Canceled  bool                     `json:"canceled"`
	Payouts   []domain.AffiliatePayout `json:"payouts"`
}

// PayoutService runs payout cycles.
type PayoutService struct {
	repo      store.Repository
	transfers TransferClient
	cfg       PayoutConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() uuid.UUID
}

// NewPayoutService creates a PayoutService.
func NewPayoutService(repo store.Repository, transfers TransferClient, cfg PayoutConfig, m *metrics.Metrics, logger *slog.Logger) *PayoutService {
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &PayoutService{
		repo:      repo,
		transfers: transfers,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.New,
	}
}

// RunPayoutCycle pays every affiliate with a payable balance, or only
// affiliateID when it is set. Cancelling ctx stops the cycle between affiliates;
// an affiliate already in progress is always finalized.
func (s *PayoutService) RunPayoutCycle(ctx context.Context, affiliateID *uuid.UUID) (PayoutCycleResult, error) {
	var result PayoutCycleResult

	candidates := []uuid.UUID{}
	if affiliateID != nil {
		candidates = append(candidates, *affiliateID)
	} else {
		ids, err := s.repo.ListPayoutCandidates(ctx)
		if err != nil {
			return result, fmt.Errorf("list payout candidates: %w", err)
		}
		candidates = ids
	}

	for _, id := range candidates {
		if ctx.Err() != nil {
			result.Canceled = true
			s.logger.Warn("payout cycle canceled", "remaining", len(candidates)-result.Evaluated)
			break
		}
		result.Evaluated++

		payout, skipReason, err := s.payAffiliate(context.WithoutCancel(ctx), id)
		switch {
		case err != nil:
			result.Failed++
			s.logger.Error("payout failed", "affiliate_id", id, "error", err)
		case payout == nil:
			result.Skipped++
			s.logger.Info("payout skipped", "affiliate_id", id, "reason", skipReason)
		default:
			if payout.Status == domain.PayoutStatusSent {
				result.Sent++
			} else {
				result.Failed++
			}
			result.Payouts = append(result.Payouts, *payout)
		}
	}

	s.logger.Info("payout cycle finished",
		"evaluated", result.Evaluated, "sent", result.Sent, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (s *PayoutService) payAffiliate(ctx context.Context, affiliateID uuid.UUID) (*domain.AffiliatePayout, string, error) {
	payout, destination, skipReason, err := s.claim(ctx, affiliateID)
	if err != nil || payout == nil {
		return nil, skipReason, err
	}

	transferCtx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	start := time.Now()
	transfer, transferErr := s.transfers.CreateTransfer(transferCtx, stripeclient.TransferRequest{
		AmountCents:        payout.AmountCents,
		Currency:           s.cfg.Currency,
		DestinationAccount: destination,
		TransferGroup:      payout.ID.String(),
		IdempotencyKey:     payout.IdempotencyKey,
		Metadata: map[string]string{
			"payout_id":    payout.ID.String(),
			"affiliate_id": affiliateID.String(),
		},
	})
	cancel()
	s.metrics.ObserveTransfer(time.Since(start))

	switch {
	case transferErr == nil:
		return s.markSent(ctx, payout.ID, transfer.ID)
	case errors.Is(transferErr, stripeclient.ErrTransferDeclined):
		s.logger.Warn("transfer declined", "payout_id", payout.ID, "affiliate_id", affiliateID, "error", transferErr)
		return s.markFailed(ctx, payout.ID, transferErr.Error(), true)
	default:
		// Outcome unknown. Keep the claims until reconciliation finds out.
		s.logger.Error("transfer outcome unknown", "payout_id", payout.ID, "affiliate_id", affiliateID, "error", transferErr)
		return s.markFailed(ctx, payout.ID, transferErr.Error(), false)
	}
}

// claim locks the affiliate and its payable entries, and creates the payout
// holding them. A nil payout with a reason means there is nothing to pay.
func (s *PayoutService) claim(ctx context.Context, affiliateID uuid.UUID) (*domain.AffiliatePayout, string, string, error) {
	var (
		payout      *domain.AffiliatePayout
		destination string
		skipReason  string
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		affiliate, err := tx.GetAffiliateForUpdate(ctx, affiliateID)
		if err != nil {
			return err
		}
		if !affiliate.PayoutEligible() {
			skipReason = "affiliate is not eligible for payouts"
			return nil
		}

		entries, err := tx.ListPayableEntriesForUpdate(ctx, affiliateID)
		if err != nil {
			return err
		}
		total := domain.SumCents(entries)
		switch {
		case len(entries) == 0 || total <= 0:
			skipReason = "no positive available balance"
			return nil
		case total < s.cfg.MinPayoutCents:
			skipReason = fmt.Sprintf("available balance %d below minimum %d", total, s.cfg.MinPayoutCents)
			return nil
		}

		now := s.now()
		id := s.newID()
		p := domain.AffiliatePayout{
			ID:             id,
			AffiliateID:    affiliateID,
			AmountCents:    total,
			Status:         domain.PayoutStatusCreated,
			EntryIDs:       domain.EntryIDs(entries),
			IdempotencyKey: payoutIdempotencyPrefix + id.String(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertPayout(ctx, &p); err != nil {
			return err
		}
		claimed, err := tx.ClaimEntries(ctx, p.EntryIDs, p.ID)
		if err != nil {
			return err
		}
		if claimed != int64(len(p.EntryIDs)) {
			return fmt.Errorf("claim entries for payout %s: %w", p.ID, store.ErrStaleTransition)
		}
		payout = &p
		destination = affiliate.PayoutAccountID
		return nil
	})
	if err != nil {
		return nil, "", "", err
	}
	return payout, destination, skipReason, nil
}

// markSent records a confirmed transfer and settles the claimed entries.
func (s *PayoutService) markSent(ctx context.Context, payoutID uuid.UUID, transferID string) (*domain.AffiliatePayout, string, error) {
	var updated *domain.AffiliatePayout
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		payout, err := tx.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		if !payout.CanTransition(domain.PayoutStatusSent) {
			return fmt.Errorf("payout %s is %s: %w", payoutID, payout.Status, store.ErrStaleTransition)
		}
		paid, err := tx.MarkClaimedEntriesPaid(ctx, payoutID)
		if err != nil {
			return err
		}
		if paid != int64(len(payout.EntryIDs)) {
			return fmt.Errorf("payout %s settled %d of %d entries: %w", payoutID, paid, len(payout.EntryIDs), store.ErrStaleTransition)
		}

		from := payout.Status
		payout.Status = domain.PayoutStatusSent
		payout.TransferID = &transferID
		payout.FailureReason = nil
		payout.ReconcilePending = false
		payout.UpdatedAt = s.now()
		if err := tx.UpdatePayout(ctx, payout, from); err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, domain.NotificationExchange, domain.RoutingKeyPayoutSent, payoutNotification(*payout)); err != nil {
			return err
		}
		updated = payout
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	s.metrics.ObservePayout(string(domain.PayoutStatusSent), updated.AmountCents)
	s.logger.Info("payout sent", "payout_id", updated.ID, "affiliate_id", updated.AffiliateID, "amount_cents", updated.AmountCents, "transfer_id", transferID)
	return updated, "", nil
}

// markFailed fails a payout. With release the claimed entries become payable
// again; without it the payout stays pending reconciliation and keeps them.
func (s *PayoutService) markFailed(ctx context.Context, payoutID uuid.UUID, reason string, release bool) (*domain.AffiliatePayout, string, error) {
	var updated *domain.AffiliatePayout
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		payout, err := tx.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		if !payout.CanTransition(domain.PayoutStatusFailed) {
			return fmt.Errorf("payout %s is %s: %w", payoutID, payout.Status, store.ErrStaleTransition)
		}
		if release {
			if _, err := tx.ReleaseClaims(ctx, payoutID); err != nil {
				return err
			}
		}

		from := payout.Status
		payout.Status = domain.PayoutStatusFailed
		payout.FailureReason = &reason
		payout.ReconcilePending = !release
		payout.UpdatedAt = s.now()
		if err := tx.UpdatePayout(ctx, payout, from); err != nil {
			return err
		}
		if release {
			if err := tx.EnqueueEvent(ctx, domain.NotificationExchange, domain.RoutingKeyPayoutFailed, payoutNotification(*payout)); err != nil {
				return err
			}
		}
		updated = payout
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	s.metrics.ObservePayout(string(domain.PayoutStatusFailed), updated.AmountCents)
	return updated, "", nil
}

// ListPayouts returns payouts newest first.
func (s *PayoutService) ListPayouts(ctx context.Context, affiliateID *uuid.UUID, limit, offset int) ([]domain.AffiliatePayout, error) {
	return s.repo.ListPayouts(ctx, affiliateID, limit, offset)
}

func payoutNotification(payout domain.AffiliatePayout) domain.PayoutNotification {
	notice := domain.PayoutNotification{
		PayoutID:    payout.ID,
		AffiliateID: payout.AffiliateID,
		AmountCents: payout.AmountCents,
		Status:      payout.Status,
		OccurredAt:  payout.UpdatedAt,
	}
	if payout.TransferID != nil {
		notice.TransferID = *payout.TransferID
	}
	if payout.FailureReason != nil {
		notice.Reason = *payout.FailureReason
	}
	return notice
}
