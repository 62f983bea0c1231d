/**
 * @description
 * The Ledger turns resolved tier shares into commission entries and offsets them
 * when the underlying payment is refunded or charged back.
 *
 * Key features:
 * - Recording is idempotent per (source event, affiliate, tier, event type,
 *   reversal event).
 * - Reversals never touch the original row. An offset against unpaid credit
 *   follows the credit's status, so both settle in the same payout; an offset
 *   against credit that already left the platform is an AVAILABLE debt row
 *   that nets against future payouts.
 * - Voiding is the only path to REVERSED: an administrator cancels unpaid
 *   credit together with its offsets.
 * - Every write enqueues a notification intent in the same transaction.
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
	"github.com/localmart/commission-service/internal/fees"
	"github.com/localmart/commission-service/internal/store"
)

var unsettledStatuses = []domain.LedgerStatus{domain.LedgerStatusPending, domain.LedgerStatusAvailable}

// Ledger writes commission entries.
type Ledger struct {
	repo   store.Repository
	policy CommissionPolicy
	logger *slog.Logger
	newID  func() uuid.UUID
}

// NewLedger creates a Ledger.
func NewLedger(repo store.Repository, policy CommissionPolicy, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		policy: policy,
		logger: logger,
		newID:  uuid.New,
	}
}

// Record credits every share of a revenue event. Entries that already exist for
// the same key are skipped, so replays write nothing.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, event domain.RevenueEvent, shares []domain.TierShare, now time.Time) ([]domain.LedgerEntry, error) {
	if !event.Type.IsRevenue() {
		return nil, fmt.Errorf("cannot record %s as revenue", event.Type)
	}
	if len(shares) == 0 || event.AmountCents <= 0 {
		return nil, nil
	}

	promoOwner, promo, err := l.promoOwner(ctx, tx, event)
	if err != nil {
		return nil, err
	}
	availableAt := now.Add(l.policy.HoldFor(event.Type))

	entries := make([]domain.LedgerEntry, 0, len(shares))
	for _, share := range shares {
		amount := fees.ShareOfCents(event.AmountCents, share.SharePct)
		if share.Tier == domain.TierDirect && promoOwner != nil && *promoOwner == share.AffiliateID {
			// The code owner's share funds the buyer discount.
			amount, _ = fees.SplitDiscountShare(amount, promo.DiscountSharePct)
		}
		if amount <= 0 {
			continue
		}

		entry := domain.LedgerEntry{
			ID:            l.newID(),
			AffiliateID:   share.AffiliateID,
			SourceEventID: event.EventID,
			EventType:     event.Type,
			Tier:          share.Tier,
			AmountCents:   amount,
			Status:        domain.LedgerStatusPending,
			AvailableAt:   availableAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		inserted, err := tx.InsertLedgerEntry(ctx, &entry)
		if err != nil {
			return nil, fmt.Errorf("insert ledger entry: %w", err)
		}
		if !inserted {
			continue
		}
		if err := tx.EnqueueEvent(ctx, domain.NotificationExchange, domain.RoutingKeyCommissionCredited, commissionNotification(entry)); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// promoOwner returns the affiliate that issued the event's promo code. A code
// that is unknown, or not a promo code, has no owner and funds no discount.
func (l *Ledger) promoOwner(ctx context.Context, tx store.Tx, event domain.RevenueEvent) (*uuid.UUID, domain.PromoMeta, error) {
	if event.Metadata == nil {
		return nil, domain.PromoMeta{}, nil
	}
	promo := event.Metadata.Promo()
	if !promo.Applied() || !promo.DiscountSharePct.IsPositive() {
		return nil, promo, nil
	}
	code, err := tx.GetReferralCode(ctx, domain.NormalizeCode(promo.Code))
	if errors.Is(err, store.ErrCodeNotFound) {
		l.logger.Warn("promo code on revenue event is unknown", "event_id", event.EventID, "promo_code", promo.Code)
		return nil, promo, nil
	}
	if err != nil {
		return nil, promo, fmt.Errorf("load promo code: %w", err)
	}
	if code.Kind != domain.CodeKindPromo {
		return nil, promo, nil
	}
	return &code.AffiliateID, promo, nil
}

type ledgerSlot struct {
	affiliateID uuid.UUID
	tier        domain.Tier
}

// Reverse offsets the credit recorded for originalEventID. Reversals add up:
// each entry is offset down to its pro rata share of everything reversed so
// far, and once the reversals reach the original gross whatever remains is
// undone. A reversal event offsets an entry at most once.
func (l *Ledger) Reverse(ctx context.Context, tx store.Tx, originalEventID string, reversal domain.RevenueEvent, reason string, now time.Time) ([]domain.LedgerEntry, error) {
	if !reversal.Type.IsReversal() {
		return nil, fmt.Errorf("cannot reverse with %s", reversal.Type)
	}

	snapshot, err := tx.ListEntriesBySource(ctx, originalEventID, false)
	if err != nil {
		return nil, err
	}
	if len(snapshot) == 0 {
		return nil, ErrOriginalNotFound
	}
	if err := tx.LockAffiliates(ctx, affiliateIDs(snapshot)); err != nil {
		return nil, err
	}
	entries, err := tx.ListEntriesBySource(ctx, originalEventID, true)
	if err != nil {
		return nil, err
	}

	var gross int64
	original, err := tx.GetRevenueEvent(ctx, originalEventID)
	switch {
	case err == nil:
		gross = original.AmountCents
	case !errors.Is(err, store.ErrEventNotFound):
		return nil, err
	}

	cumulative, err := l.reversedSoFar(ctx, tx, entries, reversal)
	if err != nil {
		return nil, err
	}
	partial := gross > 0 && cumulative < gross

	offsets := make(map[ledgerSlot][]domain.LedgerEntry)
	for _, entry := range entries {
		if entry.EventType.IsReversal() {
			slot := ledgerSlot{entry.AffiliateID, entry.Tier}
			offsets[slot] = append(offsets[slot], entry)
		}
	}

	var created []domain.LedgerEntry
	for _, credit := range entries {
		if !credit.EventType.IsRevenue() || credit.Status == domain.LedgerStatusReversed {
			continue
		}
		prior := offsets[ledgerSlot{credit.AffiliateID, credit.Tier}]
		if hasReversalEvent(prior, reversal.EventID) {
			continue
		}
		reversed := -domain.SumCents(prior)
		remaining := credit.AmountCents - reversed
		if remaining <= 0 {
			continue
		}
		amount := remaining
		if partial {
			target := fees.ProportionalCents(credit.AmountCents, cumulative, gross)
			amount = min(target-reversed, remaining)
		}
		if amount <= 0 {
			continue
		}

		reversalID := reversal.EventID
		entryReason := reason
		offset := domain.LedgerEntry{
			ID:              l.newID(),
			AffiliateID:     credit.AffiliateID,
			SourceEventID:   originalEventID,
			EventType:       reversal.Type,
			Tier:            credit.Tier,
			AmountCents:     -amount,
			ReversalEventID: &reversalID,
			Reason:          &entryReason,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if credit.Status.Unpaid() && !credit.Claimed() {
			// Settles together with the credit it offsets.
			offset.Status = credit.Status
			offset.AvailableAt = credit.AvailableAt
		} else {
			offset.Status = domain.LedgerStatusAvailable
			offset.AvailableAt = now
			offset.IsDebt = true
		}

		inserted, err := tx.InsertLedgerEntry(ctx, &offset)
		if err != nil {
			return nil, fmt.Errorf("insert reversal entry: %w", err)
		}
		if !inserted {
			continue
		}
		if err := tx.EnqueueEvent(ctx, domain.NotificationExchange, domain.RoutingKeyCommissionReversed, commissionNotification(offset)); err != nil {
			return nil, err
		}
		if offset.IsDebt {
			l.logger.Warn("reversal of paid commission recorded as debt",
				"affiliate_id", offset.AffiliateID, "source_event_id", originalEventID, "amount_cents", offset.AmountCents)
		}
		created = append(created, offset)
	}
	return created, nil
}

// applyOrphans replays reversals that arrived before originalEventID was
// recorded. Each orphan's outcome is updated in the same transaction.
func (l *Ledger) applyOrphans(ctx context.Context, tx store.Tx, originalEventID string, now time.Time) ([]domain.LedgerEntry, error) {
	orphans, err := tx.ListOrphanedReversals(ctx, originalEventID)
	if err != nil {
		return nil, err
	}

	var created []domain.LedgerEntry
	for _, orphan := range orphans {
		entries, err := l.Reverse(ctx, tx, originalEventID, orphan, reversalReason(orphan), now)
		if err != nil && !errors.Is(err, ErrOriginalNotFound) {
			return nil, err
		}
		outcome := domain.EventOutcomeNoCredit
		if len(entries) > 0 {
			outcome = domain.EventOutcomeReversed
		}
		if err := tx.SetRevenueEventOutcome(ctx, orphan.EventID, outcome); err != nil {
			return nil, err
		}
		l.logger.Info("applied orphaned reversal", "event_id", orphan.EventID, "original_event_id", originalEventID, "entries", len(entries))
		created = append(created, entries...)
	}
	return created, nil
}

// VoidResult reports a void of one source event's credit.
type VoidResult struct {
	Voided  []domain.LedgerEntry `json:"voided"`
	Settled int                  `json:"settled"`
}

// Void cancels the unpaid credit of sourceEventID, e.g. after fraud review.
// Each credit moves to REVERSED together with its offsets; credit that is
// paid or claimed by a payout is left alone and counted as settled.
func (l *Ledger) Void(ctx context.Context, sourceEventID, reason string) (VoidResult, error) {
	var result VoidResult
	err := l.repo.WithinTx(ctx, func(tx store.Tx) error {
		result = VoidResult{}
		snapshot, err := tx.ListEntriesBySource(ctx, sourceEventID, false)
		if err != nil {
			return err
		}
		if len(snapshot) == 0 {
			return ErrOriginalNotFound
		}
		if err := tx.LockAffiliates(ctx, affiliateIDs(snapshot)); err != nil {
			return err
		}
		entries, err := tx.ListEntriesBySource(ctx, sourceEventID, true)
		if err != nil {
			return err
		}

		slots := make(map[ledgerSlot][]domain.LedgerEntry)
		var order []ledgerSlot
		for _, entry := range entries {
			slot := ledgerSlot{entry.AffiliateID, entry.Tier}
			if _, ok := slots[slot]; !ok {
				order = append(order, slot)
			}
			slots[slot] = append(slots[slot], entry)
		}

		for _, slot := range order {
			group := slots[slot]
			if !allUnsettled(group) {
				if hasUnsettledCredit(group) {
					result.Settled++
				}
				continue
			}
			ids := domain.EntryIDs(group)
			moved, err := tx.UpdateEntriesStatus(ctx, ids, unsettledStatuses, domain.LedgerStatusReversed)
			if err != nil {
				return err
			}
			if moved != int64(len(ids)) {
				return fmt.Errorf("void entries of %s: %w", sourceEventID, store.ErrStaleTransition)
			}
			for _, entry := range group {
				entry.Status = domain.LedgerStatusReversed
				if err := tx.EnqueueEvent(ctx, domain.NotificationExchange, domain.RoutingKeyCommissionReversed, commissionNotification(entry)); err != nil {
					return err
				}
				result.Voided = append(result.Voided, entry)
			}
		}
		return nil
	})
	if err != nil {
		return VoidResult{}, err
	}
	l.logger.Info("voided commission", "source_event_id", sourceEventID, "reason", reason, "voided", len(result.Voided), "settled", result.Settled)
	return result, nil
}

// ReleaseMatured moves PENDING entries whose hold elapsed to AVAILABLE.
func (l *Ledger) ReleaseMatured(ctx context.Context, now time.Time) (int64, error) {
	return l.repo.ReleaseMaturedEntries(ctx, now)
}

func reversalReason(event domain.RevenueEvent) string {
	return fmt.Sprintf("%s %s of %d cents", event.Type, event.EventID, event.AmountCents)
}

func commissionNotification(entry domain.LedgerEntry) domain.CommissionNotification {
	return domain.CommissionNotification{
		AffiliateID:   entry.AffiliateID,
		SourceEventID: entry.SourceEventID,
		EventType:     entry.EventType,
		Tier:          entry.Tier,
		AmountCents:   entry.AmountCents,
		IsDebt:        entry.IsDebt,
		OccurredAt:    entry.CreatedAt,
	}
}

func affiliateIDs(entries []domain.LedgerEntry) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if !seen[entry.AffiliateID] {
			seen[entry.AffiliateID] = true
			ids = append(ids, entry.AffiliateID)
		}
	}
	return ids
}

// reversedSoFar adds reversal's amount to the amounts of the reversal events
// already applied to entries.
func (l *Ledger) reversedSoFar(ctx context.Context, tx store.Tx, entries []domain.LedgerEntry, reversal domain.RevenueEvent) (int64, error) {
	total := reversal.AmountCents
	seen := map[string]bool{reversal.EventID: true}
	for _, entry := range entries {
		if entry.ReversalEventID == nil || seen[*entry.ReversalEventID] {
			continue
		}
		seen[*entry.ReversalEventID] = true
		applied, err := tx.GetRevenueEvent(ctx, *entry.ReversalEventID)
		if errors.Is(err, store.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += applied.AmountCents
	}
	return total, nil
}

func hasReversalEvent(entries []domain.LedgerEntry, eventID string) bool {
	for _, entry := range entries {
		if entry.ReversalEventID != nil && *entry.ReversalEventID == eventID {
			return true
		}
	}
	return false
}

func hasUnsettledCredit(entries []domain.LedgerEntry) bool {
	for _, entry := range entries {
		if entry.EventType.IsRevenue() && entry.Status.Unpaid() {
			return true
		}
	}
	return false
}

func allUnsettled(entries []domain.LedgerEntry) bool {
	for _, entry := range entries {
		if !entry.Status.Unpaid() || entry.Claimed() {
			return false
		}
	}
	return true
}
