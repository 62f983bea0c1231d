package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/localmart/commission-service/internal/domain"
)

const ledgerColumns = `id, affiliate_id, source_event_id, event_type, tier, amount_cents, status, available_at,
	payout_id, reversal_event_id, is_debt, reason, created_at, updated_at`

const payoutColumns = `id, affiliate_id, amount_cents, status, entry_ids::text[], idempotency_key, transfer_id,
	failure_reason, reconcile_pending, created_at, updated_at`

func (t *postgresTx) InsertRevenueEvent(ctx context.Context, event *domain.RevenueEvent) (bool, error) {
	metadata, err := domain.MarshalEventMetadata(event.Metadata)
	if err != nil {
		return false, err
	}
	var original *string
	if event.OriginalEventID != "" {
		original = &event.OriginalEventID
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO revenue_events (event_id, type, account_id, amount_cents, original_event_id, metadata, occurred_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.Type, event.AccountID, event.AmountCents, original, string(metadata), event.OccurredAt, event.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) GetRevenueEvent(ctx context.Context, eventID string) (*domain.RevenueEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT event_id, type, account_id, amount_cents, COALESCE(original_event_id, ''), metadata::text,
			COALESCE(outcome, ''), occurred_at, received_at
		FROM revenue_events
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return nil, err
	}
	events, err := collectRevenueEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return &events[0], nil
}

func (t *postgresTx) SetRevenueEventOutcome(ctx context.Context, eventID string, outcome domain.EventOutcome) error {
	tag, err := t.tx.Exec(ctx, `UPDATE revenue_events SET outcome = $2 WHERE event_id = $1`, eventID, outcome)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (t *postgresTx) ListOrphanedReversals(ctx context.Context, originalEventID string) ([]domain.RevenueEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT event_id, type, account_id, amount_cents, COALESCE(original_event_id, ''), metadata::text,
			COALESCE(outcome, ''), occurred_at, received_at
		FROM revenue_events
		WHERE original_event_id = $1 AND outcome = $2
		ORDER BY received_at, event_id
		FOR UPDATE
	`, originalEventID, domain.EventOutcomeOrphaned)
	if err != nil {
		return nil, err
	}
	return collectRevenueEvents(rows)
}

func collectRevenueEvents(rows pgx.Rows) ([]domain.RevenueEvent, error) {
	defer rows.Close()

	var events []domain.RevenueEvent
	for rows.Next() {
		var (
			event    domain.RevenueEvent
			metadata string
		)
		if err := rows.Scan(
			&event.EventID,
			&event.Type,
			&event.AccountID,
			&event.AmountCents,
			&event.OriginalEventID,
			&metadata,
			&event.Outcome,
			&event.OccurredAt,
			&event.ReceivedAt,
		); err != nil {
			return nil, err
		}
		meta, err := domain.UnmarshalEventMetadata([]byte(metadata))
		if err != nil {
			return nil, fmt.Errorf("invalid metadata on event %s: %w", event.EventID, err)
		}
		event.Metadata = meta
		events = append(events, event)
	}
	return events, rows.Err()
}

func (t *postgresTx) InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO commission_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT ON CONSTRAINT uq_commission_ledger_event DO NOTHING
	`,
		entry.ID,
		entry.AffiliateID,
		entry.SourceEventID,
		entry.EventType,
		entry.Tier,
		entry.AmountCents,
		entry.Status,
		entry.AvailableAt,
		entry.PayoutID,
		entry.ReversalEventID,
		entry.IsDebt,
		entry.Reason,
		entry.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) ListEntriesBySource(ctx context.Context, sourceEventID string, forUpdate bool) ([]domain.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM commission_ledger
		WHERE source_event_id = $1
		ORDER BY created_at, id
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := t.tx.Query(ctx, query, sourceEventID)
	if err != nil {
		return nil, err
	}
	return collectLedgerEntries(rows)
}

func (t *postgresTx) UpdateEntriesStatus(ctx context.Context, ids []uuid.UUID, from []domain.LedgerStatus, to domain.LedgerStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE commission_ledger
		SET status = $3, updated_at = NOW()
		WHERE id = ANY($1::uuid[])
			AND status = ANY($2::text[])
			AND payout_id IS NULL
	`, uuidStrings(ids), ledgerStatusStrings(from), to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) ListPayableEntriesForUpdate(ctx context.Context, affiliateID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM commission_ledger
		WHERE affiliate_id = $1 AND status = $2 AND payout_id IS NULL
		ORDER BY created_at, id
		FOR UPDATE
	`, affiliateID, domain.LedgerStatusAvailable)
	if err != nil {
		return nil, err
	}
	return collectLedgerEntries(rows)
}

func (t *postgresTx) ClaimEntries(ctx context.Context, ids []uuid.UUID, payoutID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE commission_ledger
		SET payout_id = $2, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND status = $3 AND payout_id IS NULL
	`, uuidStrings(ids), payoutID, domain.LedgerStatusAvailable)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) ReleaseClaims(ctx context.Context, payoutID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE commission_ledger
		SET payout_id = NULL, updated_at = NOW()
		WHERE payout_id = $1 AND status = $2
	`, payoutID, domain.LedgerStatusAvailable)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) MarkClaimedEntriesPaid(ctx context.Context, payoutID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE commission_ledger
		SET status = $2, updated_at = NOW()
		WHERE payout_id = $1 AND status = $3
	`, payoutID, domain.LedgerStatusPaid, domain.LedgerStatusAvailable)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) InsertPayout(ctx context.Context, payout *domain.AffiliatePayout) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO affiliate_payouts (
			id, affiliate_id, amount_cents, status, entry_ids, idempotency_key, transfer_id,
			failure_reason, reconcile_pending, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::uuid[], $6, $7, $8, $9, $10, $10)
	`,
		payout.ID,
		payout.AffiliateID,
		payout.AmountCents,
		payout.Status,
		uuidStrings(payout.EntryIDs),
		payout.IdempotencyKey,
		payout.TransferID,
		payout.FailureReason,
		payout.ReconcilePending,
		payout.CreatedAt,
	)
	return err
}

func (t *postgresTx) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (*domain.AffiliatePayout, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM affiliate_payouts
		WHERE id = $1
		FOR UPDATE
	`, id)
	if err != nil {
		return nil, err
	}
	payouts, err := collectPayouts(rows)
	if err != nil {
		return nil, err
	}
	if len(payouts) == 0 {
		return nil, ErrPayoutNotFound
	}
	return &payouts[0], nil
}

func (t *postgresTx) UpdatePayout(ctx context.Context, payout *domain.AffiliatePayout, from domain.PayoutStatus) error {
	var reason *string
	if payout.FailureReason != nil {
		trimmed := truncateReason(*payout.FailureReason)
		reason = &trimmed
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE affiliate_payouts
		SET status = $2,
			transfer_id = $3,
			failure_reason = $4,
			reconcile_pending = $5,
			updated_at = $6
		WHERE id = $1 AND status = $7
	`, payout.ID, payout.Status, payout.TransferID, reason, payout.ReconcilePending, payout.UpdatedAt, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

func collectLedgerEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.AffiliateID,
			&entry.SourceEventID,
			&entry.EventType,
			&entry.Tier,
			&entry.AmountCents,
			&entry.Status,
			&entry.AvailableAt,
			&entry.PayoutID,
			&entry.ReversalEventID,
			&entry.IsDebt,
			&entry.Reason,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func collectPayouts(rows pgx.Rows) ([]domain.AffiliatePayout, error) {
	defer rows.Close()

	var payouts []domain.AffiliatePayout
	for rows.Next() {
		var (
			payout   domain.AffiliatePayout
			entryIDs []string
		)
		if err := rows.Scan(
			&payout.ID,
			&payout.AffiliateID,
			&payout.AmountCents,
			&payout.Status,
			&entryIDs,
			&payout.IdempotencyKey,
			&payout.TransferID,
			&payout.FailureReason,
			&payout.ReconcilePending,
			&payout.CreatedAt,
			&payout.UpdatedAt,
		); err != nil {
			return nil, err
		}
		ids, err := parseUUIDs(entryIDs)
		if err != nil {
			return nil, fmt.Errorf("invalid entry ids on payout %s: %w", payout.ID, err)
		}
		payout.EntryIDs = ids
		payouts = append(payouts, payout)
	}
	return payouts, rows.Err()
}

func (r *PostgresRepository) ReleaseMaturedEntries(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE commission_ledger
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND available_at <= $3 AND payout_id IS NULL
	`, domain.LedgerStatusAvailable, domain.LedgerStatusPending, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]domain.LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 50000 {
		limit = 50000
	}
	var affiliateID *string
	if filter.AffiliateID != nil {
		id := filter.AffiliateID.String()
		affiliateID = &id
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM commission_ledger
		WHERE ($1::uuid IS NULL OR affiliate_id = $1::uuid)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at, id
		LIMIT $4
	`, affiliateID, filter.From, filter.To, limit)
	if err != nil {
		return nil, err
	}
	return collectLedgerEntries(rows)
}

// ListPayoutCandidates returns affiliates holding unclaimed AVAILABLE entries.
func (r *PostgresRepository) ListPayoutCandidates(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT affiliate_id
		FROM commission_ledger
		WHERE status = $1 AND payout_id IS NULL
		ORDER BY affiliate_id
	`, domain.LedgerStatusAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) ListPayoutsAwaitingReconcile(ctx context.Context, staleBefore time.Time, limit int) ([]domain.AffiliatePayout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM affiliate_payouts
		WHERE (status = $1 AND created_at < $2)
			OR (status = $3 AND reconcile_pending AND updated_at < $2)
		ORDER BY created_at
		LIMIT $4
	`, domain.PayoutStatusCreated, staleBefore, domain.PayoutStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

func (r *PostgresRepository) ListPayouts(ctx context.Context, affiliateID *uuid.UUID, limit, offset int) ([]domain.AffiliatePayout, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var filter *string
	if affiliateID != nil {
		id := affiliateID.String()
		filter = &id
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM affiliate_payouts
		WHERE ($1::uuid IS NULL OR affiliate_id = $1::uuid)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

func marshalTiers(tiers []domain.TierShare) (string, error) {
	if tiers == nil {
		tiers = []domain.TierShare{}
	}
	blob, err := json.Marshal(tiers)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func unmarshalTiers(raw []byte) ([]domain.TierShare, error) {
	var tiers []domain.TierShare
	if err := json.Unmarshal(raw, &tiers); err != nil {
		return nil, err
	}
	for _, tier := range tiers {
		if !tier.Tier.Valid() {
			return nil, errors.New("unknown tier " + string(tier.Tier))
		}
	}
	return tiers, nil
}
