package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/localmart/commission-service/internal/domain"
)

// LifetimeTotalsByTierType sums every ledger row, reversals included, so the
// totals are net of refunds and chargebacks. Voided rows do not count.
func (r *PostgresRepository) LifetimeTotalsByTierType(ctx context.Context, affiliateID uuid.UUID) ([]domain.TierTypeTotal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tier, event_type, COALESCE(SUM(amount_cents), 0)::bigint
		FROM commission_ledger
		WHERE affiliate_id = $1 AND status <> 'REVERSED'
		GROUP BY tier, event_type
		ORDER BY tier, event_type
	`, affiliateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.TierTypeTotal
	for rows.Next() {
		var total domain.TierTypeTotal
		if err := rows.Scan(&total.Tier, &total.EventType, &total.TotalCents); err != nil {
			return nil, err
		}
		totals = append(totals, total)
	}
	return totals, rows.Err()
}

func (r *PostgresRepository) MonthlyTotals(ctx context.Context, affiliateID uuid.UUID, from time.Time) (map[domain.YearMonth]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT EXTRACT(YEAR FROM bucket)::int, EXTRACT(MONTH FROM bucket)::int, total
		FROM (
			SELECT date_trunc('month', created_at AT TIME ZONE 'UTC') AS bucket,
				SUM(amount_cents)::bigint AS total
			FROM commission_ledger
			WHERE affiliate_id = $1 AND created_at >= $2 AND status <> 'REVERSED'
			GROUP BY bucket
		) monthly
	`, affiliateID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[domain.YearMonth]int64)
	for rows.Next() {
		var (
			year, month int
			total       int64
		)
		if err := rows.Scan(&year, &month, &total); err != nil {
			return nil, err
		}
		totals[domain.YearMonth{Year: year, Month: time.Month(month)}] = total
	}
	return totals, rows.Err()
}

func (r *PostgresRepository) Balances(ctx context.Context, affiliateID uuid.UUID) (domain.Balances, error) {
	var balances domain.Balances
	err := r.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount_cents) FILTER (WHERE status = 'PENDING'), 0)::bigint,
			COALESCE(SUM(amount_cents) FILTER (WHERE status = 'AVAILABLE'), 0)::bigint,
			COALESCE(SUM(amount_cents) FILTER (WHERE status = 'PAID'), 0)::bigint,
			COALESCE(SUM(amount_cents) FILTER (WHERE status = 'AVAILABLE' AND is_debt), 0)::bigint
		FROM commission_ledger
		WHERE affiliate_id = $1
	`, affiliateID).Scan(&balances.PendingCents, &balances.AvailableCents, &balances.PaidCents, &balances.DebtCents)
	return balances, err
}

func (r *PostgresRepository) TopPerformers(ctx context.Context, limit int) ([]domain.TopPerformer, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.user_account_id, SUM(l.amount_cents)::bigint AS lifetime
		FROM commission_ledger l
		JOIN affiliates a ON a.id = l.affiliate_id
		WHERE l.status <> 'REVERSED'
		GROUP BY a.id, a.user_account_id
		ORDER BY lifetime DESC, a.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var performers []domain.TopPerformer
	for rows.Next() {
		var performer domain.TopPerformer
		if err := rows.Scan(&performer.AffiliateID, &performer.UserAccountID, &performer.LifetimeTotalCents); err != nil {
			return nil, err
		}
		performers = append(performers, performer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return RankTopPerformers(performers), nil
}

// ClaimOutboxMessages leases a batch of due messages. Rows stuck in processing
// longer than staleAfterSeconds are re-leased.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			message OutboxMessage
			payload string
		)
		if err := rows.Scan(&message.ID, &message.Exchange, &message.RoutingKey, &payload, &message.Attempts); err != nil {
			return nil, err
		}
		message.Payload = []byte(payload)
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
