/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and `Tx`
 * interfaces. Query helpers are written against the small `dbtx` interface so the
 * same SQL runs on the pool and inside a transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: the PostgreSQL driver, pool and transaction handles.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the concrete Repository for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx runs fn in a transaction, committing only when fn returns nil.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return getAffiliate(ctx, r.db, id, false)
}

func (r *PostgresRepository) GetReferralCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	return getReferralCode(ctx, r.db, code)
}

func (r *PostgresRepository) ListReferralCodes(ctx context.Context, affiliateID uuid.UUID) ([]domain.ReferralCode, error) {
	rows, err := r.db.Query(ctx, `
		SELECT code, affiliate_id, kind, discount_share_pct::text, has_l2, retired_at, created_at
		FROM referral_codes
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
	`, affiliateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []domain.ReferralCode
	for rows.Next() {
		code, err := scanReferralCode(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, *code)
	}
	return codes, rows.Err()
}

func (r *PostgresRepository) GetAttribution(ctx context.Context, accountID string) (*domain.Attribution, error) {
	return getAttribution(ctx, r.db, accountID)
}

// postgresTx implements Tx over an open pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return getAffiliate(ctx, t.tx, id, false)
}

func (t *postgresTx) GetAffiliateForUpdate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return getAffiliate(ctx, t.tx, id, true)
}

func (t *postgresTx) LockAffiliates(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	ordered := append([]uuid.UUID(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	rows, err := t.tx.Query(ctx, `
		SELECT id FROM affiliates
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE
	`, uuidStrings(ordered))
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

func (t *postgresTx) CreateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO affiliates (
			id, user_account_id, status, parent_affiliate_id, payout_account_id, onboarding_completed, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, affiliate.ID, affiliate.UserAccountID, affiliate.Status, affiliate.ParentAffiliateID,
		affiliate.PayoutAccountID, affiliate.OnboardingCompleted, affiliate.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAffiliateExists
	}
	return err
}

func (t *postgresTx) UpdateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE affiliates
		SET status = $2,
			parent_affiliate_id = $3,
			payout_account_id = $4,
			onboarding_completed = $5,
			updated_at = $6
		WHERE id = $1
	`, affiliate.ID, affiliate.Status, affiliate.ParentAffiliateID, affiliate.PayoutAccountID,
		affiliate.OnboardingCompleted, affiliate.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

func (t *postgresTx) GetReferralCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	return getReferralCode(ctx, t.tx, code)
}

func (t *postgresTx) CreateReferralCode(ctx context.Context, code *domain.ReferralCode) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO referral_codes (code, affiliate_id, kind, discount_share_pct, has_l2, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, code.Code, code.AffiliateID, code.Kind, code.DiscountSharePct.String(), code.HasL2, code.CreatedAt)
	if isUniqueViolation(err) {
		return ErrCodeExists
	}
	return err
}

func (t *postgresTx) RetireReferralCode(ctx context.Context, code string, retiredAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE referral_codes SET retired_at = $2
		WHERE code = $1 AND retired_at IS NULL
	`, code, retiredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeNotFound
	}
	return nil
}

func (t *postgresTx) GetAttribution(ctx context.Context, accountID string) (*domain.Attribution, error) {
	return getAttribution(ctx, t.tx, accountID)
}

func (t *postgresTx) InsertAttribution(ctx context.Context, attribution *domain.Attribution) (bool, error) {
	tiers, err := marshalTiers(attribution.Tiers)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO attributions (account_id, code, source, tiers, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (account_id) DO NOTHING
	`, attribution.AccountID, attribution.Code, attribution.Source, tiers, attribution.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	return enqueueEventTx(ctx, t.tx, exchange, routingKey, payload)
}

func getAffiliate(ctx context.Context, db dbtx, id uuid.UUID, forUpdate bool) (*domain.Affiliate, error) {
	query := `
		SELECT id, user_account_id, status, parent_affiliate_id, payout_account_id, onboarding_completed, created_at, updated_at
		FROM affiliates
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var affiliate domain.Affiliate
	err := db.QueryRow(ctx, query, id).Scan(
		&affiliate.ID,
		&affiliate.UserAccountID,
		&affiliate.Status,
		&affiliate.ParentAffiliateID,
		&affiliate.PayoutAccountID,
		&affiliate.OnboardingCompleted,
		&affiliate.CreatedAt,
		&affiliate.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &affiliate, nil
}

func getReferralCode(ctx context.Context, db dbtx, code string) (*domain.ReferralCode, error) {
	row := db.QueryRow(ctx, `
		SELECT code, affiliate_id, kind, discount_share_pct::text, has_l2, retired_at, created_at
		FROM referral_codes
		WHERE code = $1
	`, code)
	result, err := scanReferralCode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return result, nil
}

func scanReferralCode(row pgx.Row) (*domain.ReferralCode, error) {
	var (
		code       domain.ReferralCode
		discountPc string
	)
	if err := row.Scan(
		&code.Code,
		&code.AffiliateID,
		&code.Kind,
		&discountPc,
		&code.HasL2,
		&code.RetiredAt,
		&code.CreatedAt,
	); err != nil {
		return nil, err
	}
	pct, err := decimal.NewFromString(discountPc)
	if err != nil {
		return nil, fmt.Errorf("invalid discount share for code %s: %w", code.Code, err)
	}
	code.DiscountSharePct = pct
	return &code, nil
}

func getAttribution(ctx context.Context, db dbtx, accountID string) (*domain.Attribution, error) {
	var (
		attribution domain.Attribution
		tiers       string
	)
	err := db.QueryRow(ctx, `
		SELECT account_id, code, source, tiers::text, created_at
		FROM attributions
		WHERE account_id = $1
	`, accountID).Scan(&attribution.AccountID, &attribution.Code, &attribution.Source, &tiers, &attribution.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttributionNotFound
		}
		return nil, err
	}
	if attribution.Tiers, err = unmarshalTiers([]byte(tiers)); err != nil {
		return nil, fmt.Errorf("invalid attribution tiers for %s: %w", accountID, err)
	}
	return &attribution, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, value := range raw {
		id, err := uuid.Parse(strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func ledgerStatusStrings(statuses []domain.LedgerStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
