/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, the contract for all data
 * access performed by the commission-service. Ledger-mutating operations run inside
 * `WithinTx`, so a multi-tier credit, a reversal or a payout claim is either fully
 * written or not written at all.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
)

var (
	ErrAffiliateNotFound   = errors.New("affiliate not found")
	ErrCodeNotFound        = errors.New("referral code not found")
	ErrCodeExists          = errors.New("referral code already exists")
	ErrAffiliateExists     = errors.New("affiliate already exists for user account")
	ErrAttributionNotFound = errors.New("attribution not found")
	ErrEventNotFound       = errors.New("revenue event not found")
	ErrPayoutNotFound      = errors.New("payout not found")
	// ErrStaleTransition is returned when a guarded status update matched no row,
	// meaning another writer moved the record first.
	ErrStaleTransition = errors.New("record changed concurrently")
)

// OutboxMessage is one notification intent waiting for delivery.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// LedgerFilter narrows ledger history reads for exports and admin views.
type LedgerFilter struct {
	AffiliateID *uuid.UUID
	From        *time.Time
	To          *time.Time
	Limit       int
}

// Tx exposes the primitives available inside a single database transaction.
type Tx interface {
	// Affiliates
	GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error)
	GetAffiliateForUpdate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error)
	// LockAffiliates takes row locks in ascending id order so concurrent writers
	// touching the same affiliates never deadlock.
	LockAffiliates(ctx context.Context, ids []uuid.UUID) error
	CreateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error
	UpdateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error

	// Referral codes
	GetReferralCode(ctx context.Context, code string) (*domain.ReferralCode, error)
	CreateReferralCode(ctx context.Context, code *domain.ReferralCode) error
	RetireReferralCode(ctx context.Context, code string, retiredAt time.Time) error

	// Attribution
	GetAttribution(ctx context.Context, accountID string) (*domain.Attribution, error)
	// InsertAttribution reports false when the account was already attributed.
	InsertAttribution(ctx context.Context, attribution *domain.Attribution) (bool, error)

	// Revenue events
	// InsertRevenueEvent reports false when the event id was seen before.
	InsertRevenueEvent(ctx context.Context, event *domain.RevenueEvent) (bool, error)
	GetRevenueEvent(ctx context.Context, eventID string) (*domain.RevenueEvent, error)
	SetRevenueEventOutcome(ctx context.Context, eventID string, outcome domain.EventOutcome) error
	ListOrphanedReversals(ctx context.Context, originalEventID string) ([]domain.RevenueEvent, error)

	// Ledger
	// InsertLedgerEntry reports false when the entry's LedgerKey already exists.
	InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error)
	ListEntriesBySource(ctx context.Context, sourceEventID string, forUpdate bool) ([]domain.LedgerEntry, error)
	// UpdateEntriesStatus moves the given unclaimed entries to `to` when their
	// current status is in `from`, returning the number of rows moved.
	UpdateEntriesStatus(ctx context.Context, ids []uuid.UUID, from []domain.LedgerStatus, to domain.LedgerStatus) (int64, error)
	ListPayableEntriesForUpdate(ctx context.Context, affiliateID uuid.UUID) ([]domain.LedgerEntry, error)
	ClaimEntries(ctx context.Context, ids []uuid.UUID, payoutID uuid.UUID) (int64, error)
	ReleaseClaims(ctx context.Context, payoutID uuid.UUID) (int64, error)
	MarkClaimedEntriesPaid(ctx context.Context, payoutID uuid.UUID) (int64, error)

	// Payouts
	InsertPayout(ctx context.Context, payout *domain.AffiliatePayout) error
	GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (*domain.AffiliatePayout, error)
	// UpdatePayout persists a transition guarded by the payout's previous status.
	UpdatePayout(ctx context.Context, payout *domain.AffiliatePayout, from domain.PayoutStatus) error

	// Outbox
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Repository defines pool-level reads and the transaction boundary.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error)
	GetReferralCode(ctx context.Context, code string) (*domain.ReferralCode, error)
	ListReferralCodes(ctx context.Context, affiliateID uuid.UUID) ([]domain.ReferralCode, error)
	GetAttribution(ctx context.Context, accountID string) (*domain.Attribution, error)

	// ReleaseMaturedEntries moves PENDING entries whose hold elapsed to AVAILABLE.
	ReleaseMaturedEntries(ctx context.Context, now time.Time) (int64, error)
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]domain.LedgerEntry, error)

	ListPayoutCandidates(ctx context.Context) ([]uuid.UUID, error)
	// ListPayoutsAwaitingReconcile returns CREATED payouts created before staleBefore
	// and reconcile-pending FAILED payouts last touched before it.
	ListPayoutsAwaitingReconcile(ctx context.Context, staleBefore time.Time, limit int) ([]domain.AffiliatePayout, error)
	ListPayouts(ctx context.Context, affiliateID *uuid.UUID, limit, offset int) ([]domain.AffiliatePayout, error)

	LifetimeTotalsByTierType(ctx context.Context, affiliateID uuid.UUID) ([]domain.TierTypeTotal, error)
	MonthlyTotals(ctx context.Context, affiliateID uuid.UUID, from time.Time) (map[domain.YearMonth]int64, error)
	Balances(ctx context.Context, affiliateID uuid.UUID) (domain.Balances, error)
	TopPerformers(ctx context.Context, limit int) ([]domain.TopPerformer, error)

	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// RankTopPerformers assigns 1-based ranks to rows already ordered by lifetime
// total descending. Equal totals share a rank.
func RankTopPerformers(rows []domain.TopPerformer) []domain.TopPerformer {
	for i := range rows {
		switch {
		case i == 0:
			rows[i].Rank = 1
		case rows[i].LifetimeTotalCents == rows[i-1].LifetimeTotalCents:
			rows[i].Rank = rows[i-1].Rank
		default:
			rows[i].Rank = i + 1
		}
	}
	return rows
}

const maxReasonBytes = 2000

// truncateReason caps reason at maxReasonBytes without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonBytes {
		return reason
	}
	cut := maxReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
