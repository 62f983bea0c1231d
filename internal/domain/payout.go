package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutStatus is the state of an affiliate payout batch.
type PayoutStatus string

const (
	PayoutStatusCreated PayoutStatus = "CREATED"
	PayoutStatusSent    PayoutStatus = "SENT"
	PayoutStatusFailed  PayoutStatus = "FAILED"
)

// AffiliatePayout groups the claimed ledger entries of one affiliate into a
// single external transfer. This struct maps to the `affiliate_payouts` table.
type AffiliatePayout struct {
	ID               uuid.UUID    `json:"id"`
	AffiliateID      uuid.UUID    `json:"affiliate_id"`
	AmountCents      int64        `json:"amount_cents"`
	Status           PayoutStatus `json:"status"`
	EntryIDs         []uuid.UUID  `json:"entry_ids"`
	IdempotencyKey   string       `json:"idempotency_key"`
	TransferID       *string      `json:"transfer_id,omitempty"`
	FailureReason    *string      `json:"failure_reason,omitempty"`
	ReconcilePending bool         `json:"reconcile_pending"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// CanTransition reports whether the payout may move to next. A FAILED payout can
// only be resolved again while it still waits for reconciliation.
func (p AffiliatePayout) CanTransition(next PayoutStatus) bool {
	switch p.Status {
	case PayoutStatusCreated:
		return next == PayoutStatusSent || next == PayoutStatusFailed
	case PayoutStatusFailed:
		return p.ReconcilePending && (next == PayoutStatusSent || next == PayoutStatusFailed)
	}
	return false
}

// AwaitingResolution reports whether the outcome of the transfer is still unknown.
func (p AffiliatePayout) AwaitingResolution() bool {
	return p.Status == PayoutStatusCreated || (p.Status == PayoutStatusFailed && p.ReconcilePending)
}
