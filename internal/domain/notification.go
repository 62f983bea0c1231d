package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification routing keys written to the outbox. Delivery is best effort.
const (
	NotificationExchange              = "marketplace.events"
	RoutingKeyCommissionCredited      = "affiliate.commission.credited"
	RoutingKeyCommissionReversed      = "affiliate.commission.reversed"
	RoutingKeyPayoutSent              = "affiliate.payout.sent"
	RoutingKeyPayoutFailed            = "affiliate.payout.failed"
	RoutingKeyUnattributedRevenueSeen = "affiliate.revenue.unattributed"
)

// CommissionNotification is the payload for credited and reversed commission intents.
type CommissionNotification struct {
	AffiliateID   uuid.UUID `json:"affiliate_id"`
	SourceEventID string    `json:"source_event_id"`
	EventType     EventType `json:"event_type"`
	Tier          Tier      `json:"tier"`
	AmountCents   int64     `json:"amount_cents"`
	IsDebt        bool      `json:"is_debt,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PayoutNotification is the payload for payout outcome intents.
type PayoutNotification struct {
	PayoutID    uuid.UUID    `json:"payout_id"`
	AffiliateID uuid.UUID    `json:"affiliate_id"`
	AmountCents int64        `json:"amount_cents"`
	Status      PayoutStatus `json:"status"`
	TransferID  string       `json:"transfer_id,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// UnattributedRevenueNotification flags an event for manual audit.
type UnattributedRevenueNotification struct {
	EventID     string    `json:"event_id"`
	AccountID   string    `json:"account_id"`
	EventType   EventType `json:"event_type"`
	AmountCents int64     `json:"amount_cents"`
	OccurredAt  time.Time `json:"occurred_at"`
}
