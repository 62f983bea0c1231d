package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of external event a ledger entry is tied to.
type EventType string

const (
	EventTypeInvoicePaid EventType = "INVOICE_PAID"
	EventTypeOrderPaid   EventType = "ORDER_PAID"
	EventTypeRefund      EventType = "REFUND"
	EventTypeChargeback  EventType = "CHARGEBACK"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t.IsRevenue() || t.IsReversal()
}

// IsRevenue reports whether events of this type create credit.
func (t EventType) IsRevenue() bool {
	return t == EventTypeInvoicePaid || t == EventTypeOrderPaid
}

// IsReversal reports whether events of this type offset earlier credit.
func (t EventType) IsReversal() bool {
	return t == EventTypeRefund || t == EventTypeChargeback
}

// LedgerStatus is the state of a single ledger entry.
type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "PENDING"
	LedgerStatusAvailable LedgerStatus = "AVAILABLE"
	LedgerStatusPaid      LedgerStatus = "PAID"
	LedgerStatusReversed  LedgerStatus = "REVERSED"
)

var ledgerTransitions = map[LedgerStatus][]LedgerStatus{
	LedgerStatusPending:   {LedgerStatusAvailable, LedgerStatusReversed},
	LedgerStatusAvailable: {LedgerStatusPaid, LedgerStatusReversed},
}

// CanTransition reports whether an entry in status s may move to next.
// PAID and REVERSED are terminal.
func (s LedgerStatus) CanTransition(next LedgerStatus) bool {
	for _, allowed := range ledgerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Unpaid reports whether money in this status has not left the platform yet.
func (s LedgerStatus) Unpaid() bool {
	return s == LedgerStatusPending || s == LedgerStatusAvailable
}

// LedgerEntry is the financial unit of record. Rows are append-only; only the
// status (and the payout claim) of a row ever changes.
type LedgerEntry struct {
	ID              uuid.UUID    `json:"id"`
	AffiliateID     uuid.UUID    `json:"affiliate_id"`
	SourceEventID   string       `json:"source_event_id"`
	EventType       EventType    `json:"event_type"`
	Tier            Tier         `json:"tier"`
	AmountCents     int64        `json:"amount_cents"`
	Status          LedgerStatus `json:"status"`
	AvailableAt     time.Time    `json:"available_at"`
	PayoutID        *uuid.UUID   `json:"payout_id,omitempty"`
	ReversalEventID *string      `json:"reversal_event_id,omitempty"`
	IsDebt          bool         `json:"is_debt"`
	Reason          *string      `json:"reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Claimed reports whether an in-flight payout holds this entry.
func (e LedgerEntry) Claimed() bool {
	return e.PayoutID != nil
}

// Payable reports whether the entry may be picked up by a new payout.
func (e LedgerEntry) Payable() bool {
	return e.Status == LedgerStatusAvailable && !e.Claimed()
}

// LedgerKey is the uniqueness key that makes recording idempotent. Credits
// have an empty ReversalEventID; each reversal event offsets a credit once.
type LedgerKey struct {
	SourceEventID   string
	AffiliateID     uuid.UUID
	Tier            Tier
	EventType       EventType
	ReversalEventID string
}

// Key returns the entry's uniqueness key.
func (e LedgerEntry) Key() LedgerKey {
	key := LedgerKey{
		SourceEventID: e.SourceEventID,
		AffiliateID:   e.AffiliateID,
		Tier:          e.Tier,
		EventType:     e.EventType,
	}
	if e.ReversalEventID != nil {
		key.ReversalEventID = *e.ReversalEventID
	}
	return key
}

// SumCents adds up the signed amounts of entries.
func SumCents(entries []LedgerEntry) int64 {
	var total int64
	for _, entry := range entries {
		total += entry.AmountCents
	}
	return total
}

// EntryIDs returns the ids of entries in order.
func EntryIDs(entries []LedgerEntry) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}
