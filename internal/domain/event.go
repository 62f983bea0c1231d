package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidEvent is returned when an inbound event fails boundary validation.
	ErrInvalidEvent = errors.New("invalid revenue event")

	validate = validator.New()

	hundred = decimal.NewFromInt(100)
)

// Routing keys the payment collaborator publishes revenue and reversal events on.
const (
	RoutingKeyInvoicePaid       = "payment.invoice.paid"
	RoutingKeyOrderPaid         = "payment.order.paid"
	RoutingKeyRefundCreated     = "payment.refund.created"
	RoutingKeyChargebackCreated = "payment.chargeback.created"
)

// InboundRoutingKeys lists every routing key the ingestion queue binds.
func InboundRoutingKeys() []string {
	return []string{RoutingKeyInvoicePaid, RoutingKeyOrderPaid, RoutingKeyRefundCreated, RoutingKeyChargebackCreated}
}

// InboundEvent is the wire shape of a revenue or reversal event emitted by the
// payment collaborator. It is never used past the ingestion boundary.
type InboundEvent struct {
	EventID         string          `json:"event_id" validate:"required,max=255"`
	Type            string          `json:"type" validate:"required,oneof=INVOICE_PAID ORDER_PAID REFUND CHARGEBACK"`
	AccountID       string          `json:"account_id" validate:"max=255"`
	AmountCents     int64           `json:"amount_cents" validate:"gte=0"`
	OriginalEventID string          `json:"original_event_id,omitempty" validate:"max=255"`
	OccurredAt      *time.Time      `json:"occurred_at,omitempty"`
	Metadata        InboundMetadata `json:"metadata"`
}

// InboundMetadata is the loosely-typed metadata block of an inbound event.
type InboundMetadata struct {
	Tier             string           `json:"tier,omitempty" validate:"omitempty,oneof=DIRECT SUB PARENT"`
	PromoCode        string           `json:"promo_code,omitempty" validate:"max=64"`
	DiscountSharePct *decimal.Decimal `json:"discount_share_pct,omitempty"`
	HasL2            *bool            `json:"has_l2,omitempty"`
}

// EventMetadata is the closed set of metadata variants a revenue event can carry.
// The variant caps how deep into the attribution chain the event is commissionable.
type EventMetadata interface {
	Tier() Tier
	// MaxChainIndex is the deepest attribution chain position this event credits.
	MaxChainIndex() int
	Promo() PromoMeta
	isEventMetadata()
}

// PromoMeta records the promo code applied at checkout, so commission can be
// computed later without reading the (possibly rotated) code again.
type PromoMeta struct {
	Code             string          `json:"promo_code,omitempty"`
	DiscountSharePct decimal.Decimal `json:"discount_share_pct"`
	HasL2            bool            `json:"has_l2"`
}

// Applied reports whether a promo code was used.
func (p PromoMeta) Applied() bool {
	return p.Code != ""
}

// DirectMeta credits only the selling affiliate.
type DirectMeta struct{ PromoMeta }

// SubMeta credits the selling affiliate and its first upline position.
type SubMeta struct{ PromoMeta }

// ParentMeta credits the whole stored chain. It is the default variant.
type ParentMeta struct{ PromoMeta }

func (DirectMeta) Tier() Tier         { return TierDirect }
func (DirectMeta) MaxChainIndex() int { return 0 }
func (m DirectMeta) Promo() PromoMeta { return m.PromoMeta }
func (DirectMeta) isEventMetadata()   {}

func (SubMeta) Tier() Tier         { return TierSub }
func (SubMeta) MaxChainIndex() int { return 1 }
func (m SubMeta) Promo() PromoMeta { return m.PromoMeta }
func (SubMeta) isEventMetadata()   {}

func (ParentMeta) Tier() Tier         { return TierParent }
func (ParentMeta) MaxChainIndex() int { return 2 }
func (m ParentMeta) Promo() PromoMeta { return m.PromoMeta }
func (ParentMeta) isEventMetadata()   {}

// NewEventMetadata builds the variant for tier. An empty tier selects ParentMeta.
func NewEventMetadata(tier Tier, promo PromoMeta) (EventMetadata, error) {
	switch tier {
	case TierDirect:
		return DirectMeta{promo}, nil
	case TierSub:
		return SubMeta{promo}, nil
	case TierParent, "":
		return ParentMeta{promo}, nil
	}
	return nil, fmt.Errorf("%w: unknown metadata tier %q", ErrInvalidEvent, tier)
}

type storedMetadata struct {
	Tier Tier `json:"tier"`
	PromoMeta
}

// MarshalEventMetadata encodes metadata for persistence on the revenue event row.
func MarshalEventMetadata(meta EventMetadata) ([]byte, error) {
	if meta == nil {
		meta = ParentMeta{}
	}
	return json.Marshal(storedMetadata{Tier: meta.Tier(), PromoMeta: meta.Promo()})
}

// UnmarshalEventMetadata decodes metadata written by MarshalEventMetadata.
func UnmarshalEventMetadata(raw []byte) (EventMetadata, error) {
	if len(raw) == 0 {
		return ParentMeta{}, nil
	}
	var stored storedMetadata
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	return NewEventMetadata(stored.Tier, stored.PromoMeta)
}

// EventOutcome records what ingestion did with an event.
type EventOutcome string

const (
	EventOutcomeCredited     EventOutcome = "CREDITED"
	EventOutcomeUnattributed EventOutcome = "UNATTRIBUTED"
	EventOutcomeReversed     EventOutcome = "REVERSED"
	EventOutcomeNoCredit     EventOutcome = "NO_CREDIT"
	EventOutcomeOrphaned     EventOutcome = "ORPHANED"
	EventOutcomeDuplicate    EventOutcome = "DUPLICATE"
)

// RevenueEvent is a validated inbound event. It maps to the `revenue_events` table,
// whose primary key is the dedupe guard.
type RevenueEvent struct {
	EventID         string        `json:"event_id"`
	Type            EventType     `json:"type"`
	AccountID       string        `json:"account_id"`
	AmountCents     int64         `json:"amount_cents"`
	OriginalEventID string        `json:"original_event_id,omitempty"`
	Metadata        EventMetadata `json:"-"`
	Outcome         EventOutcome  `json:"outcome,omitempty"`
	OccurredAt      time.Time     `json:"occurred_at"`
	ReceivedAt      time.Time     `json:"received_at"`
}

// ParseInboundEvent validates an inbound event and converts it into a RevenueEvent.
func ParseInboundEvent(in InboundEvent) (RevenueEvent, error) {
	in.EventID = strings.TrimSpace(in.EventID)
	in.AccountID = strings.TrimSpace(in.AccountID)
	in.OriginalEventID = strings.TrimSpace(in.OriginalEventID)
	in.Type = strings.ToUpper(strings.TrimSpace(in.Type))
	in.Metadata.Tier = strings.ToUpper(strings.TrimSpace(in.Metadata.Tier))

	if err := validate.Struct(in); err != nil {
		return RevenueEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	eventType := EventType(in.Type)
	if eventType.IsRevenue() && in.AccountID == "" {
		return RevenueEvent{}, fmt.Errorf("%w: account_id is required for %s", ErrInvalidEvent, eventType)
	}
	if eventType.IsReversal() && in.OriginalEventID == "" {
		return RevenueEvent{}, fmt.Errorf("%w: original_event_id is required for %s", ErrInvalidEvent, eventType)
	}
	if in.OriginalEventID != "" && in.OriginalEventID == in.EventID {
		return RevenueEvent{}, fmt.Errorf("%w: event cannot reverse itself", ErrInvalidEvent)
	}

	promo := PromoMeta{Code: NormalizeCode(in.Metadata.PromoCode)}
	if in.Metadata.DiscountSharePct != nil {
		pct := *in.Metadata.DiscountSharePct
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return RevenueEvent{}, fmt.Errorf("%w: discount_share_pct must be within [0, 100]", ErrInvalidEvent)
		}
		promo.DiscountSharePct = pct
	}
	if in.Metadata.HasL2 != nil {
		promo.HasL2 = *in.Metadata.HasL2
	}
	if !promo.Applied() && !promo.DiscountSharePct.IsZero() {
		return RevenueEvent{}, fmt.Errorf("%w: discount_share_pct requires promo_code", ErrInvalidEvent)
	}

	meta, err := NewEventMetadata(Tier(in.Metadata.Tier), promo)
	if err != nil {
		return RevenueEvent{}, err
	}

	occurredAt := time.Now().UTC()
	if in.OccurredAt != nil && !in.OccurredAt.IsZero() {
		occurredAt = in.OccurredAt.UTC()
	}

	return RevenueEvent{
		EventID:         in.EventID,
		Type:            eventType,
		AccountID:       in.AccountID,
		AmountCents:     in.AmountCents,
		OriginalEventID: in.OriginalEventID,
		Metadata:        meta,
		OccurredAt:      occurredAt,
	}, nil
}
