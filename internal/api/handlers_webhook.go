/**
 * @description
 * Stripe webhook transport for revenue and reversal events. Signed Stripe events
 * are translated into the same InboundEvent shape the RabbitMQ consumer and the
 * internal endpoint accept, and handed to the Ingestor.
 *
 * @notes
 * - invoice.paid -> INVOICE_PAID keyed by the invoice id.
 * - payment_intent.succeeded -> ORDER_PAID keyed by the payment intent id.
 *   Intents that belong to an invoice are skipped; invoice.paid already counts them.
 * - charge.refunded -> REFUND and charge.dispute.created -> CHARGEBACK, keyed by
 *   the Stripe event id and pointing at the invoice or payment intent they undo.
 * - Commission metadata (account_id, promo_code, discount_share_pct, has_l2,
 *   tier) travels in the Stripe object's metadata, as returned by the checkout
 *   quote endpoint.
 */
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/localmart/commission-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const maxWebhookBytes = 65536

var errUnsupportedStripeEvent = errors.New("unsupported stripe event")

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.opts.StripeWebhookSecret == "" {
		http.Error(w, "Stripe webhook is not configured", http.StatusServiceUnavailable)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.opts.StripeWebhookSecret)
	if err != nil {
		h.logger.Warn("stripe webhook signature verification failed", "error", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	inbound, err := inboundFromStripeEvent(event)
	if errors.Is(err, errUnsupportedStripeEvent) {
		h.logger.Debug("ignoring stripe event", "stripe_event_id", event.ID, "type", event.Type)
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	}
	if err != nil {
		// Stripe would retry a 4xx forever; a malformed object will not improve.
		h.logger.Error("dropping malformed stripe event", "stripe_event_id", event.ID, "type", event.Type, "error", err)
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	}

	revenueEvent, err := domain.ParseInboundEvent(inbound)
	if err != nil {
		h.logger.Error("dropping invalid stripe revenue event", "stripe_event_id", event.ID, "event_id", inbound.EventID, "error", err)
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	}

	result, err := h.svc.Ingestor.Ingest(r.Context(), revenueEvent)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{"received": true, "outcome": result.Outcome})
}

// inboundFromStripeEvent maps a verified Stripe event onto an InboundEvent.
func inboundFromStripeEvent(event stripe.Event) (domain.InboundEvent, error) {
	if event.Data == nil {
		return domain.InboundEvent{}, fmt.Errorf("stripe event %s has no data", event.ID)
	}
	occurredAt := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return domain.InboundEvent{}, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		return revenueInbound(invoice.ID, domain.EventTypeInvoicePaid, invoice.AmountPaid, customerID(invoice.Customer), invoice.Metadata, occurredAt)

	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return domain.InboundEvent{}, fmt.Errorf("failed to unmarshal payment intent: %w", err)
		}
		if intent.Invoice != nil && intent.Invoice.ID != "" {
			return domain.InboundEvent{}, errUnsupportedStripeEvent
		}
		return revenueInbound(intent.ID, domain.EventTypeOrderPaid, intent.AmountReceived, customerID(intent.Customer), intent.Metadata, occurredAt)

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return domain.InboundEvent{}, fmt.Errorf("failed to unmarshal charge: %w", err)
		}
		original := chargeSource(&charge)
		if original == "" {
			return domain.InboundEvent{}, fmt.Errorf("charge %s has no invoice or payment intent", charge.ID)
		}
		refunded := charge.AmountRefunded - previousAmountRefunded(event.Data)
		if refunded <= 0 {
			return domain.InboundEvent{}, errUnsupportedStripeEvent
		}
		return domain.InboundEvent{
			EventID:         event.ID,
			Type:            string(domain.EventTypeRefund),
			AmountCents:     refunded,
			OriginalEventID: original,
			OccurredAt:      &occurredAt,
		}, nil

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return domain.InboundEvent{}, fmt.Errorf("failed to unmarshal dispute: %w", err)
		}
		original := ""
		if dispute.PaymentIntent != nil {
			original = dispute.PaymentIntent.ID
		}
		if original == "" {
			original = chargeSource(dispute.Charge)
		}
		if original == "" {
			return domain.InboundEvent{}, fmt.Errorf("dispute %s has no payment intent", dispute.ID)
		}
		return domain.InboundEvent{
			EventID:         event.ID,
			Type:            string(domain.EventTypeChargeback),
			AmountCents:     dispute.Amount,
			OriginalEventID: original,
			OccurredAt:      &occurredAt,
		}, nil
	}

	return domain.InboundEvent{}, errUnsupportedStripeEvent
}

func revenueInbound(id string, eventType domain.EventType, amount int64, customer string, metadata map[string]string, occurredAt time.Time) (domain.InboundEvent, error) {
	accountID := strings.TrimSpace(metadata["account_id"])
	if accountID == "" {
		accountID = customer
	}

	meta := domain.InboundMetadata{
		Tier:      metadata["tier"],
		PromoCode: metadata["promo_code"],
	}
	if raw := strings.TrimSpace(metadata["discount_share_pct"]); raw != "" {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.InboundEvent{}, fmt.Errorf("invalid discount_share_pct %q: %w", raw, err)
		}
		meta.DiscountSharePct = &pct
	}
	if raw := strings.TrimSpace(metadata["has_l2"]); raw != "" {
		hasL2, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.InboundEvent{}, fmt.Errorf("invalid has_l2 %q: %w", raw, err)
		}
		meta.HasL2 = &hasL2
	}

	return domain.InboundEvent{
		EventID:     id,
		Type:        string(eventType),
		AccountID:   accountID,
		AmountCents: amount,
		OccurredAt:  &occurredAt,
		Metadata:    meta,
	}, nil
}

// previousAmountRefunded is the charge's refunded total before this event.
// amount_refunded is a running total, so each refund event carries only the
// difference.
func previousAmountRefunded(data *stripe.EventData) int64 {
	if data == nil {
		return 0
	}
	if previous, ok := data.PreviousAttributes["amount_refunded"].(float64); ok {
		return int64(previous)
	}
	return 0
}

// chargeSource is the revenue event a charge belongs to: its invoice when it
// paid one, otherwise its payment intent.
func chargeSource(charge *stripe.Charge) string {
	if charge == nil {
		return ""
	}
	if charge.Invoice != nil && charge.Invoice.ID != "" {
		return charge.Invoice.ID
	}
	if charge.PaymentIntent != nil {
		return charge.PaymentIntent.ID
	}
	return ""
}

func customerID(customer *stripe.Customer) string {
	if customer == nil {
		return ""
	}
	return customer.ID
}
