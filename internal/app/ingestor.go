/**
 * @description
 * The Ingestor is the single entry point for revenue and reversal events, whether
 * they arrive over RabbitMQ, the internal HTTP endpoint or a Stripe webhook.
 *
 * Key features:
 * - Exactly-once effect: the revenue_events primary key rejects replays inside the
 *   same transaction that writes the ledger, so a crash can never leave a
 *   half-processed event behind.
 * - An optional Redis replay cache short-circuits hot duplicates before the
 *   database is touched. The database remains authoritative.
 * - A revenue event carrying a promo code for an unattributed account attributes
 *   the account on the spot.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/metrics"
	"github.com/localmart/commission-service/internal/store"
)

const messageHandlingTimeout = 30 * time.Second

// ReplayCache remembers event ids that were already processed.
type ReplayCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// IngestResult reports what happened to one event.
type IngestResult struct {
	EventID string               `json:"event_id"`
	Outcome domain.EventOutcome  `json:"outcome"`
	Entries []domain.LedgerEntry `json:"entries"`
}

// Ingestor applies revenue events to the ledger.
type Ingestor struct {
	repo     store.Repository
	resolver *AttributionResolver
	ledger   *Ledger
	cache    ReplayCache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestor creates an Ingestor. cache and m may be nil.
func NewIngestor(repo store.Repository, resolver *AttributionResolver, ledger *Ledger, cache ReplayCache, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		repo:     repo,
		resolver: resolver,
		ledger:   ledger,
		cache:    cache,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes event once. Replays return a DUPLICATE outcome and no entries.
func (i *Ingestor) Ingest(ctx context.Context, event domain.RevenueEvent) (IngestResult, error) {
	result := IngestResult{EventID: event.EventID}

	if i.cache != nil {
		seen, err := i.cache.Seen(ctx, event.EventID)
		if err != nil {
			i.logger.Warn("replay cache lookup failed", "event_id", event.EventID, "error", err)
		} else {
			i.metrics.ObserveReplayCache(seen)
			if seen {
				result.Outcome = domain.EventOutcomeDuplicate
				i.metrics.ObserveEvent(string(event.Type), string(result.Outcome))
				return result, nil
			}
		}
	}

	now := i.now()
	event.ReceivedAt = now
	err := i.repo.WithinTx(ctx, func(tx store.Tx) error {
		inserted, err := tx.InsertRevenueEvent(ctx, &event)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDuplicateEvent
		}

		var outcome domain.EventOutcome
		var entries []domain.LedgerEntry
		if event.Type.IsRevenue() {
			outcome, entries, err = i.applyRevenue(ctx, tx, event, now)
		} else {
			outcome, entries, err = i.applyReversal(ctx, tx, event, now)
		}
		if err != nil {
			return err
		}
		if err := tx.SetRevenueEventOutcome(ctx, event.EventID, outcome); err != nil {
			return err
		}
		result.Outcome = outcome
		result.Entries = entries
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		result.Outcome = domain.EventOutcomeDuplicate
		result.Entries = nil
		i.remember(ctx, event.EventID)
		i.metrics.ObserveEvent(string(event.Type), string(result.Outcome))
		i.logger.Info("duplicate event ignored", "event_id", event.EventID, "type", event.Type)
		return result, nil
	}
	if err != nil {
		i.logger.Error("event ingestion failed", "event_id", event.EventID, "type", event.Type, "error", err)
		return IngestResult{}, err
	}

	i.remember(ctx, event.EventID)
	i.metrics.ObserveEvent(string(event.Type), string(result.Outcome))
	for _, entry := range result.Entries {
		i.metrics.ObserveLedgerEntry(string(entry.EventType), string(entry.Tier), entry.AmountCents)
	}
	i.logger.Info("event ingested", "event_id", event.EventID, "type", event.Type, "outcome", result.Outcome, "entries", len(result.Entries))
	return result, nil
}

func (i *Ingestor) applyRevenue(ctx context.Context, tx store.Tx, event domain.RevenueEvent, now time.Time) (domain.EventOutcome, []domain.LedgerEntry, error) {
	shares, err := i.resolver.resolveTx(ctx, tx, event.AccountID, event.Metadata)
	if errors.Is(err, ErrUnknownAttribution) && event.Metadata != nil && event.Metadata.Promo().Applied() {
		code := event.Metadata.Promo().Code
		_, attrErr := i.resolver.attributeTx(ctx, tx, event.AccountID, code)
		switch {
		case attrErr == nil:
			shares, err = i.resolver.resolveTx(ctx, tx, event.AccountID, event.Metadata)
		case errors.Is(attrErr, store.ErrCodeNotFound), errors.Is(attrErr, ErrCodeInactive), errors.Is(attrErr, ErrSelfReferral):
			i.logger.Warn("promo code on event could not attribute account", "event_id", event.EventID, "code", code, "error", attrErr)
		default:
			return "", nil, attrErr
		}
	}

	var entries []domain.LedgerEntry
	outcome := domain.EventOutcomeNoCredit
	switch {
	case errors.Is(err, ErrUnknownAttribution):
		outcome = domain.EventOutcomeUnattributed
		i.logger.Warn("revenue event has no attribution", "event_id", event.EventID, "account_id", event.AccountID)
		notice := domain.UnattributedRevenueNotification{
			EventID:     event.EventID,
			AccountID:   event.AccountID,
			EventType:   event.Type,
			AmountCents: event.AmountCents,
			OccurredAt:  event.OccurredAt,
		}
		if err := tx.EnqueueEvent(ctx, domain.NotificationExchange, domain.RoutingKeyUnattributedRevenueSeen, notice); err != nil {
			return "", nil, err
		}
	case err != nil:
		return "", nil, err
	default:
		entries, err = i.ledger.Record(ctx, tx, event, shares, now)
		if err != nil {
			return "", nil, err
		}
		if len(entries) > 0 {
			outcome = domain.EventOutcomeCredited
		}
	}

	reversed, err := i.ledger.applyOrphans(ctx, tx, event.EventID, now)
	if err != nil {
		return "", nil, err
	}
	return outcome, append(entries, reversed...), nil
}

func (i *Ingestor) applyReversal(ctx context.Context, tx store.Tx, event domain.RevenueEvent, now time.Time) (domain.EventOutcome, []domain.LedgerEntry, error) {
	entries, err := i.ledger.Reverse(ctx, tx, event.OriginalEventID, event, reversalReason(event), now)
	if errors.Is(err, ErrOriginalNotFound) {
		_, getErr := tx.GetRevenueEvent(ctx, event.OriginalEventID)
		switch {
		case getErr == nil:
			return domain.EventOutcomeNoCredit, nil, nil
		case errors.Is(getErr, store.ErrEventNotFound):
			i.logger.Warn("reversal arrived before its original event", "event_id", event.EventID, "original_event_id", event.OriginalEventID)
			return domain.EventOutcomeOrphaned, nil, nil
		default:
			return "", nil, getErr
		}
	}
	if err != nil {
		return "", nil, err
	}
	if len(entries) == 0 {
		return domain.EventOutcomeNoCredit, nil, nil
	}
	return domain.EventOutcomeReversed, entries, nil
}

func (i *Ingestor) remember(ctx context.Context, eventID string) {
	if i.cache == nil {
		return
	}
	if err := i.cache.Remember(ctx, eventID); err != nil {
		i.logger.Warn("replay cache write failed", "event_id", eventID, "error", err)
	}
}

// HandleMessage is the RabbitMQ delivery handler. Malformed messages are dropped;
// transient failures are requeued by returning false.
func (i *Ingestor) HandleMessage(body []byte) bool {
	var inbound domain.InboundEvent
	if err := json.Unmarshal(body, &inbound); err != nil {
		i.logger.Error("failed to unmarshal revenue event", "error", err)
		return true
	}
	event, err := domain.ParseInboundEvent(inbound)
	if err != nil {
		i.logger.Error("dropping invalid revenue event", "event_id", inbound.EventID, "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageHandlingTimeout)
	defer cancel()
	if _, err := i.Ingest(ctx, event); err != nil {
		return false
	}
	return true
}
