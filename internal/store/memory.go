package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
)

// MemoryRepository is an in-process Repository backing the app and api unit
// and concurrency tests. Transactions are serialized by a single mutex and
// roll back by restoring a snapshot, so every WithinTx call behaves like
// SERIALIZABLE.
// Repository methods must not be called from inside a WithinTx callback.
type MemoryRepository struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time
}

type memoryOutbox struct {
	message       OutboxMessage
	status        string
	nextAttemptAt time.Time
	lastError     string
}

type memoryState struct {
	affiliates   map[uuid.UUID]domain.Affiliate
	codes        map[string]domain.ReferralCode
	attributions map[string]domain.Attribution
	events       map[string]domain.RevenueEvent
	entries      map[uuid.UUID]domain.LedgerEntry
	entryKeys    map[domain.LedgerKey]uuid.UUID
	entryOrder   []uuid.UUID
	payouts      map[uuid.UUID]domain.AffiliatePayout
	outbox       []memoryOutbox
	outboxSeq    int64
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: memoryState{
			affiliates:   make(map[uuid.UUID]domain.Affiliate),
			codes:        make(map[string]domain.ReferralCode),
			attributions: make(map[string]domain.Attribution),
			events:       make(map[string]domain.RevenueEvent),
			entries:      make(map[uuid.UUID]domain.LedgerEntry),
			entryKeys:    make(map[domain.LedgerKey]uuid.UUID),
			payouts:      make(map[uuid.UUID]domain.AffiliatePayout),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		affiliates:   make(map[uuid.UUID]domain.Affiliate, len(s.affiliates)),
		codes:        make(map[string]domain.ReferralCode, len(s.codes)),
		attributions: make(map[string]domain.Attribution, len(s.attributions)),
		events:       make(map[string]domain.RevenueEvent, len(s.events)),
		entries:      make(map[uuid.UUID]domain.LedgerEntry, len(s.entries)),
		entryKeys:    make(map[domain.LedgerKey]uuid.UUID, len(s.entryKeys)),
		entryOrder:   append([]uuid.UUID(nil), s.entryOrder...),
		payouts:      make(map[uuid.UUID]domain.AffiliatePayout, len(s.payouts)),
		outbox:       append([]memoryOutbox(nil), s.outbox...),
		outboxSeq:    s.outboxSeq,
	}
	for k, v := range s.affiliates {
		out.affiliates[k] = v
	}
	for k, v := range s.codes {
		out.codes[k] = v
	}
	for k, v := range s.attributions {
		out.attributions[k] = v
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	for k, v := range s.entryKeys {
		out.entryKeys[k] = v
	}
	for k, v := range s.payouts {
		out.payouts[k] = v
	}
	return out
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.state.clone()
	if err := fn(&memoryTx{state: &r.state, now: r.now}); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *MemoryRepository) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.affiliate(id)
}

func (r *MemoryRepository) GetReferralCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.code(code)
}

func (r *MemoryRepository) ListReferralCodes(ctx context.Context, affiliateID uuid.UUID) ([]domain.ReferralCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var codes []domain.ReferralCode
	for _, code := range r.state.codes {
		if code.AffiliateID == affiliateID {
			codes = append(codes, code)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].CreatedAt.After(codes[j].CreatedAt) })
	return codes, nil
}

func (r *MemoryRepository) GetAttribution(ctx context.Context, accountID string) (*domain.Attribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.attribution(accountID)
}

func (r *MemoryRepository) ReleaseMaturedEntries(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var moved int64
	for _, id := range r.state.entryOrder {
		entry := r.state.entries[id]
		if entry.Status == domain.LedgerStatusPending && !entry.AvailableAt.After(now) && entry.PayoutID == nil {
			entry.Status = domain.LedgerStatusAvailable
			entry.UpdatedAt = r.now()
			r.state.entries[id] = entry
			moved++
		}
	}
	return moved, nil
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []domain.LedgerEntry
	for _, id := range r.state.entryOrder {
		entry := r.state.entries[id]
		if filter.AffiliateID != nil && entry.AffiliateID != *filter.AffiliateID {
			continue
		}
		if filter.From != nil && entry.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !entry.CreatedAt.Before(*filter.To) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) == filter.Limit {
			break
		}
	}
	return entries, nil
}

func (r *MemoryRepository) ListPayoutCandidates(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, id := range r.state.entryOrder {
		entry := r.state.entries[id]
		if !entry.Payable() {
			continue
		}
		if _, ok := seen[entry.AffiliateID]; ok {
			continue
		}
		seen[entry.AffiliateID] = struct{}{}
		ids = append(ids, entry.AffiliateID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (r *MemoryRepository) ListPayoutsAwaitingReconcile(ctx context.Context, staleBefore time.Time, limit int) ([]domain.AffiliatePayout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var payouts []domain.AffiliatePayout
	for _, payout := range r.state.payouts {
		stale := payout.Status == domain.PayoutStatusCreated && payout.CreatedAt.Before(staleBefore)
		pending := payout.Status == domain.PayoutStatusFailed && payout.ReconcilePending && payout.UpdatedAt.Before(staleBefore)
		if stale || pending {
			payouts = append(payouts, payout)
		}
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].CreatedAt.Before(payouts[j].CreatedAt) })
	if limit > 0 && len(payouts) > limit {
		payouts = payouts[:limit]
	}
	return payouts, nil
}

func (r *MemoryRepository) ListPayouts(ctx context.Context, affiliateID *uuid.UUID, limit, offset int) ([]domain.AffiliatePayout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var payouts []domain.AffiliatePayout
	for _, payout := range r.state.payouts {
		if affiliateID == nil || payout.AffiliateID == *affiliateID {
			payouts = append(payouts, payout)
		}
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].CreatedAt.After(payouts[j].CreatedAt) })
	if offset > len(payouts) {
		return nil, nil
	}
	payouts = payouts[offset:]
	if limit > 0 && len(payouts) > limit {
		payouts = payouts[:limit]
	}
	return payouts, nil
}

func (r *MemoryRepository) LifetimeTotalsByTierType(ctx context.Context, affiliateID uuid.UUID) ([]domain.TierTypeTotal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct {
		tier      domain.Tier
		eventType domain.EventType
	}
	sums := make(map[key]int64)
	for _, entry := range r.state.entries {
		if entry.AffiliateID == affiliateID && entry.Status != domain.LedgerStatusReversed {
			sums[key{entry.Tier, entry.EventType}] += entry.AmountCents
		}
	}
	totals := make([]domain.TierTypeTotal, 0, len(sums))
	for k, total := range sums {
		totals = append(totals, domain.TierTypeTotal{Tier: k.tier, EventType: k.eventType, TotalCents: total})
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Tier != totals[j].Tier {
			return totals[i].Tier < totals[j].Tier
		}
		return totals[i].EventType < totals[j].EventType
	})
	return totals, nil
}

func (r *MemoryRepository) MonthlyTotals(ctx context.Context, affiliateID uuid.UUID, from time.Time) (map[domain.YearMonth]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals := make(map[domain.YearMonth]int64)
	for _, entry := range r.state.entries {
		if entry.AffiliateID == affiliateID && !entry.CreatedAt.Before(from) && entry.Status != domain.LedgerStatusReversed {
			totals[domain.YearMonthOf(entry.CreatedAt)] += entry.AmountCents
		}
	}
	return totals, nil
}

func (r *MemoryRepository) Balances(ctx context.Context, affiliateID uuid.UUID) (domain.Balances, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var balances domain.Balances
	for _, entry := range r.state.entries {
		if entry.AffiliateID != affiliateID {
			continue
		}
		switch entry.Status {
		case domain.LedgerStatusPending:
			balances.PendingCents += entry.AmountCents
		case domain.LedgerStatusAvailable:
			balances.AvailableCents += entry.AmountCents
			if entry.IsDebt {
				balances.DebtCents += entry.AmountCents
			}
		case domain.LedgerStatusPaid:
			balances.PaidCents += entry.AmountCents
		}
	}
	return balances, nil
}

func (r *MemoryRepository) TopPerformers(ctx context.Context, limit int) ([]domain.TopPerformer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sums := make(map[uuid.UUID]int64)
	for _, entry := range r.state.entries {
		if entry.Status != domain.LedgerStatusReversed {
			sums[entry.AffiliateID] += entry.AmountCents
		}
	}
	performers := make([]domain.TopPerformer, 0, len(sums))
	for id, total := range sums {
		performers = append(performers, domain.TopPerformer{
			AffiliateID:        id,
			UserAccountID:      r.state.affiliates[id].UserAccountID,
			LifetimeTotalCents: total,
		})
	}
	sort.Slice(performers, func(i, j int) bool {
		if performers[i].LifetimeTotalCents != performers[j].LifetimeTotalCents {
			return performers[i].LifetimeTotalCents > performers[j].LifetimeTotalCents
		}
		return performers[i].AffiliateID.String() < performers[j].AffiliateID.String()
	})
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if len(performers) > limit {
		performers = performers[:limit]
	}
	return RankTopPerformers(performers), nil
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := r.now()
	var claimed []OutboxMessage
	for i := range r.state.outbox {
		item := &r.state.outbox[i]
		if item.status != "pending" || item.nextAttemptAt.After(now) {
			continue
		}
		item.status = "processing"
		item.message.Attempts++
		claimed = append(claimed, item.message)
		if len(claimed) == limit {
			break
		}
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item := r.state.outboxItem(id); item != nil {
		item.status = "published"
		item.lastError = ""
	}
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item := r.state.outboxItem(id); item != nil {
		if retryAfterSeconds < 1 {
			retryAfterSeconds = 1
		}
		item.status = "pending"
		item.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
		item.lastError = truncateReason(reason)
	}
	return nil
}

// LedgerEntries returns every entry in insertion order.
func (r *MemoryRepository) LedgerEntries() []domain.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]domain.LedgerEntry, 0, len(r.state.entryOrder))
	for _, id := range r.state.entryOrder {
		entries = append(entries, r.state.entries[id])
	}
	return entries
}

// Payout returns a stored payout by id.
func (r *MemoryRepository) Payout(id uuid.UUID) (domain.AffiliatePayout, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payout, ok := r.state.payouts[id]
	return payout, ok
}

// RevenueEvent returns a stored revenue event by id.
func (r *MemoryRepository) RevenueEvent(eventID string) (domain.RevenueEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.state.events[eventID]
	return event, ok
}

// OutboxRoutingKeys lists the routing keys of every enqueued message in order.
func (r *MemoryRepository) OutboxRoutingKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.state.outbox))
	for _, item := range r.state.outbox {
		keys = append(keys, item.message.RoutingKey)
	}
	return keys
}

func (s *memoryState) affiliate(id uuid.UUID) (*domain.Affiliate, error) {
	affiliate, ok := s.affiliates[id]
	if !ok {
		return nil, ErrAffiliateNotFound
	}
	return &affiliate, nil
}

func (s *memoryState) code(code string) (*domain.ReferralCode, error) {
	found, ok := s.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return &found, nil
}

func (s *memoryState) attribution(accountID string) (*domain.Attribution, error) {
	attribution, ok := s.attributions[accountID]
	if !ok {
		return nil, ErrAttributionNotFound
	}
	attribution.Tiers = append([]domain.TierShare(nil), attribution.Tiers...)
	return &attribution, nil
}

func (s *memoryState) outboxItem(id int64) *memoryOutbox {
	for i := range s.outbox {
		if s.outbox[i].message.ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}

// memoryTx applies writes directly to the live state; WithinTx restores the
// snapshot when the callback fails.
type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return t.state.affiliate(id)
}

func (t *memoryTx) GetAffiliateForUpdate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return t.state.affiliate(id)
}

func (t *memoryTx) LockAffiliates(ctx context.Context, ids []uuid.UUID) error {
	return nil
}

func (t *memoryTx) CreateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error {
	for _, existing := range t.state.affiliates {
		if existing.UserAccountID == affiliate.UserAccountID {
			return ErrAffiliateExists
		}
	}
	stored := *affiliate
	stored.UpdatedAt = stored.CreatedAt
	t.state.affiliates[affiliate.ID] = stored
	return nil
}

func (t *memoryTx) UpdateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error {
	if _, ok := t.state.affiliates[affiliate.ID]; !ok {
		return ErrAffiliateNotFound
	}
	t.state.affiliates[affiliate.ID] = *affiliate
	return nil
}

func (t *memoryTx) GetReferralCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	return t.state.code(code)
}

func (t *memoryTx) CreateReferralCode(ctx context.Context, code *domain.ReferralCode) error {
	if _, ok := t.state.codes[code.Code]; ok {
		return ErrCodeExists
	}
	t.state.codes[code.Code] = *code
	return nil
}

func (t *memoryTx) RetireReferralCode(ctx context.Context, code string, retiredAt time.Time) error {
	found, ok := t.state.codes[code]
	if !ok || found.Retired() {
		return ErrCodeNotFound
	}
	found.RetiredAt = &retiredAt
	t.state.codes[code] = found
	return nil
}

func (t *memoryTx) GetAttribution(ctx context.Context, accountID string) (*domain.Attribution, error) {
	return t.state.attribution(accountID)
}

func (t *memoryTx) InsertAttribution(ctx context.Context, attribution *domain.Attribution) (bool, error) {
	if _, ok := t.state.attributions[attribution.AccountID]; ok {
		return false, nil
	}
	stored := *attribution
	stored.Tiers = append([]domain.TierShare(nil), attribution.Tiers...)
	t.state.attributions[attribution.AccountID] = stored
	return true, nil
}

func (t *memoryTx) InsertRevenueEvent(ctx context.Context, event *domain.RevenueEvent) (bool, error) {
	if _, ok := t.state.events[event.EventID]; ok {
		return false, nil
	}
	t.state.events[event.EventID] = *event
	return true, nil
}

func (t *memoryTx) GetRevenueEvent(ctx context.Context, eventID string) (*domain.RevenueEvent, error) {
	event, ok := t.state.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &event, nil
}

func (t *memoryTx) SetRevenueEventOutcome(ctx context.Context, eventID string, outcome domain.EventOutcome) error {
	event, ok := t.state.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	event.Outcome = outcome
	t.state.events[eventID] = event
	return nil
}

func (t *memoryTx) ListOrphanedReversals(ctx context.Context, originalEventID string) ([]domain.RevenueEvent, error) {
	var events []domain.RevenueEvent
	for _, event := range t.state.events {
		if event.OriginalEventID == originalEventID && event.Outcome == domain.EventOutcomeOrphaned {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].ReceivedAt.Before(events[j].ReceivedAt)
		}
		return events[i].EventID < events[j].EventID
	})
	return events, nil
}

func (t *memoryTx) InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	key := entry.Key()
	if _, ok := t.state.entryKeys[key]; ok {
		return false, nil
	}
	stored := *entry
	stored.UpdatedAt = stored.CreatedAt
	t.state.entries[entry.ID] = stored
	t.state.entryKeys[key] = entry.ID
	t.state.entryOrder = append(t.state.entryOrder, entry.ID)
	return true, nil
}

func (t *memoryTx) ListEntriesBySource(ctx context.Context, sourceEventID string, forUpdate bool) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for _, id := range t.state.entryOrder {
		if entry := t.state.entries[id]; entry.SourceEventID == sourceEventID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (t *memoryTx) UpdateEntriesStatus(ctx context.Context, ids []uuid.UUID, from []domain.LedgerStatus, to domain.LedgerStatus) (int64, error) {
	var moved int64
	for _, id := range ids {
		entry, ok := t.state.entries[id]
		if !ok || entry.Claimed() || !containsStatus(from, entry.Status) {
			continue
		}
		entry.Status = to
		entry.UpdatedAt = t.now()
		t.state.entries[id] = entry
		moved++
	}
	return moved, nil
}

func (t *memoryTx) ListPayableEntriesForUpdate(ctx context.Context, affiliateID uuid.UUID) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for _, id := range t.state.entryOrder {
		entry := t.state.entries[id]
		if entry.AffiliateID == affiliateID && entry.Payable() {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (t *memoryTx) ClaimEntries(ctx context.Context, ids []uuid.UUID, payoutID uuid.UUID) (int64, error) {
	var claimed int64
	for _, id := range ids {
		entry, ok := t.state.entries[id]
		if !ok || !entry.Payable() {
			continue
		}
		claim := payoutID
		entry.PayoutID = &claim
		entry.UpdatedAt = t.now()
		t.state.entries[id] = entry
		claimed++
	}
	return claimed, nil
}

func (t *memoryTx) ReleaseClaims(ctx context.Context, payoutID uuid.UUID) (int64, error) {
	return t.updateClaimed(payoutID, func(entry *domain.LedgerEntry) {
		entry.PayoutID = nil
	})
}

func (t *memoryTx) MarkClaimedEntriesPaid(ctx context.Context, payoutID uuid.UUID) (int64, error) {
	return t.updateClaimed(payoutID, func(entry *domain.LedgerEntry) {
		entry.Status = domain.LedgerStatusPaid
	})
}

func (t *memoryTx) updateClaimed(payoutID uuid.UUID, apply func(entry *domain.LedgerEntry)) (int64, error) {
	var count int64
	for _, id := range t.state.entryOrder {
		entry := t.state.entries[id]
		if entry.PayoutID == nil || *entry.PayoutID != payoutID || entry.Status != domain.LedgerStatusAvailable {
			continue
		}
		apply(&entry)
		entry.UpdatedAt = t.now()
		t.state.entries[id] = entry
		count++
	}
	return count, nil
}

func (t *memoryTx) InsertPayout(ctx context.Context, payout *domain.AffiliatePayout) error {
	stored := *payout
	stored.EntryIDs = append([]uuid.UUID(nil), payout.EntryIDs...)
	stored.UpdatedAt = stored.CreatedAt
	t.state.payouts[payout.ID] = stored
	return nil
}

func (t *memoryTx) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (*domain.AffiliatePayout, error) {
	payout, ok := t.state.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return &payout, nil
}

func (t *memoryTx) UpdatePayout(ctx context.Context, payout *domain.AffiliatePayout, from domain.PayoutStatus) error {
	current, ok := t.state.payouts[payout.ID]
	if !ok || current.Status != from {
		return ErrStaleTransition
	}
	current.Status = payout.Status
	current.TransferID = payout.TransferID
	if payout.FailureReason != nil {
		reason := truncateReason(*payout.FailureReason)
		current.FailureReason = &reason
	} else {
		current.FailureReason = nil
	}
	current.ReconcilePending = payout.ReconcilePending
	current.UpdatedAt = payout.UpdatedAt
	t.state.payouts[payout.ID] = current
	return nil
}

func (t *memoryTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.state.outboxSeq++
	t.state.outbox = append(t.state.outbox, memoryOutbox{
		message: OutboxMessage{
			ID:         t.state.outboxSeq,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: t.now(),
	})
	return nil
}

func containsStatus(statuses []domain.LedgerStatus, status domain.LedgerStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
