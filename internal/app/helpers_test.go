package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/config"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
	"github.com/localmart/commission-service/pkg/stripeclient"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	invoiceHold = 168 * time.Hour
	orderHold   = 336 * time.Hour
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	repo       *store.MemoryRepository
	clock      *testClock
	policy     CommissionPolicy
	resolver   *AttributionResolver
	ledger     *Ledger
	ingestor   *Ingestor
	affiliates *AffiliateService
	logger     *slog.Logger
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() CommissionPolicy {
	return CommissionPolicy{
		Shares: config.ShareSplit{
			SoleDirect: decimal.NewFromInt(100),
			Direct:     decimal.NewFromInt(70),
			Sub:        decimal.NewFromInt(10),
			Parent:     decimal.NewFromInt(20),
		},
		LinkAttributesUpline: true,
		HoldPeriods: map[domain.EventType]time.Duration{
			domain.EventTypeInvoicePaid: invoiceHold,
			domain.EventTypeOrderPaid:   orderHold,
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithPolicy(t, testPolicy())
}

func newTestEnvWithPolicy(t *testing.T, policy CommissionPolicy) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	logger := testLogger()

	resolver := NewAttributionResolver(repo, policy, logger)
	resolver.now = clock.Now
	ledger := NewLedger(repo, policy, logger)
	ingestor := NewIngestor(repo, resolver, ledger, nil, nil, logger)
	ingestor.now = clock.Now
	affiliates := NewAffiliateService(repo, resolver, logger)
	affiliates.now = clock.Now

	return &testEnv{
		repo:       repo,
		clock:      clock,
		policy:     policy,
		resolver:   resolver,
		ledger:     ledger,
		ingestor:   ingestor,
		affiliates: affiliates,
		logger:     logger,
	}
}

// createAffiliate enrolls a payout-eligible affiliate.
func (e *testEnv) createAffiliate(t *testing.T, account string, parent *domain.Affiliate) domain.Affiliate {
	t.Helper()
	req := CreateAffiliateRequest{
		UserAccountID:       account,
		PayoutAccountID:     "acct_" + account,
		OnboardingCompleted: true,
	}
	if parent != nil {
		req.ParentAffiliateID = &parent.ID
	}
	affiliate, err := e.affiliates.CreateAffiliate(context.Background(), req)
	require.NoError(t, err)
	return *affiliate
}

func (e *testEnv) createCode(t *testing.T, owner domain.Affiliate, code string, kind domain.CodeKind, discountPct string, hasL2 bool) domain.ReferralCode {
	t.Helper()
	req := CreateCodeRequest{Code: code, Kind: kind, HasL2: hasL2}
	if discountPct != "" {
		req.DiscountSharePct = decimal.RequireFromString(discountPct)
	}
	created, err := e.affiliates.CreateCode(context.Background(), owner.ID, req)
	require.NoError(t, err)
	return *created
}

func (e *testEnv) attribute(t *testing.T, account, code string) domain.Attribution {
	t.Helper()
	attribution, err := e.resolver.Attribute(context.Background(), account, code)
	require.NoError(t, err)
	return *attribution
}

func (e *testEnv) ingest(t *testing.T, in domain.InboundEvent) IngestResult {
	t.Helper()
	event, err := domain.ParseInboundEvent(in)
	require.NoError(t, err)
	result, err := e.ingestor.Ingest(context.Background(), event)
	require.NoError(t, err)
	return result
}

func (e *testEnv) entriesFor(affiliateID uuid.UUID) []domain.LedgerEntry {
	var entries []domain.LedgerEntry
	for _, entry := range e.repo.LedgerEntries() {
		if entry.AffiliateID == affiliateID {
			entries = append(entries, entry)
		}
	}
	return entries
}

// releaseAll advances past every hold and releases matured entries.
func (e *testEnv) releaseAll(t *testing.T) {
	t.Helper()
	e.clock.Advance(orderHold + time.Hour)
	_, err := e.ledger.ReleaseMatured(context.Background(), e.clock.Now())
	require.NoError(t, err)
}

func revenue(eventID, eventType, account string, amount int64) domain.InboundEvent {
	return domain.InboundEvent{EventID: eventID, Type: eventType, AccountID: account, AmountCents: amount}
}

func reversal(eventID, eventType, original string, amount int64) domain.InboundEvent {
	return domain.InboundEvent{EventID: eventID, Type: eventType, OriginalEventID: original, AmountCents: amount}
}

// fakeTransfers records transfers and can be scripted to fail.
type fakeTransfers struct {
	mu        sync.Mutex
	createErr error
	findErr   error
	block     chan struct{}
	calls     []stripeclient.TransferRequest
	byGroup   map[string]*stripeclient.Transfer
}

func newFakeTransfers() *fakeTransfers {
	return &fakeTransfers{byGroup: make(map[string]*stripeclient.Transfer)}
}

func (f *fakeTransfers) CreateTransfer(ctx context.Context, req stripeclient.TransferRequest) (*stripeclient.Transfer, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	transfer := &stripeclient.Transfer{
		ID:            "tr_" + req.TransferGroup[:8],
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		Destination:   req.DestinationAccount,
		TransferGroup: req.TransferGroup,
	}
	f.byGroup[req.TransferGroup] = transfer
	return transfer, nil
}

func (f *fakeTransfers) FindTransferByGroup(ctx context.Context, group string) (*stripeclient.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if transfer, ok := f.byGroup[group]; ok {
		return transfer, nil
	}
	return nil, stripeclient.ErrTransferNotFound
}

func (f *fakeTransfers) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (e *testEnv) payoutService(transfers TransferClient, minPayout int64) *PayoutService {
	svc := NewPayoutService(e.repo, transfers, PayoutConfig{
		MinPayoutCents:  minPayout,
		TransferTimeout: time.Second,
	}, nil, e.logger)
	svc.now = e.clock.Now
	return svc
}

var errDatabaseDown = errors.New("database unavailable")

// failingRepository reads through to the wrapped store but cannot commit.
type failingRepository struct {
	store.Repository
}

func (failingRepository) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return errDatabaseDown
}
