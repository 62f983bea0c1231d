package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffiliateSummary(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createAffiliate(t, "parent", nil)
	seller := env.createAffiliate(t, "seller", &parent)
	env.createCode(t, seller, "SELL", domain.CodeKindLink, "", false)
	env.attribute(t, "buyer", "SELL")

	env.ingest(t, revenue("evt_1", "ORDER_PAID", "buyer", 10000))
	env.ingest(t, revenue("evt_2", "INVOICE_PAID", "buyer", 5000))
	env.clock.Advance(31 * 24 * time.Hour)
	env.ingest(t, reversal("ref_1", "REFUND", "evt_1", 10000))
	env.ingest(t, revenue("evt_3", "INVOICE_PAID", "buyer", 1000))

	reports := NewReportService(env.repo)
	reports.now = env.clock.Now
	summary, err := reports.AffiliateSummary(context.Background(), seller.ID)
	require.NoError(t, err)

	assert.Equal(t, seller.ID, summary.AffiliateID)
	// 7000 + 3500 - 7000 + 700
	assert.Equal(t, int64(4200), summary.LifetimeTotalCents)
	assert.Equal(t, []domain.TierTypeTotal{
		{Tier: domain.TierDirect, EventType: domain.EventTypeInvoicePaid, TotalCents: 4200},
		{Tier: domain.TierDirect, EventType: domain.EventTypeOrderPaid, TotalCents: 7000},
		{Tier: domain.TierDirect, EventType: domain.EventTypeRefund, TotalCents: -7000},
	}, summary.LifetimeByTierType)

	require.Len(t, summary.Monthly, 12)
	last := summary.Monthly[11]
	previous := summary.Monthly[10]
	assert.Equal(t, domain.YearMonth{Year: 2026, Month: time.April}, last.Month)
	assert.Equal(t, int64(-7000+700), last.TotalCents)
	assert.Equal(t, domain.YearMonth{Year: 2026, Month: time.March}, previous.Month)
	assert.Equal(t, int64(10500), previous.TotalCents)
	assert.Zero(t, summary.Monthly[0].TotalCents)

	assert.Equal(t, int64(4200), summary.Balances.PendingCents)
	assert.Zero(t, summary.Balances.AvailableCents)
}

func TestAffiliateSummaryUnknownAffiliate(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewReportService(env.repo).AffiliateSummary(context.Background(), uuid.New())

	assert.ErrorIs(t, err, store.ErrAffiliateNotFound)
}

func TestAffiliateSummaryWithoutActivity(t *testing.T) {
	env := newTestEnv(t)
	idle := env.createAffiliate(t, "idle", nil)

	summary, err := NewReportService(env.repo).AffiliateSummary(context.Background(), idle.ID)
	require.NoError(t, err)

	assert.Zero(t, summary.LifetimeTotalCents)
	assert.NotNil(t, summary.LifetimeByTierType)
	assert.Len(t, summary.Monthly, 12)
}

func TestTopPerformers(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createAffiliate(t, "parent", nil)
	seller := env.createAffiliate(t, "seller", &parent)
	other := env.createAffiliate(t, "other", nil)
	env.createCode(t, seller, "SELL", domain.CodeKindLink, "", false)
	env.createCode(t, other, "OTHER", domain.CodeKindLink, "", false)
	env.attribute(t, "buyer", "SELL")
	env.attribute(t, "buyer-2", "OTHER")

	env.ingest(t, revenue("evt_1", "ORDER_PAID", "buyer", 10000))
	env.ingest(t, revenue("evt_2", "ORDER_PAID", "buyer-2", 2000))

	reports := NewReportService(env.repo)
	rows, err := reports.TopPerformers(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "seller", rows[0].UserAccountID)
	assert.Equal(t, int64(7000), rows[0].LifetimeTotalCents)
	assert.Equal(t, 1, rows[0].Rank)
	// parent (2000) and other (2000) tie.
	assert.Equal(t, 2, rows[1].Rank)
	assert.Equal(t, 2, rows[2].Rank)

	limited, err := reports.TopPerformers(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTopPerformersEmpty(t *testing.T) {
	env := newTestEnv(t)

	rows, err := NewReportService(env.repo).TopPerformers(context.Background(), 500)

	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}
