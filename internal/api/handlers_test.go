package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/app"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *apiEnv) createSeller(account string) domain.Affiliate {
	e.t.Helper()
	rec := e.admin(http.MethodPost, "/admin/affiliates", map[string]interface{}{
		"user_account_id":      account,
		"payout_account_id":    "acct_" + account,
		"onboarding_completed": true,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var affiliate domain.Affiliate
	decodeJSON(e.t, rec, &affiliate)
	return affiliate
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Commission service is healthy", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `commission_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestPromoCheckoutAndPayoutFlow(t *testing.T) {
	env := newAPIEnv(t)
	seller := env.createSeller("seller")

	rec := env.admin(http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/codes", seller.ID), map[string]interface{}{
		"code":               "half",
		"kind":               "promo",
		"discount_share_pct": "50",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var code domain.ReferralCode
	decodeJSON(t, rec, &code)
	assert.Equal(t, "HALF", code.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/promo-codes/half/validate", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var validation app.PromoValidation
	decodeJSON(t, rec, &validation)
	assert.True(t, validation.Valid)
	assert.Equal(t, "50", validation.DiscountSharePct.String())

	rec = env.do(newJSONRequest(t, http.MethodPost, "/checkout/quote", map[string]interface{}{
		"subtotal_cents": 10000,
		"promo_code":     "HALF",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var quote app.CheckoutQuote
	decodeJSON(t, rec, &quote)
	assert.Equal(t, int64(5000), quote.DiscountCents)
	require.NotNil(t, quote.EventMetadata)

	rec = env.internal(http.MethodPost, "/internal/events", domain.InboundEvent{
		EventID:     "evt_1",
		Type:        "ORDER_PAID",
		AccountID:   "buyer",
		AmountCents: 10000,
		Metadata:    *quote.EventMetadata,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result app.IngestResult
	decodeJSON(t, rec, &result)
	assert.Equal(t, domain.EventOutcomeCredited, result.Outcome)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, int64(5000), result.Entries[0].AmountCents)

	rec = env.admin(http.MethodGet, fmt.Sprintf("/admin/affiliates/%s/summary", seller.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary domain.AffiliateSummary
	decodeJSON(t, rec, &summary)
	assert.Equal(t, int64(5000), summary.LifetimeTotalCents)
	assert.Equal(t, int64(5000), summary.Balances.PendingCents)

	_, err := env.repo.ReleaseMaturedEntries(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)

	rec = env.admin(http.MethodPost, "/admin/payouts/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cycle app.PayoutCycleResult
	decodeJSON(t, rec, &cycle)
	assert.Equal(t, 1, cycle.Sent)
	require.Len(t, env.transfers.calls, 1)
	assert.Equal(t, int64(5000), env.transfers.calls[0].AmountCents)
	assert.Equal(t, "acct_seller", env.transfers.calls[0].DestinationAccount)

	rec = env.admin(http.MethodGet, "/admin/payouts?affiliate_id="+seller.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payouts []domain.AffiliatePayout
	decodeJSON(t, rec, &payouts)
	require.Len(t, payouts, 1)
	assert.Equal(t, domain.PayoutStatusSent, payouts[0].Status)

	rec = env.admin(http.MethodGet, "/admin/ledger/export?format=csv&affiliate_id="+seller.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "commission-ledger.csv")
	assert.Contains(t, rec.Body.String(), "evt_1")
}

func TestValidatePromoUnknownCode(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/promo-codes/nope/validate", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var validation app.PromoValidation
	decodeJSON(t, rec, &validation)
	assert.False(t, validation.Valid)
	assert.Equal(t, "code not found", validation.Error)
}

func TestQuoteCheckoutRejectsInvalidPromo(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(newJSONRequest(t, http.MethodPost, "/checkout/quote", map[string]interface{}{
		"subtotal_cents": 10000,
		"promo_code":     "NOPE",
	}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(newJSONRequest(t, http.MethodPost, "/checkout/quote", map[string]interface{}{
		"subtotal_cents": -1,
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalRoutesRequireKey(t *testing.T) {
	env := newAPIEnv(t)
	event := domain.InboundEvent{EventID: "evt_1", Type: "ORDER_PAID", AccountID: "stranger", AmountCents: 100}

	rec := env.do(newJSONRequest(t, http.MethodPost, "/internal/events", event))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.internal(http.MethodPost, "/internal/events", event)
	require.Equal(t, http.StatusOK, rec.Code)
	var result app.IngestResult
	decodeJSON(t, rec, &result)
	assert.Equal(t, domain.EventOutcomeUnattributed, result.Outcome)

	rec = env.internal(http.MethodPost, "/internal/events", event)
	decodeJSON(t, rec, &result)
	assert.Equal(t, domain.EventOutcomeDuplicate, result.Outcome)
}

func TestIngestEventRejectsInvalidEvents(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.internal(http.MethodPost, "/internal/events", domain.InboundEvent{EventID: "evt_1", Type: "REFUND", AmountCents: 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a reversal needs its original event")

	req := httptest.NewRequest(http.MethodPost, "/internal/events", strings.NewReader("{"))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
}

func TestAttributeEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	seller := env.createSeller("seller")
	rec := env.admin(http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/codes", seller.ID), map[string]interface{}{
		"code": "LINK1",
		"kind": "LINK",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.internal(http.MethodPost, "/internal/attributions", map[string]string{"account_id": "buyer", "code": "link1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var attribution domain.Attribution
	decodeJSON(t, rec, &attribution)
	assert.Equal(t, "LINK1", attribution.Code)
	require.Len(t, attribution.Tiers, 1)
	assert.Equal(t, seller.ID, attribution.Tiers[0].AffiliateID)

	rec = env.internal(http.MethodPost, "/internal/attributions", map[string]string{"account_id": "seller", "code": "LINK1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "self referral")

	rec = env.internal(http.MethodPost, "/internal/attributions", map[string]string{"account_id": "other", "code": "MISSING"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAffiliateAdminErrors(t *testing.T) {
	env := newAPIEnv(t)
	seller := env.createSeller("seller")
	child := env.createSeller("child")

	rec := env.admin(http.MethodPost, "/admin/affiliates", map[string]interface{}{"user_account_id": "seller"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.admin(http.MethodPost, "/admin/affiliates", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.admin(http.MethodGet, "/admin/affiliates/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.admin(http.MethodGet, "/admin/affiliates/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.admin(http.MethodPut, fmt.Sprintf("/admin/affiliates/%s/parent", child.ID), map[string]interface{}{"parent_affiliate_id": seller.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.admin(http.MethodPut, fmt.Sprintf("/admin/affiliates/%s/parent", seller.ID), map[string]interface{}{"parent_affiliate_id": child.ID})
	assert.Equal(t, http.StatusConflict, rec.Code, "cycle")

	rec = env.admin(http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/suspend", seller.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var suspended domain.Affiliate
	decodeJSON(t, rec, &suspended)
	assert.Equal(t, domain.AffiliateStatusSuspended, suspended.Status)

	rec = env.admin(http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/reinstate", seller.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.admin(http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/codes", seller.ID), map[string]interface{}{"kind": "COUPON"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotateCodeEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	seller := env.createSeller("seller")
	rec := env.admin(http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/codes", seller.ID), map[string]interface{}{"code": "OLD1", "kind": "LINK"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.admin(http.MethodPost, "/admin/codes/OLD1/rotate", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.admin(http.MethodPost, "/admin/codes/OLD1/rotate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.admin(http.MethodGet, fmt.Sprintf("/admin/affiliates/%s/codes", seller.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var codes []domain.ReferralCode
	decodeJSON(t, rec, &codes)
	assert.Len(t, codes, 2)
}

func TestVoidEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	seller := env.createSeller("seller")
	env.admin(http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/codes", seller.ID), map[string]interface{}{"code": "LINK1", "kind": "LINK"})
	env.internal(http.MethodPost, "/internal/attributions", map[string]string{"account_id": "buyer", "code": "LINK1"})
	rec := env.internal(http.MethodPost, "/internal/events", domain.InboundEvent{EventID: "evt_1", Type: "ORDER_PAID", AccountID: "buyer", AmountCents: 2000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.admin(http.MethodPost, "/admin/ledger/evt_1/void", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = env.admin(http.MethodPost, "/admin/ledger/evt_1/void", map[string]string{"reason": "fraud"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result app.VoidResult
	decodeJSON(t, rec, &result)
	require.Len(t, result.Voided, 1)
	assert.Equal(t, domain.LedgerStatusReversed, result.Voided[0].Status)

	rec = env.admin(http.MethodPost, "/admin/ledger/evt_unknown/void", map[string]string{"reason": "fraud"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTopPerformersAndReconcileEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.admin(http.MethodGet, "/admin/reports/top-performers?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.admin(http.MethodGet, "/admin/reports/top-performers?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.admin(http.MethodPost, "/admin/payouts/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result app.ReconcileResult
	decodeJSON(t, rec, &result)
	assert.Zero(t, result.Checked)

	rec = env.admin(http.MethodGet, "/admin/ledger/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	var validationErrs validator.ValidationErrors
	tests := []struct {
		err  error
		want int
	}{
		{err: app.ErrInvalidRequest, want: http.StatusBadRequest},
		{err: fmt.Errorf("wrapped: %w", domain.ErrInvalidEvent), want: http.StatusBadRequest},
		{err: validationErrs, want: http.StatusBadRequest},
		{err: store.ErrAffiliateNotFound, want: http.StatusNotFound},
		{err: app.ErrOriginalNotFound, want: http.StatusNotFound},
		{err: store.ErrCodeExists, want: http.StatusConflict},
		{err: app.ErrAffiliateCycle, want: http.StatusConflict},
		{err: app.ErrSelfReferral, want: http.StatusUnprocessableEntity},
		{err: fmt.Errorf("%w: retired", app.ErrInvalidPromoCode), want: http.StatusUnprocessableEntity},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestLedgerFilterFromQuery(t *testing.T) {
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/admin/ledger/export?affiliate_id="+id.String()+"&from=2026-03-01&to=2026-03-31", nil)

	filter, err := ledgerFilterFromQuery(req)

	require.NoError(t, err)
	require.NotNil(t, filter.AffiliateID)
	assert.Equal(t, id, *filter.AffiliateID)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *filter.From)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), *filter.To, "a bare date includes the whole day")

	_, err = ledgerFilterFromQuery(httptest.NewRequest(http.MethodGet, "/x?from=yesterday", nil))
	assert.Error(t, err)
}
