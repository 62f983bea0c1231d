package app

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAffiliate(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createAffiliate(t, "parent", nil)

	_, err := env.affiliates.CreateAffiliate(context.Background(), CreateAffiliateRequest{UserAccountID: "parent"})
	assert.ErrorIs(t, err, store.ErrAffiliateExists)

	missing := uuid.New()
	_, err = env.affiliates.CreateAffiliate(context.Background(), CreateAffiliateRequest{UserAccountID: "child", ParentAffiliateID: &missing})
	assert.ErrorIs(t, err, store.ErrAffiliateNotFound)

	_, err = env.affiliates.CreateAffiliate(context.Background(), CreateAffiliateRequest{UserAccountID: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	child, err := env.affiliates.CreateAffiliate(context.Background(), CreateAffiliateRequest{UserAccountID: "child", ParentAffiliateID: &parent.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AffiliateStatusActive, child.Status)
	assert.False(t, child.PayoutEligible(), "no payout account yet")

	updated, err := env.affiliates.SetPayoutAccount(context.Background(), child.ID, PayoutAccountRequest{PayoutAccountID: "acct_child", OnboardingCompleted: true})
	require.NoError(t, err)
	assert.True(t, updated.PayoutEligible())
}

func TestSuspendAndReinstate(t *testing.T) {
	env := newTestEnv(t)
	affiliate := env.createAffiliate(t, "seller", nil)

	suspended, err := env.affiliates.Suspend(context.Background(), affiliate.ID)
	require.NoError(t, err)
	assert.True(t, suspended.IsSuspended())
	assert.False(t, suspended.PayoutEligible())

	reinstated, err := env.affiliates.Reinstate(context.Background(), affiliate.ID)
	require.NoError(t, err)
	assert.True(t, reinstated.PayoutEligible())

	_, err = env.affiliates.Suspend(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrAffiliateNotFound)
}

func TestCreateCode(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createAffiliate(t, "owner", nil)

	generated, err := env.affiliates.CreateCode(context.Background(), owner.ID, CreateCodeRequest{Kind: domain.CodeKindLink})
	require.NoError(t, err)
	assert.Len(t, generated.Code, 8)

	promo := env.createCode(t, owner, "summer25", domain.CodeKindPromo, "25", true)
	assert.Equal(t, "SUMMER25", promo.Code)

	_, err = env.affiliates.CreateCode(context.Background(), owner.ID, CreateCodeRequest{Code: "SUMMER25", Kind: domain.CodeKindLink})
	assert.ErrorIs(t, err, store.ErrCodeExists)

	_, err = env.affiliates.CreateCode(context.Background(), owner.ID, CreateCodeRequest{
		Kind:             domain.CodeKindPromo,
		DiscountSharePct: decimal.NewFromInt(101),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.affiliates.CreateCode(context.Background(), uuid.New(), CreateCodeRequest{Kind: domain.CodeKindLink})
	assert.ErrorIs(t, err, store.ErrAffiliateNotFound)

	codes, err := env.affiliates.ListCodes(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Len(t, codes, 2)
}

func TestRotateCodeKeepsTermsAndAttributions(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createAffiliate(t, "owner", nil)
	env.createCode(t, owner, "SUMMER25", domain.CodeKindPromo, "25", true)
	env.attribute(t, "buyer", "SUMMER25")

	replacement, err := env.affiliates.RotateCode(context.Background(), "summer25")
	require.NoError(t, err)
	assert.NotEqual(t, "SUMMER25", replacement.Code)
	assert.Equal(t, domain.CodeKindPromo, replacement.Kind)
	assert.Equal(t, "25", replacement.DiscountSharePct.String())
	assert.True(t, replacement.HasL2)

	_, err = env.affiliates.RotateCode(context.Background(), "SUMMER25")
	assert.ErrorIs(t, err, ErrCodeInactive)

	attribution, err := env.repo.GetAttribution(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Equal(t, "SUMMER25", attribution.Code)

	env.attribute(t, "buyer-2", replacement.Code)
}
