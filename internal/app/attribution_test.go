package app

import (
	"context"
	"testing"

	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tiersOf(attribution domain.Attribution) []domain.Tier {
	tiers := make([]domain.Tier, len(attribution.Tiers))
	for i, share := range attribution.Tiers {
		tiers[i] = share.Tier
	}
	return tiers
}

func TestAttributeLabelsChainFromSeller(t *testing.T) {
	env := newTestEnv(t)
	root := env.createAffiliate(t, "root", nil)
	mid := env.createAffiliate(t, "mid", &root)
	seller := env.createAffiliate(t, "seller", &mid)
	top := env.createAffiliate(t, "top", nil)
	_, err := env.resolver.AssignParent(context.Background(), root.ID, &top.ID)
	require.NoError(t, err)

	env.createCode(t, seller, "SELLERLINK", domain.CodeKindLink, "", false)
	env.createCode(t, mid, "MIDLINK", domain.CodeKindLink, "", false)
	env.createCode(t, top, "TOPLINK", domain.CodeKindLink, "", false)

	tests := []struct {
		name    string
		account string
		code    string
		want    []domain.Tier
	}{
		{name: "three levels capped at two ancestors", account: "buyer-1", code: "SELLERLINK",
			want: []domain.Tier{domain.TierDirect, domain.TierSub, domain.TierParent}},
		{name: "walk from a middle affiliate", account: "buyer-2", code: "MIDLINK",
			want: []domain.Tier{domain.TierDirect, domain.TierSub, domain.TierParent}},
		{name: "no ancestors", account: "buyer-3", code: "TOPLINK",
			want: []domain.Tier{domain.TierDirect}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attribution := env.attribute(t, tt.account, tt.code)
			assert.Equal(t, tt.want, tiersOf(attribution))
		})
	}

	attribution := env.attribute(t, "buyer-1", "SELLERLINK")
	require.Len(t, attribution.Tiers, 3)
	assert.Equal(t, seller.ID, attribution.Tiers[0].AffiliateID)
	assert.Equal(t, mid.ID, attribution.Tiers[1].AffiliateID)
	assert.Equal(t, root.ID, attribution.Tiers[2].AffiliateID)
	assert.Equal(t, "70", attribution.Tiers[0].SharePct.String())
	assert.Equal(t, "10", attribution.Tiers[1].SharePct.String())
	assert.Equal(t, "20", attribution.Tiers[2].SharePct.String())

	solo := env.attribute(t, "buyer-3", "TOPLINK")
	assert.Equal(t, "100", solo.Tiers[0].SharePct.String())
}

func TestAttributeTwoLevelChainUsesParentLabel(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createAffiliate(t, "parent", nil)
	seller := env.createAffiliate(t, "seller", &parent)
	env.createCode(t, seller, "SELL", domain.CodeKindLink, "", false)

	attribution := env.attribute(t, "buyer", "SELL")
	assert.Equal(t, []domain.Tier{domain.TierDirect, domain.TierParent}, tiersOf(attribution))
	assert.Equal(t, parent.ID, attribution.Tiers[1].AffiliateID)
}

func TestAttributePromoWithoutL2CreditsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createAffiliate(t, "parent", nil)
	seller := env.createAffiliate(t, "seller", &parent)
	env.createCode(t, seller, "NOL2", domain.CodeKindPromo, "50", false)
	env.createCode(t, seller, "WITHL2", domain.CodeKindPromo, "50", true)

	assert.Equal(t, []domain.Tier{domain.TierDirect}, tiersOf(env.attribute(t, "buyer-1", "NOL2")))
	assert.Equal(t, []domain.Tier{domain.TierDirect, domain.TierParent}, tiersOf(env.attribute(t, "buyer-2", "WITHL2")))
}

func TestAttributeFirstAttributionWins(t *testing.T) {
	env := newTestEnv(t)
	first := env.createAffiliate(t, "first", nil)
	second := env.createAffiliate(t, "second", nil)
	env.createCode(t, first, "FIRST", domain.CodeKindLink, "", false)
	env.createCode(t, second, "SECOND", domain.CodeKindLink, "", false)

	env.attribute(t, "buyer", "FIRST")
	again := env.attribute(t, "buyer", "SECOND")

	assert.Equal(t, "FIRST", again.Code)
	assert.Equal(t, first.ID, again.Tiers[0].AffiliateID)
}

func TestAttributeRejectsSelfReferralAndUnknownCodes(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createAffiliate(t, "owner", nil)
	code := env.createCode(t, owner, "OWN", domain.CodeKindLink, "", false)

	_, err := env.resolver.Attribute(context.Background(), "owner", "OWN")
	assert.ErrorIs(t, err, ErrSelfReferral)

	_, err = env.resolver.Attribute(context.Background(), "buyer", "MISSING")
	assert.ErrorIs(t, err, store.ErrCodeNotFound)

	_, err = env.affiliates.RotateCode(context.Background(), code.Code)
	require.NoError(t, err)
	_, err = env.resolver.Attribute(context.Background(), "buyer", "own")
	assert.ErrorIs(t, err, store.ErrCodeNotFound)
}

func TestAttributionIsNotRecomputedAfterTreeEdits(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createAffiliate(t, "parent", nil)
	seller := env.createAffiliate(t, "seller", &parent)
	env.createCode(t, seller, "SELL", domain.CodeKindLink, "", false)
	env.attribute(t, "buyer", "SELL")

	_, err := env.resolver.AssignParent(context.Background(), seller.ID, nil)
	require.NoError(t, err)

	shares, err := env.resolver.Resolve(context.Background(), "buyer", domain.ParentMeta{})
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, parent.ID, shares[1].AffiliateID)
}

func TestResolveCapsChainByMetadata(t *testing.T) {
	env := newTestEnv(t)
	root := env.createAffiliate(t, "root", nil)
	mid := env.createAffiliate(t, "mid", &root)
	seller := env.createAffiliate(t, "seller", &mid)
	env.createCode(t, seller, "SELL", domain.CodeKindLink, "", false)
	env.attribute(t, "buyer", "SELL")

	tests := []struct {
		name string
		meta domain.EventMetadata
		want int
	}{
		{name: "direct", meta: domain.DirectMeta{}, want: 1},
		{name: "sub", meta: domain.SubMeta{}, want: 2},
		{name: "parent", meta: domain.ParentMeta{}, want: 3},
		{name: "nil defaults to parent", meta: nil, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := env.resolver.Resolve(context.Background(), "buyer", tt.meta)
			require.NoError(t, err)
			assert.Len(t, shares, tt.want)
		})
	}

	_, err := env.resolver.Resolve(context.Background(), "stranger", domain.ParentMeta{})
	assert.ErrorIs(t, err, ErrUnknownAttribution)
}

func TestResolveSuspendedPolicy(t *testing.T) {
	for _, exclude := range []bool{false, true} {
		policy := testPolicy()
		policy.ExcludeSuspended = exclude
		env := newTestEnvWithPolicy(t, policy)
		parent := env.createAffiliate(t, "parent", nil)
		seller := env.createAffiliate(t, "seller", &parent)
		env.createCode(t, seller, "SELL", domain.CodeKindLink, "", false)
		env.attribute(t, "buyer", "SELL")
		_, err := env.affiliates.Suspend(context.Background(), parent.ID)
		require.NoError(t, err)

		shares, err := env.resolver.Resolve(context.Background(), "buyer", domain.ParentMeta{})
		require.NoError(t, err)
		if exclude {
			require.Len(t, shares, 1)
			assert.Equal(t, seller.ID, shares[0].AffiliateID)
			assert.Equal(t, "70", shares[0].SharePct.String(), "excluded share is not redistributed")
		} else {
			assert.Len(t, shares, 2)
		}
	}
}

func TestAssignParentRejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAffiliate(t, "a", nil)
	b := env.createAffiliate(t, "b", &a)
	c := env.createAffiliate(t, "c", &b)

	_, err := env.resolver.AssignParent(context.Background(), a.ID, &c.ID)
	assert.ErrorIs(t, err, ErrAffiliateCycle)

	_, err = env.resolver.AssignParent(context.Background(), a.ID, &a.ID)
	assert.ErrorIs(t, err, ErrAffiliateCycle)

	updated, err := env.resolver.AssignParent(context.Background(), c.ID, &a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, *updated.ParentAffiliateID)
}
