package app

import (
	"errors"
	"time"

	"github.com/localmart/commission-service/internal/config"
	"github.com/localmart/commission-service/internal/domain"
)

var (
	ErrUnknownAttribution = errors.New("account has no attribution")
	ErrSelfReferral       = errors.New("affiliate cannot refer their own account")
	ErrCodeInactive       = errors.New("referral code is not active")
	ErrAffiliateCycle     = errors.New("parent assignment would create a cycle")
	ErrInvalidPromoCode   = errors.New("invalid promo code")
	ErrOriginalNotFound   = errors.New("original event has no ledger entries")
	ErrDuplicateEvent     = errors.New("event already processed")
	ErrInvalidRequest     = errors.New("invalid request")
)

// maxUplineDepth is the number of ancestors credited above the selling affiliate.
const maxUplineDepth = 2

// CommissionPolicy is the configured split and timing rules applied to revenue.
type CommissionPolicy struct {
	Shares               config.ShareSplit
	LinkAttributesUpline bool
	ExcludeSuspended     bool
	HoldPeriods          map[domain.EventType]time.Duration
}

// PolicyFromConfig builds the commission policy, validating the share split.
func PolicyFromConfig(cfg config.Config) (CommissionPolicy, error) {
	shares, err := cfg.Shares()
	if err != nil {
		return CommissionPolicy{}, err
	}
	return CommissionPolicy{
		Shares:               shares,
		LinkAttributesUpline: cfg.LinkAttributesUpline,
		ExcludeSuspended:     cfg.SuspendedAffiliatePolicy == config.SuspendedPolicyExclude,
		HoldPeriods: map[domain.EventType]time.Duration{
			domain.EventTypeInvoicePaid: cfg.HoldPeriod(string(domain.EventTypeInvoicePaid)),
			domain.EventTypeOrderPaid:   cfg.HoldPeriod(string(domain.EventTypeOrderPaid)),
		},
	}, nil
}

// HoldFor returns how long credit from eventType stays PENDING.
func (p CommissionPolicy) HoldFor(eventType domain.EventType) time.Duration {
	if hold, ok := p.HoldPeriods[eventType]; ok && hold > 0 {
		return hold
	}
	return 0
}

// tierShares labels a chain walked upward from the selling affiliate and assigns
// each position its configured share. A lone seller earns the sole-direct share.
func (p CommissionPolicy) tierShares(chain []domain.Affiliate) []domain.TierShare {
	tiers := domain.TiersForChain(len(chain))
	shares := make([]domain.TierShare, len(tiers))
	for i, tier := range tiers {
		share := domain.TierShare{AffiliateID: chain[i].ID, Tier: tier}
		switch {
		case len(chain) == 1:
			share.SharePct = p.Shares.SoleDirect
		case tier == domain.TierDirect:
			share.SharePct = p.Shares.Direct
		case tier == domain.TierSub:
			share.SharePct = p.Shares.Sub
		default:
			share.SharePct = p.Shares.Parent
		}
		shares[i] = share
	}
	return shares
}
