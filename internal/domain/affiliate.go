/**
 * @description
 * Core domain models for the commission-service: affiliates, their referral and
 * promo codes, and the once-computed attribution of a referred account.
 *
 * @notes
 * - Percentages are carried as decimal.Decimal so share math never touches floats.
 * - Amounts are int64 cents everywhere.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AffiliateStatus is the lifecycle state of an affiliate. Affiliates are never deleted.
type AffiliateStatus string

const (
	AffiliateStatusActive    AffiliateStatus = "ACTIVE"
	AffiliateStatusSuspended AffiliateStatus = "SUSPENDED"
)

// Affiliate wraps a marketplace user account that can earn commission.
// This struct maps directly to the `affiliates` table.
type Affiliate struct {
	ID                  uuid.UUID       `json:"id"`
	UserAccountID       string          `json:"user_account_id"`
	Status              AffiliateStatus `json:"status"`
	ParentAffiliateID   *uuid.UUID      `json:"parent_affiliate_id,omitempty"`
	PayoutAccountID     string          `json:"payout_account_id,omitempty"`
	OnboardingCompleted bool            `json:"onboarding_completed"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsSuspended reports whether the affiliate is currently suspended.
func (a Affiliate) IsSuspended() bool {
	return a.Status == AffiliateStatusSuspended
}

// PayoutEligible reports whether money can be transferred to the affiliate right now.
func (a Affiliate) PayoutEligible() bool {
	return a.Status == AffiliateStatusActive &&
		a.OnboardingCompleted &&
		strings.TrimSpace(a.PayoutAccountID) != ""
}

// CodeKind distinguishes plain referral links from promo codes.
type CodeKind string

const (
	CodeKindLink  CodeKind = "LINK"
	CodeKindPromo CodeKind = "PROMO"
)

// ReferralCode is a referral link slug or a promo code owned by exactly one affiliate.
// Codes are immutable once created; rotation retires the old code and creates a new one.
type ReferralCode struct {
	Code             string          `json:"code"`
	AffiliateID      uuid.UUID       `json:"affiliate_id"`
	Kind             CodeKind        `json:"kind"`
	DiscountSharePct decimal.Decimal `json:"discount_share_pct"`
	HasL2            bool            `json:"has_l2"`
	RetiredAt        *time.Time      `json:"retired_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Retired reports whether the code has been rotated out.
func (c ReferralCode) Retired() bool {
	return c.RetiredAt != nil
}

// AttributesUpline reports whether accounts referred through this code also credit
// the owner's ancestors. Links follow the service policy, promo codes their own flag.
func (c ReferralCode) AttributesUpline(linkPolicy bool) bool {
	if c.Kind == CodeKindPromo {
		return c.HasL2
	}
	return linkPolicy
}

// NormalizeCode canonicalizes user-entered codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Tier is the position of a credited affiliate relative to the affiliate who drove the sale.
type Tier string

const (
	TierDirect Tier = "DIRECT"
	TierSub    Tier = "SUB"
	TierParent Tier = "PARENT"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierDirect, TierSub, TierParent:
		return true
	}
	return false
}

// TiersForChain labels a chain of n affiliates walked upward from the selling affiliate.
// The seller is always DIRECT, the top-most credited ancestor is PARENT and an
// intermediate ancestor is SUB.
func TiersForChain(n int) []Tier {
	switch n {
	case 0:
		return nil
	case 1:
		return []Tier{TierDirect}
	case 2:
		return []Tier{TierDirect, TierParent}
	default:
		return []Tier{TierDirect, TierSub, TierParent}
	}
}

// TierShare is one resolved (affiliate, tier, share) triple of an attribution chain.
type TierShare struct {
	AffiliateID uuid.UUID       `json:"affiliate_id"`
	Tier        Tier            `json:"tier"`
	SharePct    decimal.Decimal `json:"share_pct"`
}

// Attribution maps a referred account to the affiliate chain credited for its revenue.
// It is written once and never recomputed.
type Attribution struct {
	AccountID string      `json:"account_id"`
	Code      string      `json:"code"`
	Source    CodeKind    `json:"source"`
	Tiers     []TierShare `json:"tiers"`
	CreatedAt time.Time   `json:"created_at"`
}
