/**
 * @description
 * Pure fee and share arithmetic for the commission-service. Every function works
 * on int64 cents and exact decimals; identical inputs always give identical outputs.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact percentage math without floats.
 */

package fees

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// ErrInvalidSchedule is returned when fee configuration cannot produce valid totals.
	ErrInvalidSchedule = errors.New("invalid fee schedule")
)

// ProcessorFee is the payment processor's fixed-plus-percentage charge on the buyer total.
type ProcessorFee struct {
	FixedCents int64
	Percent    decimal.Decimal
}

// BuyerTotal is the grossed-up amount charged to the buyer.
type BuyerTotal struct {
	BuyerTotalCents   int64 `json:"buyer_total_cents"`
	ProcessorFeeCents int64 `json:"processor_fee_cents"`
}

// ComputeBuyerTotal grosses up subtotalCents so that after the processor takes its
// fixed fee plus percentage of the total, the seller still nets the subtotal.
// The total is rounded up so the platform never absorbs a fractional cent.
// fee.Percent must be within [0, 100).
func ComputeBuyerTotal(subtotalCents int64, fee ProcessorFee) BuyerTotal {
	if subtotalCents <= 0 {
		return BuyerTotal{}
	}

	numerator := decimal.NewFromInt(subtotalCents + fee.FixedCents).Mul(hundred)
	denominator := hundred.Sub(fee.Percent)

	// Scale both operands until the denominator is integral so the division is exact.
	if shift := -denominator.Exponent(); shift > 0 {
		numerator = numerator.Shift(shift)
		denominator = denominator.Shift(shift)
	}

	quotient, remainder := numerator.QuoRem(denominator, 0)
	if remainder.Sign() > 0 {
		quotient = quotient.Add(one)
	}

	total := quotient.IntPart()
	return BuyerTotal{
		BuyerTotalCents:   total,
		ProcessorFeeCents: total - subtotalCents,
	}
}

// ComputePlatformFeeCents returns percent of amountCents rounded half-up.
func ComputePlatformFeeCents(amountCents int64, percent decimal.Decimal) int64 {
	if amountCents <= 0 || percent.Sign() <= 0 {
		return 0
	}
	return decimal.NewFromInt(amountCents).Mul(percent).Shift(-2).Round(0).IntPart()
}

// ShareOfCents returns percent of amountCents rounded down, so shares of one
// amount never add up to more than the amount. Negative amounts round toward zero.
func ShareOfCents(amountCents int64, percent decimal.Decimal) int64 {
	if amountCents == 0 || percent.Sign() <= 0 {
		return 0
	}
	return decimal.NewFromInt(amountCents).Mul(percent).Shift(-2).Truncate(0).IntPart()
}

// SplitDiscountShare splits an affiliate's commission into the part it keeps and
// the part rebated to the buyer as a discount.
func SplitDiscountShare(commissionCents int64, discountSharePct decimal.Decimal) (keptCents, rebatedCents int64) {
	if commissionCents <= 0 {
		return commissionCents, 0
	}
	if discountSharePct.GreaterThanOrEqual(hundred) {
		return 0, commissionCents
	}
	rebatedCents = ShareOfCents(commissionCents, discountSharePct)
	return commissionCents - rebatedCents, rebatedCents
}

// ProportionalCents returns floor(amountCents * numerator / denominator) exactly.
// It is used to scale a credit by the refunded fraction of an event.
func ProportionalCents(amountCents, numerator, denominator int64) int64 {
	if denominator <= 0 || numerator <= 0 || amountCents == 0 {
		return 0
	}
	if numerator >= denominator {
		return amountCents
	}
	product := decimal.NewFromInt(amountCents).Mul(decimal.NewFromInt(numerator))
	quotient, _ := product.QuoRem(decimal.NewFromInt(denominator), 0)
	return quotient.IntPart()
}

// Schedule is the configured fee policy: processor fee and platform fee per seller tier.
type Schedule struct {
	Processor         ProcessorFee
	platformByTier    map[string]decimal.Decimal
	defaultSellerTier string
}

// NewSchedule validates and builds a fee schedule.
func NewSchedule(processor ProcessorFee, platformByTier map[string]decimal.Decimal, defaultSellerTier string) (Schedule, error) {
	if processor.FixedCents < 0 {
		return Schedule{}, fmt.Errorf("%w: negative processor fixed fee", ErrInvalidSchedule)
	}
	if processor.Percent.IsNegative() || processor.Percent.GreaterThanOrEqual(hundred) {
		return Schedule{}, fmt.Errorf("%w: processor percent must be within [0, 100)", ErrInvalidSchedule)
	}

	normalized := make(map[string]decimal.Decimal, len(platformByTier))
	for tier, pct := range platformByTier {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return Schedule{}, fmt.Errorf("%w: platform percent for %s must be within [0, 100]", ErrInvalidSchedule, tier)
		}
		normalized[normalizeTier(tier)] = pct
	}

	defaultTier := normalizeTier(defaultSellerTier)
	if _, ok := normalized[defaultTier]; !ok {
		return Schedule{}, fmt.Errorf("%w: default seller tier %q has no platform fee", ErrInvalidSchedule, defaultSellerTier)
	}

	return Schedule{Processor: processor, platformByTier: normalized, defaultSellerTier: defaultTier}, nil
}

func normalizeTier(tier string) string {
	return strings.ToUpper(strings.TrimSpace(tier))
}

// PlatformFeePercentForTier returns the platform fee for a seller subscription tier,
// falling back to the default tier for unknown values.
func (s Schedule) PlatformFeePercentForTier(sellerTier string) (string, decimal.Decimal) {
	tier := normalizeTier(sellerTier)
	if pct, ok := s.platformByTier[tier]; ok {
		return tier, pct
	}
	return s.defaultSellerTier, s.platformByTier[s.defaultSellerTier]
}

// Quote is the full fee breakdown for one checkout.
type Quote struct {
	SellerTier         string          `json:"seller_tier"`
	SubtotalCents      int64           `json:"subtotal_cents"`
	DiscountCents      int64           `json:"discount_cents"`
	NetSubtotalCents   int64           `json:"net_subtotal_cents"`
	BuyerTotalCents    int64           `json:"buyer_total_cents"`
	ProcessorFeeCents  int64           `json:"processor_fee_cents"`
	PlatformFeePercent decimal.Decimal `json:"platform_fee_percent"`
	PlatformFeeCents   int64           `json:"platform_fee_cents"`
}

// Quote computes the buyer total and fees for subtotalCents after discountCents.
func (s Schedule) Quote(subtotalCents int64, sellerTier string, discountCents int64) Quote {
	if subtotalCents < 0 {
		subtotalCents = 0
	}
	if discountCents < 0 {
		discountCents = 0
	}
	if discountCents > subtotalCents {
		discountCents = subtotalCents
	}
	net := subtotalCents - discountCents

	tier, pct := s.PlatformFeePercentForTier(sellerTier)
	total := ComputeBuyerTotal(net, s.Processor)

	return Quote{
		SellerTier:         tier,
		SubtotalCents:      subtotalCents,
		DiscountCents:      discountCents,
		NetSubtotalCents:   net,
		BuyerTotalCents:    total.BuyerTotalCents,
		ProcessorFeeCents:  total.ProcessorFeeCents,
		PlatformFeePercent: pct,
		PlatformFeeCents:   ComputePlatformFeeCents(net, pct),
	}
}
