package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/fees"
	"github.com/localmart/commission-service/internal/store"
	"github.com/shopspring/decimal"
)

// PromoValidation is the public answer for a promo code lookup.
type PromoValidation struct {
	Valid            bool             `json:"valid"`
	Code             string           `json:"code,omitempty"`
	DiscountSharePct *decimal.Decimal `json:"discount_share_pct,omitempty"`
	HasL2            *bool            `json:"has_l2,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// CheckoutQuoteRequest asks for the fee breakdown of a checkout.
type CheckoutQuoteRequest struct {
	SubtotalCents int64  `json:"subtotal_cents" validate:"gte=0,lte=10000000"`
	SellerTier    string `json:"seller_tier" validate:"omitempty,max=32"`
	PromoCode     string `json:"promo_code,omitempty" validate:"max=64"`
}

// CheckoutQuote is the fee breakdown plus the metadata the payment collaborator
// must echo back on the revenue event.
type CheckoutQuote struct {
	fees.Quote
	EventMetadata *domain.InboundMetadata `json:"event_metadata,omitempty"`
}

// PromoService evaluates promo codes.
type PromoService struct {
	repo     store.Repository
	policy   CommissionPolicy
	schedule fees.Schedule
}

func NewPromoService(repo store.Repository, policy CommissionPolicy, schedule fees.Schedule) *PromoService {
	return &PromoService{repo: repo, policy: policy, schedule: schedule}
}

// Validate looks up an active promo code. Unknown, retired and link codes are
// not found; codes owned by a suspended affiliate are inactive.
func (s *PromoService) Validate(ctx context.Context, code string) (PromoValidation, error) {
	referral, _, err := s.activePromo(ctx, code)
	if err != nil {
		return PromoValidation{Valid: false}, err
	}
	pct := referral.DiscountSharePct
	hasL2 := referral.HasL2
	return PromoValidation{
		Valid:            true,
		Code:             referral.Code,
		DiscountSharePct: &pct,
		HasL2:            &hasL2,
	}, nil
}

func (s *PromoService) activePromo(ctx context.Context, code string) (*domain.ReferralCode, *domain.Affiliate, error) {
	normalized := domain.NormalizeCode(code)
	if normalized == "" {
		return nil, nil, store.ErrCodeNotFound
	}
	referral, err := s.repo.GetReferralCode(ctx, normalized)
	if err != nil {
		return nil, nil, err
	}
	if referral.Kind != domain.CodeKindPromo || referral.Retired() {
		return nil, nil, store.ErrCodeNotFound
	}
	owner, err := s.repo.GetAffiliate(ctx, referral.AffiliateID)
	if err != nil {
		return nil, nil, err
	}
	if owner.IsSuspended() {
		return nil, nil, ErrCodeInactive
	}
	return referral, owner, nil
}

// QuoteCheckout prices a checkout. With a promo code the buyer discount is the
// rebated part of the seller-affiliate's direct commission on the subtotal.
func (s *PromoService) QuoteCheckout(ctx context.Context, req CheckoutQuoteRequest) (CheckoutQuote, error) {
	if req.PromoCode == "" {
		return CheckoutQuote{Quote: s.schedule.Quote(req.SubtotalCents, req.SellerTier, 0)}, nil
	}

	referral, owner, err := s.activePromo(ctx, req.PromoCode)
	if errors.Is(err, store.ErrCodeNotFound) || errors.Is(err, ErrCodeInactive) {
		return CheckoutQuote{}, fmt.Errorf("%w: %v", ErrInvalidPromoCode, err)
	}
	if err != nil {
		return CheckoutQuote{}, err
	}

	directShare := s.policy.Shares.SoleDirect
	if referral.HasL2 && owner.ParentAffiliateID != nil {
		directShare = s.policy.Shares.Direct
	}
	commission := fees.ShareOfCents(req.SubtotalCents, directShare)
	_, discount := fees.SplitDiscountShare(commission, referral.DiscountSharePct)

	pct := referral.DiscountSharePct
	hasL2 := referral.HasL2
	return CheckoutQuote{
		Quote: s.schedule.Quote(req.SubtotalCents, req.SellerTier, discount),
		EventMetadata: &domain.InboundMetadata{
			PromoCode:        referral.Code,
			DiscountSharePct: &pct,
			HasL2:            &hasL2,
		},
	}, nil
}
