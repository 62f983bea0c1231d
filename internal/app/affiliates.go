package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
	"github.com/shopspring/decimal"
)

var hundredPct = decimal.NewFromInt(100)

// CreateAffiliateRequest is the admin payload for enrolling an affiliate.
type CreateAffiliateRequest struct {
	UserAccountID       string     `json:"user_account_id" validate:"required,max=255"`
	ParentAffiliateID   *uuid.UUID `json:"parent_affiliate_id,omitempty"`
	PayoutAccountID     string     `json:"payout_account_id,omitempty" validate:"max=255"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
}

// PayoutAccountRequest connects or replaces the affiliate's transfer destination.
type PayoutAccountRequest struct {
	PayoutAccountID     string `json:"payout_account_id" validate:"required,max=255"`
	OnboardingCompleted bool   `json:"onboarding_completed"`
}

// CreateCodeRequest is the admin payload for issuing a link or promo code.
// An empty Code is generated.
type CreateCodeRequest struct {
	Code             string          `json:"code,omitempty" validate:"omitempty,min=3,max=64,alphanum"`
	Kind             domain.CodeKind `json:"kind" validate:"required,oneof=LINK PROMO"`
	DiscountSharePct decimal.Decimal `json:"discount_share_pct"`
	HasL2            bool            `json:"has_l2"`
}

// AffiliateService implements the admin operations on affiliates and codes.
type AffiliateService struct {
	repo     store.Repository
	resolver *AttributionResolver
	logger   *slog.Logger
	now      func() time.Time
}

func NewAffiliateService(repo store.Repository, resolver *AttributionResolver, logger *slog.Logger) *AffiliateService {
	return &AffiliateService{
		repo:     repo,
		resolver: resolver,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *AffiliateService) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return s.repo.GetAffiliate(ctx, id)
}

// CreateAffiliate enrolls a user account. Each account has at most one affiliate.
func (s *AffiliateService) CreateAffiliate(ctx context.Context, req CreateAffiliateRequest) (*domain.Affiliate, error) {
	now := s.now()
	affiliate := &domain.Affiliate{
		ID:                  uuid.New(),
		UserAccountID:       strings.TrimSpace(req.UserAccountID),
		Status:              domain.AffiliateStatusActive,
		ParentAffiliateID:   req.ParentAffiliateID,
		PayoutAccountID:     strings.TrimSpace(req.PayoutAccountID),
		OnboardingCompleted: req.OnboardingCompleted,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if affiliate.UserAccountID == "" {
		return nil, fmt.Errorf("%w: user_account_id is required", ErrInvalidRequest)
	}

	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if req.ParentAffiliateID != nil {
			if _, err := tx.GetAffiliate(ctx, *req.ParentAffiliateID); err != nil {
				return err
			}
		}
		return tx.CreateAffiliate(ctx, affiliate)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("affiliate created", "affiliate_id", affiliate.ID, "user_account_id", affiliate.UserAccountID)
	return affiliate, nil
}

// AssignParent delegates to the resolver, which owns the cycle check.
func (s *AffiliateService) AssignParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) (*domain.Affiliate, error) {
	return s.resolver.AssignParent(ctx, id, parentID)
}

// Suspend stops payouts to the affiliate. Credit keeps accruing unless the
// suspended policy excludes it.
func (s *AffiliateService) Suspend(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return s.setStatus(ctx, id, domain.AffiliateStatusSuspended)
}

func (s *AffiliateService) Reinstate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return s.setStatus(ctx, id, domain.AffiliateStatusActive)
}

func (s *AffiliateService) setStatus(ctx context.Context, id uuid.UUID, status domain.AffiliateStatus) (*domain.Affiliate, error) {
	return s.update(ctx, id, func(affiliate *domain.Affiliate) {
		affiliate.Status = status
	})
}

func (s *AffiliateService) SetPayoutAccount(ctx context.Context, id uuid.UUID, req PayoutAccountRequest) (*domain.Affiliate, error) {
	account := strings.TrimSpace(req.PayoutAccountID)
	if account == "" {
		return nil, fmt.Errorf("%w: payout_account_id is required", ErrInvalidRequest)
	}
	return s.update(ctx, id, func(affiliate *domain.Affiliate) {
		affiliate.PayoutAccountID = account
		affiliate.OnboardingCompleted = req.OnboardingCompleted
	})
}

func (s *AffiliateService) update(ctx context.Context, id uuid.UUID, apply func(*domain.Affiliate)) (*domain.Affiliate, error) {
	var updated *domain.Affiliate
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		affiliate, err := tx.GetAffiliateForUpdate(ctx, id)
		if err != nil {
			return err
		}
		apply(affiliate)
		affiliate.UpdatedAt = s.now()
		if err := tx.UpdateAffiliate(ctx, affiliate); err != nil {
			return err
		}
		updated = affiliate
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("affiliate updated", "affiliate_id", id, "status", updated.Status)
	return updated, nil
}

// CreateCode issues a referral link or promo code for the affiliate.
func (s *AffiliateService) CreateCode(ctx context.Context, affiliateID uuid.UUID, req CreateCodeRequest) (*domain.ReferralCode, error) {
	code, err := s.newCode(affiliateID, req)
	if err != nil {
		return nil, err
	}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAffiliate(ctx, affiliateID); err != nil {
			return err
		}
		return tx.CreateReferralCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("referral code created", "affiliate_id", affiliateID, "code", code.Code, "kind", code.Kind)
	return code, nil
}

// RotateCode retires code and issues a generated replacement with the same
// terms. Accounts attributed through the old code keep their attribution.
func (s *AffiliateService) RotateCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	var replacement *domain.ReferralCode
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetReferralCode(ctx, domain.NormalizeCode(code))
		if err != nil {
			return err
		}
		if current.Retired() {
			return ErrCodeInactive
		}
		if err := tx.RetireReferralCode(ctx, current.Code, s.now()); err != nil {
			return err
		}
		replacement, err = s.newCode(current.AffiliateID, CreateCodeRequest{
			Kind:             current.Kind,
			DiscountSharePct: current.DiscountSharePct,
			HasL2:            current.HasL2,
		})
		if err != nil {
			return err
		}
		return tx.CreateReferralCode(ctx, replacement)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("referral code rotated", "old_code", domain.NormalizeCode(code), "new_code", replacement.Code)
	return replacement, nil
}

func (s *AffiliateService) ListCodes(ctx context.Context, affiliateID uuid.UUID) ([]domain.ReferralCode, error) {
	if _, err := s.repo.GetAffiliate(ctx, affiliateID); err != nil {
		return nil, err
	}
	return s.repo.ListReferralCodes(ctx, affiliateID)
}

func (s *AffiliateService) newCode(affiliateID uuid.UUID, req CreateCodeRequest) (*domain.ReferralCode, error) {
	code := &domain.ReferralCode{
		Code:        domain.NormalizeCode(req.Code),
		AffiliateID: affiliateID,
		Kind:        req.Kind,
		CreatedAt:   s.now(),
	}
	switch req.Kind {
	case domain.CodeKindPromo:
		if req.DiscountSharePct.IsNegative() || req.DiscountSharePct.GreaterThan(hundredPct) {
			return nil, fmt.Errorf("%w: discount_share_pct must be within [0, 100]", ErrInvalidRequest)
		}
		code.DiscountSharePct = req.DiscountSharePct
		code.HasL2 = req.HasL2
	case domain.CodeKindLink:
	default:
		return nil, fmt.Errorf("%w: unknown code kind %q", ErrInvalidRequest, req.Kind)
	}
	if code.Code == "" {
		code.Code = generateCode()
	}
	return code, nil
}

// generateCode returns an 8 character code from a random UUID.
func generateCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
