package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
)

const (
	summaryMonths         = 12
	defaultTopPerformers  = 10
	maxTopPerformersLimit = 100
)

// ReportService answers the admin earnings queries.
type ReportService struct {
	repo store.Repository
	now  func() time.Time
}

func NewReportService(repo store.Repository) *ReportService {
	return &ReportService{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// AffiliateSummary returns lifetime totals, the trailing twelve months of net
// income with empty months zero-filled, and current balances.
func (s *ReportService) AffiliateSummary(ctx context.Context, affiliateID uuid.UUID) (domain.AffiliateSummary, error) {
	if _, err := s.repo.GetAffiliate(ctx, affiliateID); err != nil {
		return domain.AffiliateSummary{}, err
	}

	byTierType, err := s.repo.LifetimeTotalsByTierType(ctx, affiliateID)
	if err != nil {
		return domain.AffiliateSummary{}, err
	}
	var lifetime int64
	for _, total := range byTierType {
		lifetime += total.TotalCents
	}

	months := domain.TrailingMonths(s.now(), summaryMonths)
	monthly, err := s.repo.MonthlyTotals(ctx, affiliateID, months[0].Start())
	if err != nil {
		return domain.AffiliateSummary{}, err
	}

	balances, err := s.repo.Balances(ctx, affiliateID)
	if err != nil {
		return domain.AffiliateSummary{}, err
	}

	if byTierType == nil {
		byTierType = []domain.TierTypeTotal{}
	}
	return domain.AffiliateSummary{
		AffiliateID:        affiliateID,
		LifetimeTotalCents: lifetime,
		LifetimeByTierType: byTierType,
		Monthly:            domain.ZeroFillMonths(months, monthly),
		Balances:           balances,
	}, nil
}

// TopPerformers ranks affiliates by lifetime net commission.
func (s *ReportService) TopPerformers(ctx context.Context, limit int) ([]domain.TopPerformer, error) {
	if limit <= 0 {
		limit = defaultTopPerformers
	}
	if limit > maxTopPerformersLimit {
		limit = maxTopPerformersLimit
	}
	rows, err := s.repo.TopPerformers(ctx, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.TopPerformer{}
	}
	return rows, nil
}
