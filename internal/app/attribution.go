/**
 * @description
 * Attribution binds a referred account to the affiliate chain that earns from its
 * revenue. The chain is computed once, when the account first arrives through a
 * referral link or promo code, and stored with its shares so later changes to the
 * affiliate tree or the configured split never rewrite history.
 *
 * @notes
 * - First attribution wins. Repeated calls return the stored chain unchanged.
 * - The upline walk stops after two ancestors or on a cycle.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
)

// maxTreeDepth bounds the ancestor walk used for cycle detection.
const maxTreeDepth = 1000

// AttributionResolver records and resolves account attributions.
type AttributionResolver struct {
	repo   store.Repository
	policy CommissionPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewAttributionResolver creates a resolver over repo.
func NewAttributionResolver(repo store.Repository, policy CommissionPolicy, logger *slog.Logger) *AttributionResolver {
	return &AttributionResolver{
		repo:   repo,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Attribute binds accountID to the chain of the affiliate owning code. If the
// account is already attributed the existing attribution is returned.
func (r *AttributionResolver) Attribute(ctx context.Context, accountID, code string) (*domain.Attribution, error) {
	var attribution *domain.Attribution
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		attribution, err = r.attributeTx(ctx, tx, accountID, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return attribution, nil
}

func (r *AttributionResolver) attributeTx(ctx context.Context, tx store.Tx, accountID, code string) (*domain.Attribution, error) {
	existing, err := tx.GetAttribution(ctx, accountID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrAttributionNotFound) {
		return nil, err
	}

	referral, err := tx.GetReferralCode(ctx, domain.NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	if referral.Retired() {
		return nil, store.ErrCodeNotFound
	}

	owner, err := tx.GetAffiliate(ctx, referral.AffiliateID)
	if err != nil {
		return nil, err
	}
	if owner.UserAccountID == accountID {
		return nil, ErrSelfReferral
	}

	chain := []domain.Affiliate{*owner}
	if referral.AttributesUpline(r.policy.LinkAttributesUpline) {
		chain, err = r.walkUpline(ctx, tx, *owner)
		if err != nil {
			return nil, err
		}
	}

	attribution := &domain.Attribution{
		AccountID: accountID,
		Code:      referral.Code,
		Source:    referral.Kind,
		Tiers:     r.policy.tierShares(chain),
		CreatedAt: r.now(),
	}
	inserted, err := tx.InsertAttribution(ctx, attribution)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return tx.GetAttribution(ctx, accountID)
	}

	r.logger.Info("account attributed", "account_id", accountID, "code", referral.Code, "tiers", len(attribution.Tiers))
	return attribution, nil
}

// walkUpline returns owner followed by at most maxUplineDepth ancestors.
func (r *AttributionResolver) walkUpline(ctx context.Context, tx store.Tx, owner domain.Affiliate) ([]domain.Affiliate, error) {
	chain := []domain.Affiliate{owner}
	visited := map[uuid.UUID]bool{owner.ID: true}
	current := owner
	for len(chain) <= maxUplineDepth && current.ParentAffiliateID != nil {
		parentID := *current.ParentAffiliateID
		if visited[parentID] {
			r.logger.Warn("affiliate tree cycle detected; truncating chain", "affiliate_id", current.ID, "parent_id", parentID)
			break
		}
		parent, err := tx.GetAffiliate(ctx, parentID)
		if errors.Is(err, store.ErrAffiliateNotFound) {
			r.logger.Warn("dangling parent reference; truncating chain", "affiliate_id", current.ID, "parent_id", parentID)
			break
		}
		if err != nil {
			return nil, err
		}
		visited[parentID] = true
		chain = append(chain, *parent)
		current = *parent
	}
	return chain, nil
}

// Resolve returns the credited shares for a revenue event of accountID.
func (r *AttributionResolver) Resolve(ctx context.Context, accountID string, meta domain.EventMetadata) ([]domain.TierShare, error) {
	var shares []domain.TierShare
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		shares, err = r.resolveTx(ctx, tx, accountID, meta)
		return err
	})
	return shares, err
}

// resolveTx reads the stored chain, caps it at the metadata's depth and applies
// the suspended-affiliate policy. An empty result means nobody is credited.
func (r *AttributionResolver) resolveTx(ctx context.Context, tx store.Tx, accountID string, meta domain.EventMetadata) ([]domain.TierShare, error) {
	attribution, err := tx.GetAttribution(ctx, accountID)
	if errors.Is(err, store.ErrAttributionNotFound) {
		return nil, ErrUnknownAttribution
	}
	if err != nil {
		return nil, err
	}

	if meta == nil {
		meta = domain.ParentMeta{}
	}
	tiers := attribution.Tiers
	if limit := meta.MaxChainIndex() + 1; len(tiers) > limit {
		tiers = tiers[:limit]
	}

	shares := make([]domain.TierShare, 0, len(tiers))
	for _, share := range tiers {
		if r.policy.ExcludeSuspended {
			affiliate, err := tx.GetAffiliate(ctx, share.AffiliateID)
			if err != nil {
				return nil, err
			}
			if affiliate.IsSuspended() {
				r.logger.Info("skipping suspended affiliate", "affiliate_id", share.AffiliateID, "account_id", accountID)
				continue
			}
		}
		shares = append(shares, share)
	}
	return shares, nil
}

// AssignParent moves affiliateID under parentID, or detaches it when parentID is
// nil. Existing attributions keep the chain they were created with.
func (r *AttributionResolver) AssignParent(ctx context.Context, affiliateID uuid.UUID, parentID *uuid.UUID) (*domain.Affiliate, error) {
	var updated *domain.Affiliate
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		affiliate, err := tx.GetAffiliateForUpdate(ctx, affiliateID)
		if err != nil {
			return err
		}
		if parentID != nil {
			if err := r.checkAcyclic(ctx, tx, affiliateID, *parentID); err != nil {
				return err
			}
		}
		affiliate.ParentAffiliateID = parentID
		affiliate.UpdatedAt = r.now()
		if err := tx.UpdateAffiliate(ctx, affiliate); err != nil {
			return err
		}
		updated = affiliate
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("affiliate parent updated", "affiliate_id", affiliateID, "parent_id", parentID)
	return updated, nil
}

func (r *AttributionResolver) checkAcyclic(ctx context.Context, tx store.Tx, affiliateID, parentID uuid.UUID) error {
	cursor := parentID
	for depth := 0; depth < maxTreeDepth; depth++ {
		if cursor == affiliateID {
			return ErrAffiliateCycle
		}
		ancestor, err := tx.GetAffiliate(ctx, cursor)
		if err != nil {
			return err
		}
		if ancestor.ParentAffiliateID == nil {
			return nil
		}
		cursor = *ancestor.ParentAffiliateID
	}
	return ErrAffiliateCycle
}
