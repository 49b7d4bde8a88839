// Package billing resolves a user's subscription tier.
package billing

import (
	"context"
	"strings"

	"github.com/soullab/maia-voice/pkg/core/quota"
)

// Resolver maps a user to their subscription tier.
type Resolver interface {
	TierFor(ctx context.Context, userID string) (quota.Tier, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, userID string) (quota.Tier, error)

// TierFor implements Resolver.
func (f ResolverFunc) TierFor(ctx context.Context, userID string) (quota.Tier, error) {
	return f(ctx, userID)
}

// ParseTier normalizes a tier name. Unknown names fall back to foundation,
// reported through ok.
func ParseTier(raw string) (tier quota.Tier, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(quota.TierFoundation):
		return quota.TierFoundation, true
	case string(quota.TierDeepening):
		return quota.TierDeepening, true
	case string(quota.TierFacilitator):
		return quota.TierFacilitator, true
	default:
		return quota.TierFoundation, false
	}
}

// Static resolves tiers from a fixed table, with a default for users the
// table does not mention. Suitable for single-tenant and dev deployments.
type Static struct {
	overrides map[string]quota.Tier
	def       quota.Tier
}

// NewStatic builds a Static resolver. overrides may be nil.
func NewStatic(def quota.Tier, overrides map[string]quota.Tier) *Static {
	if def == "" {
		def = quota.TierFoundation
	}
	return &Static{overrides: overrides, def: def}
}

// TierFor implements Resolver.
func (s *Static) TierFor(_ context.Context, userID string) (quota.Tier, error) {
	if t, ok := s.overrides[userID]; ok {
		return t, nil
	}
	return s.def, nil
}
