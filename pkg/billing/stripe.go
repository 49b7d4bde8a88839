package billing

import (
	"context"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/client"

	"github.com/soullab/maia-voice/pkg/core/quota"
)

// CustomerLookup maps an internal user ID to a Stripe customer ID.
// Returning an empty ID means the user has no billing record.
type CustomerLookup func(ctx context.Context, userID string) (string, error)

// StripeResolver resolves tiers from active Stripe subscriptions. The price
// lookup key of the first active subscription item selects the tier; users
// without an active subscription get the fallback tier.
type StripeResolver struct {
	api      *client.API
	lookup   CustomerLookup
	tierByPK map[string]quota.Tier
	fallback quota.Tier
	logger   *slog.Logger
}

// NewStripeResolver builds a resolver over the Stripe API. tierByPriceKey
// maps Stripe price lookup keys to tiers.
func NewStripeResolver(apiKey string, lookup CustomerLookup, tierByPriceKey map[string]quota.Tier, fallback quota.Tier, logger *slog.Logger) (*StripeResolver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("billing: stripe api key required")
	}
	if lookup == nil {
		return nil, fmt.Errorf("billing: customer lookup required")
	}
	if fallback == "" {
		fallback = quota.TierFoundation
	}
	if logger == nil {
		logger = slog.Default()
	}
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeResolver{
		api:      api,
		lookup:   lookup,
		tierByPK: tierByPriceKey,
		fallback: fallback,
		logger:   logger,
	}, nil
}

// TierFor implements Resolver.
func (r *StripeResolver) TierFor(ctx context.Context, userID string) (quota.Tier, error) {
	customerID, err := r.lookup(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("billing: lookup customer for %s: %w", userID, err)
	}
	if customerID == "" {
		return r.fallback, nil
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.AddExpand("data.items.data.price")

	iter := r.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if tier, ok := r.tierByPK[item.Price.LookupKey]; ok {
				return tier, nil
			}
			r.logger.Warn("unmapped stripe price on active subscription",
				"customer", customerID, "lookup_key", item.Price.LookupKey)
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("billing: list subscriptions for %s: %w", customerID, err)
	}
	return r.fallback, nil
}
