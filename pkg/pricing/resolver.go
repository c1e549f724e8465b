package pricing

import (
	"context"

	"go.uber.org/zap"
)

// OverrideSource supplies DB-backed pricing configuration. The model_pricing
// table takes precedence over the built-in defaults.
type OverrideSource interface {
	ModelPricingOverrides(ctx context.Context) (map[string]ModelPrice, error)
	DiscountTiers(ctx context.Context) ([]DiscountTier, error)
}

// Resolver wraps the pure pricing functions with a store-backed override
// and tier source. Lookup failures fall back to the built-in tables; an
// unreachable pricing table must never block billing.
type Resolver struct {
	source OverrideSource
	logger *zap.Logger
}

// NewResolver wires a Resolver. source may be nil (defaults only).
func NewResolver(source OverrideSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, logger: logger}
}

// Overrides loads the DB pricing table, falling back to nil (defaults) on
// failure.
func (resolver *Resolver) Overrides(ctx context.Context) map[string]ModelPrice {
	if resolver.source == nil {
		return nil
	}
	overrides, err := resolver.source.ModelPricingOverrides(ctx)
	if err != nil {
		resolver.logger.Warn("pricing overrides unavailable, using defaults", zap.Error(err))
		return nil
	}
	return overrides
}

// Tiers loads the discount tier table, falling back to the defaults on
// failure or emptiness.
func (resolver *Resolver) Tiers(ctx context.Context) []DiscountTier {
	if resolver.source == nil {
		return DefaultDiscountTiers
	}
	tiers, err := resolver.source.DiscountTiers(ctx)
	if err != nil {
		resolver.logger.Warn("discount tiers unavailable, using defaults", zap.Error(err))
		return DefaultDiscountTiers
	}
	if len(tiers) == 0 {
		return DefaultDiscountTiers
	}
	return tiers
}

// Cost prices real usage with DB overrides applied.
func (resolver *Resolver) Cost(ctx context.Context, model string, tokensIn, tokensOut int, discountRate float64) int64 {
	return Cost(model, tokensIn, tokensOut, discountRate, resolver.Overrides(ctx))
}

// Estimate prices a pre-check with DB overrides applied.
func (resolver *Resolver) Estimate(ctx context.Context, model string, discountRate float64) int64 {
	return EstimateCost(model, discountRate, resolver.Overrides(ctx))
}

// UserDiscountRate resolves the tier discount for a qualifying balance.
func (resolver *Resolver) UserDiscountRate(ctx context.Context, qualifyingBalance int64) float64 {
	return DiscountRate(resolver.Tiers(ctx), qualifyingBalance)
}
