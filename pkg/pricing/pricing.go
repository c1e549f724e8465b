// Package pricing converts metered token usage into integer credit costs.
//
// Credits exchange rate: $1 USD = 100 credits. Model rates carry the
// platform markup already. The model_pricing table takes precedence over
// the built-in defaults when reachable.
package pricing

import "math"

// ModelPrice is the per-model rate, in credits per 1M tokens.
type ModelPrice struct {
	Provider          string
	CreditsPerMInput  int64
	CreditsPerMOutput int64
}

// CreditsPerUSD is the fixed fiat exchange rate.
const CreditsPerUSD int64 = 100

// FallbackModel is the conservative default tier applied to unknown models.
const FallbackModel = "claude-sonnet-4.5"

// DefaultModelPricing is the built-in rate table, used when the override
// table is empty or unreachable.
var DefaultModelPricing = map[string]ModelPrice{
	"claude-sonnet-4.5": {Provider: "anthropic", CreditsPerMInput: 36, CreditsPerMOutput: 180},
	"claude-haiku-4.5":  {Provider: "anthropic", CreditsPerMInput: 12, CreditsPerMOutput: 60},
	"claude-opus-4.6":   {Provider: "anthropic", CreditsPerMInput: 180, CreditsPerMOutput: 900},

	"gpt-5":       {Provider: "openai", CreditsPerMInput: 15, CreditsPerMOutput: 120},
	"gpt-5-mini":  {Provider: "openai", CreditsPerMInput: 3, CreditsPerMOutput: 24},
	"gpt-4o":      {Provider: "openai", CreditsPerMInput: 60, CreditsPerMOutput: 240},
	"gpt-4o-mini": {Provider: "openai", CreditsPerMInput: 2, CreditsPerMOutput: 7},

	"deepseek-v3": {Provider: "deepseek", CreditsPerMInput: 3, CreditsPerMOutput: 11},
	"deepseek-r1": {Provider: "deepseek", CreditsPerMInput: 7, CreditsPerMOutput: 28},

	"qwen-local": {Provider: "qwen", CreditsPerMInput: 1, CreditsPerMOutput: 3},

	"gemini-2.0-flash": {Provider: "google", CreditsPerMInput: 1, CreditsPerMOutput: 5},
}

// CryptoExchangeRates maps a deposit token to credits per whole token.
// Stablecoins peg to the fiat rate; POI carries a fixed utility rate.
var CryptoExchangeRates = map[string]int64{
	"USDC": CreditsPerUSD,
	"USDT": CreditsPerUSD,
	"POI":  1_000,
}

// TokenDecimals maps a deposit token to its on-chain minor-unit decimals.
var TokenDecimals = map[string]int{
	"USDC": 6,
	"USDT": 6,
	"POI":  18,
}

// DiscountTier is one row of the descending-threshold discount table.
type DiscountTier struct {
	Name         string
	MinBalance   int64
	DiscountRate float64
}

// DefaultDiscountTiers is ordered by descending threshold; DiscountRate
// scans it top down.
var DefaultDiscountTiers = []DiscountTier{
	{Name: "platinum", MinBalance: 100_000, DiscountRate: 0.20},
	{Name: "gold", MinBalance: 10_000, DiscountRate: 0.10},
	{Name: "silver", MinBalance: 1_000, DiscountRate: 0.05},
}

// Conservative pre-check token assumptions. The admission estimate uses
// these, never real usage, and is never deducted.
const (
	EstimatedInputTokens  = 2_000
	EstimatedOutputTokens = 1_000
)

// Lookup resolves the rate for a model: overrides first, then the built-in
// defaults, then the conservative fallback tier for unknown models.
func Lookup(model string, overrides map[string]ModelPrice) ModelPrice {
	if price, ok := overrides[model]; ok {
		return price
	}
	if price, ok := DefaultModelPricing[model]; ok {
		return price
	}
	return DefaultModelPricing[FallbackModel]
}

// Cost computes the integer credit cost of a request:
//
//	ceil((tokensIn/1e6*rateIn + tokensOut/1e6*rateOut) * (1 - discountRate))
//
// Any nonzero token usage costs at least 1 credit even when the computed
// value rounds below 1. Credits are integers; no fractional value escapes.
func Cost(model string, tokensIn, tokensOut int, discountRate float64, overrides map[string]ModelPrice) int64 {
	price := Lookup(model, overrides)

	inputCost := float64(tokensIn) / 1_000_000 * float64(price.CreditsPerMInput)
	outputCost := float64(tokensOut) / 1_000_000 * float64(price.CreditsPerMOutput)
	discounted := (inputCost + outputCost) * (1 - discountRate)

	if tokensIn+tokensOut > 0 && discounted < 1 {
		return 1
	}
	return int64(math.Ceil(discounted))
}

// EstimateCost prices a request before it runs, using the fixed
// conservative token assumptions.
func EstimateCost(model string, discountRate float64, overrides map[string]ModelPrice) int64 {
	return Cost(model, EstimatedInputTokens, EstimatedOutputTokens, discountRate, overrides)
}

// DiscountRate scans the tier table (ordered by descending threshold) and
// returns the first tier the qualifying balance clears. No tier → 0.
func DiscountRate(tiers []DiscountTier, qualifyingBalance int64) float64 {
	for _, tier := range tiers {
		if qualifyingBalance >= tier.MinBalance {
			return tier.DiscountRate
		}
	}
	return 0
}

// DepositCredits converts a raw on-chain amount (integer minor units) into
// credits at the fixed per-token exchange rate, floored to an integer.
// Unknown tokens convert to zero.
func DepositCredits(token string, rawAmount int64) int64 {
	rate, ok := CryptoExchangeRates[token]
	if !ok || rawAmount <= 0 {
		return 0
	}
	decimals, ok := TokenDecimals[token]
	if !ok {
		return 0
	}
	whole := float64(rawAmount) / math.Pow10(decimals)
	return int64(math.Floor(whole * float64(rate)))
}
