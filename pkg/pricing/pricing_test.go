package pricing

import (
	"math"
	"testing"
)

func TestLookupPrefersOverrides(test *testing.T) {
	test.Parallel()
	overrides := map[string]ModelPrice{
		"claude-sonnet-4.5": {Provider: "anthropic", CreditsPerMInput: 50, CreditsPerMOutput: 250},
	}
	price := Lookup("claude-sonnet-4.5", overrides)
	if price.CreditsPerMInput != 50 || price.CreditsPerMOutput != 250 {
		test.Fatalf("override ignored: %+v", price)
	}
}

func TestLookupUnknownModelUsesFallback(test *testing.T) {
	test.Parallel()
	price := Lookup("some-model-nobody-registered", nil)
	fallback := DefaultModelPricing[FallbackModel]
	if price != fallback {
		test.Fatalf("expected fallback tier %+v, got %+v", fallback, price)
	}
}

func TestCostZeroTokensIsFree(test *testing.T) {
	test.Parallel()
	if cost := Cost("claude-sonnet-4.5", 0, 0, 0, nil); cost != 0 {
		test.Fatalf("expected 0 for zero usage, got %d", cost)
	}
}

func TestCostMinimumOneCreditForAnyUsage(test *testing.T) {
	test.Parallel()
	if cost := Cost("gemini-2.0-flash", 1, 0, 0, nil); cost != 1 {
		test.Fatalf("expected minimum 1 credit, got %d", cost)
	}
	if cost := Cost("claude-sonnet-4.5", 100, 100, 0.20, nil); cost != 1 {
		test.Fatalf("discounted tiny usage must still cost 1, got %d", cost)
	}
}

func TestCostCeilsAfterDiscount(test *testing.T) {
	test.Parallel()
	// 1M in + 1M out on claude-sonnet-4.5: 36 + 180 = 216 credits.
	if cost := Cost("claude-sonnet-4.5", 1_000_000, 1_000_000, 0, nil); cost != 216 {
		test.Fatalf("expected 216, got %d", cost)
	}
	// 10% discount: 216 * 0.9 = 194.4, ceiled to 195.
	if cost := Cost("claude-sonnet-4.5", 1_000_000, 1_000_000, 0.10, nil); cost != 195 {
		test.Fatalf("expected 195, got %d", cost)
	}
}

func TestEstimateCostUsesFixedAssumptions(test *testing.T) {
	test.Parallel()
	expected := Cost("claude-sonnet-4.5", EstimatedInputTokens, EstimatedOutputTokens, 0, nil)
	if estimate := EstimateCost("claude-sonnet-4.5", 0, nil); estimate != expected {
		test.Fatalf("expected %d, got %d", expected, estimate)
	}
	if expected < 1 {
		test.Fatalf("estimate for the fallback model must be positive, got %d", expected)
	}
}

func TestDiscountRateTierBoundaries(test *testing.T) {
	test.Parallel()
	cases := []struct {
		balance int64
		rate    float64
	}{
		{999, 0},
		{1_000, 0.05},
		{9_999, 0.05},
		{10_000, 0.10},
		{100_000, 0.20},
		{2_000_000, 0.20},
		{0, 0},
		{-5, 0},
	}
	for _, entry := range cases {
		if rate := DiscountRate(DefaultDiscountTiers, entry.balance); rate != entry.rate {
			test.Fatalf("balance %d: expected rate %v, got %v", entry.balance, entry.rate, rate)
		}
	}
}

func TestDiscountRateEmptyTiers(test *testing.T) {
	test.Parallel()
	if rate := DiscountRate(nil, 1_000_000); rate != 0 {
		test.Fatalf("expected 0 without tiers, got %v", rate)
	}
}

func TestDepositCreditsStablecoin(test *testing.T) {
	test.Parallel()
	// 25 USDC in 6-decimal minor units at 100 credits per USDC.
	if credits := DepositCredits("USDC", 25_000_000); credits != 2_500 {
		test.Fatalf("expected 2500, got %d", credits)
	}
	if credits := DepositCredits("USDT", 1_500_000); credits != 150 {
		test.Fatalf("expected 150, got %d", credits)
	}
}

func TestDepositCreditsUtilityToken(test *testing.T) {
	test.Parallel()
	oneWholePOI := int64(math.Pow10(18))
	if credits := DepositCredits("POI", oneWholePOI); credits != 1_000 {
		test.Fatalf("expected 1000, got %d", credits)
	}
}

func TestDepositCreditsFloorsFractions(test *testing.T) {
	test.Parallel()
	// 0.019 USDC converts to 1.9 credits, floored to 1.
	if credits := DepositCredits("USDC", 19_000); credits != 1 {
		test.Fatalf("expected 1, got %d", credits)
	}
}

func TestDepositCreditsRejectsUnknownAndNonPositive(test *testing.T) {
	test.Parallel()
	if credits := DepositCredits("DOGE", 1_000_000); credits != 0 {
		test.Fatalf("unknown token must convert to 0, got %d", credits)
	}
	if credits := DepositCredits("USDC", 0); credits != 0 {
		test.Fatalf("zero amount must convert to 0, got %d", credits)
	}
	if credits := DepositCredits("USDC", -5); credits != 0 {
		test.Fatalf("negative amount must convert to 0, got %d", credits)
	}
}
