// Package gate implements the pre-flight admission check and the
// post-response settlement around metered requests. Admission never
// mutates a balance; settlement deducts exactly once.
package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acee-ventures/openpoi/pkg/credits"
	"github.com/acee-ventures/openpoi/pkg/pricing"
)

// RoleAdmin bypasses every admission check.
const RoleAdmin = "admin"

// MinimumViableBalance is the least spendable balance (in credits) that
// admits a request.
const MinimumViableBalance int64 = 1

// Rejection reasons carried on a Decision.
const (
	ReasonModelNotAllowed     = "model_not_allowed"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonServiceUnavailable  = "service_unavailable"
)

// Requestor is the identity slice admission needs. It is supplied by the
// identity provider and trusted without re-verification.
type Requestor struct {
	UserID        string
	Role          string
	AllowedModels []string
}

// Decision is the admission outcome. EstimatedCost uses fixed conservative
// token assumptions for gating only; it is never deducted.
type Decision struct {
	Allowed        bool
	Reason         string
	UserID         string
	EstimatedCost  int64
	DiscountRate   float64
	BalanceAtCheck int64
}

// SettlementResult reports the exact post-hoc deduction.
type SettlementResult struct {
	Success     bool
	CreditsCost int64
	Model       string
	TokensIn    int
	TokensOut   int
}

// Gate wires admission and settlement over the credit engine and the
// pricing resolver.
type Gate struct {
	engine   *credits.Engine
	resolver *pricing.Resolver
	logger   *zap.Logger
}

// NewGate wires a Gate.
func NewGate(engine *credits.Engine, resolver *pricing.Resolver, logger *zap.Logger) (*Gate, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", credits.ErrInvalidEngineConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver dependency is nil", credits.ErrInvalidEngineConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{engine: engine, resolver: resolver, logger: logger}, nil
}

// Admit runs the read-only pre-flight check. Admin bypasses every check; a
// model outside a non-nil allowed set is rejected; a balance below the
// minimum viable threshold is rejected with the balance attached. A store
// timeout fails closed: rejected, with the retryable error returned so the
// caller can distinguish an outage from an empty balance.
func (gate *Gate) Admit(ctx context.Context, requestor Requestor, model string) (Decision, error) {
	if requestor.Role == RoleAdmin {
		return Decision{Allowed: true, UserID: requestor.UserID}, nil
	}

	if requestor.AllowedModels != nil && !containsModel(requestor.AllowedModels, model) {
		return Decision{
			Allowed: false,
			Reason:  ReasonModelNotAllowed,
			UserID:  requestor.UserID,
		}, nil
	}

	balance, err := gate.engine.Balance(ctx, requestor.UserID)
	if err != nil {
		gate.logger.Warn("admission balance read failed, failing closed",
			zap.String("user_id", requestor.UserID), zap.Error(err))
		return Decision{
			Allowed: false,
			Reason:  ReasonServiceUnavailable,
			UserID:  requestor.UserID,
		}, err
	}

	discountRate := gate.resolver.UserDiscountRate(ctx, balance.Total())
	estimatedCost := gate.resolver.Estimate(ctx, model, discountRate)

	if balance.SpendableCredits < MinimumViableBalance {
		return Decision{
			Allowed:        false,
			Reason:         ReasonInsufficientCredits,
			UserID:         requestor.UserID,
			EstimatedCost:  estimatedCost,
			DiscountRate:   discountRate,
			BalanceAtCheck: balance.SpendableCredits,
		}, nil
	}

	return Decision{
		Allowed:        true,
		UserID:         requestor.UserID,
		EstimatedCost:  estimatedCost,
		DiscountRate:   discountRate,
		BalanceAtCheck: balance.SpendableCredits,
	}, nil
}

// Settle computes the real cost from actual usage and deducts it exactly
// once. Depletion between admission and settlement reports Success=false
// without retracting the already-delivered response; a store timeout fails
// open: logged, abandoned, never retried.
func (gate *Gate) Settle(ctx context.Context, userID, model string, tokensIn, tokensOut int, discountRate float64, reference string) (SettlementResult, error) {
	if tokensIn+tokensOut == 0 {
		return SettlementResult{Success: true, Model: model}, nil
	}

	success, creditsCost, err := gate.engine.RecordUsageAndDeduct(ctx, userID, credits.UsageRecord{
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Reference: reference,
	}, discountRate, gate.resolver.Overrides(ctx))

	result := SettlementResult{
		Success:     success,
		CreditsCost: creditsCost,
		Model:       model,
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
	}
	if err != nil {
		gate.logger.Error("settlement failed, usage goes unbilled",
			zap.String("user_id", userID),
			zap.String("model", model),
			zap.Int64("credits_cost", creditsCost),
			zap.String("reference", reference),
			zap.Error(err))
		return result, err
	}
	if !success {
		gate.logger.Warn("settlement deduction rejected, balance depleted since admission",
			zap.String("user_id", userID),
			zap.String("model", model),
			zap.Int64("credits_cost", creditsCost),
			zap.String("reference", reference))
	}
	return result, nil
}

func containsModel(models []string, model string) bool {
	for _, candidate := range models {
		if candidate == model {
			return true
		}
	}
	return false
}
