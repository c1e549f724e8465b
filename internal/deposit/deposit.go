// Package deposit turns verified on-chain transfers into credit top-ups.
// The transaction reference is the idempotency anchor: a given transfer is
// credited at most once no matter how often it is submitted.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acee-ventures/openpoi/pkg/credits"
	"github.com/acee-ventures/openpoi/pkg/pricing"
)

const defaultVerifyTimeout = 10 * time.Second

// DefaultChains lists the networks deposits are accepted from.
var DefaultChains = []string{"ethereum", "polygon", "base"}

// Verification is the chain-side view of a transfer.
type Verification struct {
	Token     string
	RawAmount int64
	Payer     string
}

// Verifier confirms a transfer exists and is final on the given chain.
// Implementations return credits.ErrDepositNotVerified for transfers that
// are missing, unconfirmed or sent to the wrong address.
type Verifier interface {
	Verify(ctx context.Context, chain string, txRef string) (Verification, error)
}

// Receipt reports a processed deposit. Replayed marks a submission whose
// transfer had already been credited.
type Receipt struct {
	TxRef          string
	Token          string
	CreditsGranted int64
	Replayed       bool
}

// Processor verifies, converts and credits deposits.
type Processor struct {
	engine        *credits.Engine
	deposits      credits.DepositStore
	verifier      Verifier
	chains        map[string]struct{}
	verifyTimeout time.Duration
	logger        *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithChains replaces the accepted chain set.
func WithChains(chains []string) Option {
	return func(processor *Processor) {
		if len(chains) == 0 {
			return
		}
		processor.chains = chainSet(chains)
	}
}

// WithVerifyTimeout bounds the on-chain verification round trip.
func WithVerifyTimeout(timeout time.Duration) Option {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.verifyTimeout = timeout
		}
	}
}

// NewProcessor wires a Processor.
func NewProcessor(engine *credits.Engine, deposits credits.DepositStore, verifier Verifier, logger *zap.Logger, options ...Option) (*Processor, error) {
	if engine == nil {
		return nil, fmt.Errorf("deposit processor: engine is required")
	}
	if deposits == nil {
		return nil, fmt.Errorf("deposit processor: deposit store is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("deposit processor: verifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	processor := &Processor{
		engine:        engine,
		deposits:      deposits,
		verifier:      verifier,
		chains:        chainSet(DefaultChains),
		verifyTimeout: defaultVerifyTimeout,
		logger:        logger,
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Process credits the deposit identified by txRef to the user. Replayed
// submissions return the originally granted amount without touching the
// balance. A transfer converting to zero credits is rejected before any
// record is written.
func (processor *Processor) Process(ctx context.Context, userID string, chain string, txRef string) (Receipt, error) {
	userID, ok := credits.NormalizeUserID(userID)
	if !ok {
		return Receipt{}, credits.ErrInvalidUserID
	}
	chain = strings.ToLower(strings.TrimSpace(chain))
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return Receipt{}, fmt.Errorf("%w: tx reference is required", credits.ErrValidation)
	}
	if _, supported := processor.chains[chain]; !supported {
		return Receipt{}, fmt.Errorf("%w: %s", credits.ErrUnsupportedChain, chain)
	}

	if existing, found, err := processor.deposits.GetDepositByTxRef(ctx, txRef); err != nil {
		return Receipt{}, credits.ClassifyStoreError(err)
	} else if found {
		return replayReceipt(existing), nil
	}

	verification, err := processor.verify(ctx, chain, txRef)
	if err != nil {
		return Receipt{}, err
	}

	granted := pricing.DepositCredits(verification.Token, verification.RawAmount)
	if granted <= 0 {
		return Receipt{}, fmt.Errorf("%w: %s %d", credits.ErrDepositBelowMinimum, verification.Token, verification.RawAmount)
	}

	record := credits.DepositRecord{
		ID:             uuid.NewString(),
		UserID:         userID,
		TxRef:          txRef,
		Chain:          chain,
		Token:          verification.Token,
		RawAmount:      verification.RawAmount,
		CreditsGranted: granted,
		Status:         credits.DepositCredited,
		CreatedAt:      processor.engine.Now(),
	}
	err = processor.engine.CreditDeposit(ctx, record)
	if errors.Is(err, credits.ErrDepositExists) {
		// Lost the insert race; the winner's grant is authoritative.
		existing, found, lookupErr := processor.deposits.GetDepositByTxRef(ctx, txRef)
		if lookupErr != nil || !found {
			return Receipt{}, credits.ClassifyStoreError(err)
		}
		return replayReceipt(existing), nil
	}
	if err != nil {
		return Receipt{}, err
	}

	processor.logger.Info("deposit credited",
		zap.String("user_id", userID),
		zap.String("chain", chain),
		zap.String("tx_ref", txRef),
		zap.String("token", verification.Token),
		zap.Int64("credits", granted))
	return Receipt{TxRef: txRef, Token: verification.Token, CreditsGranted: granted}, nil
}

func (processor *Processor) verify(ctx context.Context, chain string, txRef string) (Verification, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, processor.verifyTimeout)
	defer cancel()
	verification, err := processor.verifier.Verify(verifyCtx, chain, txRef)
	if err != nil {
		if errors.Is(err, credits.ErrDepositNotVerified) {
			return Verification{}, err
		}
		return Verification{}, fmt.Errorf("%w: %v", credits.ErrVerifierUnavailable, err)
	}
	if verification.Token == "" {
		return Verification{}, fmt.Errorf("%w: unknown transfer token", credits.ErrDepositNotVerified)
	}
	return verification, nil
}

func replayReceipt(record credits.DepositRecord) Receipt {
	return Receipt{
		TxRef:          record.TxRef,
		Token:          record.Token,
		CreditsGranted: record.CreditsGranted,
		Replayed:       true,
	}
}

func chainSet(chains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(chains))
	for _, chain := range chains {
		set[strings.ToLower(strings.TrimSpace(chain))] = struct{}{}
	}
	return set
}
