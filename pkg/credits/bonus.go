package credits

import (
	"context"
	"errors"
	"fmt"
)

// BonusKind identifies a one-time promotional grant. It doubles as the
// ledger Source of the bonus entry, which is what the uniqueness constraint
// keys on.
type BonusKind string

const (
	BonusWelcome       BonusKind = "welcome"
	BonusWalletConnect BonusKind = "wallet_connect"
	BonusEmailRegister BonusKind = "email_register"
)

// Bonus amounts, in credits.
const (
	WelcomeBonusCredits       int64 = 1_000
	WalletConnectBonusCredits int64 = 5_000
	EmailRegisterBonusCredits int64 = 10_000
)

// BonusAmount returns the credit amount for a bonus kind, or 0 for an
// unknown kind.
func BonusAmount(kind BonusKind) int64 {
	switch kind {
	case BonusWelcome:
		return WelcomeBonusCredits
	case BonusWalletConnect:
		return WalletConnectBonusCredits
	case BonusEmailRegister:
		return EmailRegisterBonusCredits
	default:
		return 0
	}
}

// HasBeenGranted reports whether the bonus already exists in the ledger.
// This is a read-only convenience for display; GrantBonus never relies on
// it; the uniqueness constraint on the bonus entry is the real guard.
func (engine *Engine) HasBeenGranted(ctx context.Context, userID string, kind BonusKind) (bool, error) {
	userID, ok := NormalizeUserID(userID)
	if !ok {
		return false, ErrInvalidUserID
	}
	ctx, cancel := engine.opContext(ctx)
	defer cancel()
	granted, err := engine.store.HasBonusEntry(ctx, userID, Source(kind))
	if err != nil {
		return false, ClassifyStoreError(err)
	}
	return granted, nil
}

// GrantBonus credits a one-time bonus. Grant-or-detect is a single
// conditional insert: the credit runs unconditionally and a uniqueness
// conflict on the bonus entry means "already granted", reported as
// (false, nil) rather than an error. Under concurrent first-time calls at
// most one entry lands.
func (engine *Engine) GrantBonus(ctx context.Context, userID string, kind BonusKind, amount int64, reference string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: bonus amount must be positive", ErrInvalidAmount)
	}
	err := engine.Credit(ctx, userID, amount, Source(kind), SceneBonus, CreditOptions{Reference: reference})
	if errors.Is(err, ErrBonusAlreadyGranted) {
		engine.logOperation(ctx, OperationLog{
			Operation: operationBonus,
			UserID:    userID,
			Amount:    amount,
			Scene:     SceneBonus,
			Source:    Source(kind),
			Reference: reference,
			Status:    operationStatusRejected,
		})
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GrantWelcomeBonus grants the first-chat welcome bonus.
func (engine *Engine) GrantWelcomeBonus(ctx context.Context, userID string) (bool, error) {
	return engine.GrantBonus(ctx, userID, BonusWelcome, WelcomeBonusCredits, "welcome:"+userID)
}

// GrantWalletBonus grants the wallet connection bonus.
func (engine *Engine) GrantWalletBonus(ctx context.Context, userID string, walletAddress string) (bool, error) {
	return engine.GrantBonus(ctx, userID, BonusWalletConnect, WalletConnectBonusCredits, "wallet:"+walletAddress)
}

// GrantEmailBonus grants the email registration bonus.
func (engine *Engine) GrantEmailBonus(ctx context.Context, userID string, email string) (bool, error) {
	return engine.GrantBonus(ctx, userID, BonusEmailRegister, EmailRegisterBonusCredits, "email:"+email)
}
