// Package identity manages progressive identity bindings: an anonymous
// device id first, optionally upgraded with a wallet address or a Google
// account. Bindings gate signup bonuses and enable account recovery.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acee-ventures/openpoi/pkg/credits"
)

const (
	ProviderDevice = "device"
	ProviderGoogle = "google"
	ProviderWallet = "wallet"

	recoveryMethodGoogle = "google"
)

// Binding is one provider credential attached to a user.
type Binding struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	Email          string
	EmailVerified  bool
	CreatedAt      time.Time
}

// RecoveryRecord is the audit row written after a recovery transfer.
type RecoveryRecord struct {
	OldUserID          string
	NewUserID          string
	CreditsTransferred int64
	Method             string
	CreatedAt          time.Time
}

// Store is the persistence contract for bindings and recovery records.
// gormstore and pgstore both implement it.
type Store interface {
	FindBinding(ctx context.Context, provider string, providerUserID string) (Binding, bool, error)
	InsertBinding(ctx context.Context, binding Binding) error
	ReassignBindings(ctx context.Context, fromUserID string, toUserID string, now time.Time) error
	InsertRecoveryLog(ctx context.Context, record RecoveryRecord) error
}

// GoogleClaims is the verified subset of a Google ID token.
type GoogleClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// GoogleVerifier validates a raw Google ID token.
type GoogleVerifier interface {
	Verify(ctx context.Context, rawToken string) (GoogleClaims, error)
}

// Service binds credentials to users and grants the matching signup
// bonuses through the credit engine.
type Service struct {
	store    Store
	engine   *credits.Engine
	verifier GoogleVerifier
	nowFn    func() time.Time
	logger   *zap.Logger
}

// NewService validates dependencies. verifier may be nil when Google
// binding is disabled; BindGoogle and RecoverByGoogle then fail with
// ErrVerifierUnavailable.
func NewService(store Store, engine *credits.Engine, verifier GoogleVerifier, nowFn func() time.Time, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("identity service: store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("identity service: engine is required")
	}
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, engine: engine, verifier: verifier, nowFn: nowFn, logger: logger}, nil
}

// RegisterDevice binds a device id to the user and grants the welcome
// bonus once. Re-registering the same device is a no-op.
func (service *Service) RegisterDevice(ctx context.Context, userID string, deviceID string) (bool, error) {
	userID, ok := credits.NormalizeUserID(userID)
	if !ok {
		return false, credits.ErrInvalidUserID
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, fmt.Errorf("%w: device id is required", credits.ErrValidation)
	}
	if err := service.ensureBinding(ctx, userID, ProviderDevice, deviceID, "", false); err != nil {
		return false, err
	}
	return service.engine.GrantWelcomeBonus(ctx, userID)
}

// BindWallet attaches a wallet address to the user and grants the wallet
// bonus once. An address already bound to another user is rejected.
func (service *Service) BindWallet(ctx context.Context, userID string, walletAddress string) (bool, error) {
	userID, ok := credits.NormalizeUserID(userID)
	if !ok {
		return false, credits.ErrInvalidUserID
	}
	address := strings.ToLower(strings.TrimSpace(walletAddress))
	if address == "" {
		return false, fmt.Errorf("%w: wallet address is required", credits.ErrValidation)
	}
	if err := service.ensureBinding(ctx, userID, ProviderWallet, address, "", false); err != nil {
		return false, err
	}
	return service.engine.GrantWalletBonus(ctx, userID, address)
}

// BindGoogle verifies the ID token, attaches the Google subject to the
// user and grants the email bonus once the address is verified.
func (service *Service) BindGoogle(ctx context.Context, userID string, rawIDToken string) (bool, error) {
	userID, ok := credits.NormalizeUserID(userID)
	if !ok {
		return false, credits.ErrInvalidUserID
	}
	claims, err := service.verifyGoogleToken(ctx, rawIDToken)
	if err != nil {
		return false, err
	}
	if err := service.ensureBinding(ctx, userID, ProviderGoogle, claims.Subject, claims.Email, claims.EmailVerified); err != nil {
		return false, err
	}
	if !claims.EmailVerified {
		return false, nil
	}
	return service.engine.GrantEmailBonus(ctx, userID, claims.Email)
}

// RecoveryResult reports an account recovery transfer.
type RecoveryResult struct {
	OldUserID          string
	NewUserID          string
	CreditsTransferred int64
}

// RecoverByGoogle moves the balance bound to a Google account onto a new
// user id. The old user keeps its ledger history; only the spendable
// balance and the bindings move.
func (service *Service) RecoverByGoogle(ctx context.Context, rawIDToken string, newUserID string) (RecoveryResult, error) {
	newUserID, ok := credits.NormalizeUserID(newUserID)
	if !ok {
		return RecoveryResult{}, credits.ErrInvalidUserID
	}
	claims, err := service.verifyGoogleToken(ctx, rawIDToken)
	if err != nil {
		return RecoveryResult{}, err
	}
	binding, found, err := service.store.FindBinding(ctx, ProviderGoogle, claims.Subject)
	if err != nil {
		return RecoveryResult{}, err
	}
	if !found {
		return RecoveryResult{}, fmt.Errorf("%w: google account has no bound user", credits.ErrAuthentication)
	}
	if binding.UserID == newUserID {
		return RecoveryResult{OldUserID: binding.UserID, NewUserID: newUserID}, nil
	}

	balance, err := service.engine.Balance(ctx, binding.UserID)
	if err != nil {
		return RecoveryResult{}, err
	}
	transferred := balance.SpendableCredits
	if transferred > 0 {
		reference := fmt.Sprintf("recovery:%s", uuid.NewString())
		if err := service.engine.Transfer(ctx, binding.UserID, newUserID, transferred, reference); err != nil {
			return RecoveryResult{}, err
		}
	}

	now := service.nowFn()
	if err := service.store.ReassignBindings(ctx, binding.UserID, newUserID, now); err != nil {
		return RecoveryResult{}, err
	}
	record := RecoveryRecord{
		OldUserID:          binding.UserID,
		NewUserID:          newUserID,
		CreditsTransferred: transferred,
		Method:             recoveryMethodGoogle,
		CreatedAt:          now,
	}
	if err := service.store.InsertRecoveryLog(ctx, record); err != nil {
		service.logger.Warn("recovery log write failed",
			zap.String("old_user_id", record.OldUserID),
			zap.String("new_user_id", record.NewUserID),
			zap.Error(err))
	}
	service.logger.Info("account recovered",
		zap.String("old_user_id", record.OldUserID),
		zap.String("new_user_id", record.NewUserID),
		zap.Int64("credits_transferred", transferred))
	return RecoveryResult{
		OldUserID:          binding.UserID,
		NewUserID:          newUserID,
		CreditsTransferred: transferred,
	}, nil
}

// ensureBinding inserts the binding unless it already belongs to the same
// user. The unique index on (provider, provider_user_id) decides races.
func (service *Service) ensureBinding(ctx context.Context, userID string, provider string, providerUserID string, email string, emailVerified bool) error {
	existing, found, err := service.store.FindBinding(ctx, provider, providerUserID)
	if err != nil {
		return err
	}
	if found {
		if existing.UserID != userID {
			return credits.ErrIdentityBoundToOther
		}
		return nil
	}
	binding := Binding{
		ID:             uuid.NewString(),
		UserID:         userID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		Email:          email,
		EmailVerified:  emailVerified,
		CreatedAt:      service.nowFn(),
	}
	err = service.store.InsertBinding(ctx, binding)
	if errors.Is(err, credits.ErrIdentityBoundToOther) {
		// Lost an insert race; the credential may still be ours.
		existing, found, lookupErr := service.store.FindBinding(ctx, provider, providerUserID)
		if lookupErr == nil && found && existing.UserID == userID {
			return nil
		}
		return credits.ErrIdentityBoundToOther
	}
	return err
}

func (service *Service) verifyGoogleToken(ctx context.Context, rawIDToken string) (GoogleClaims, error) {
	if service.verifier == nil {
		return GoogleClaims{}, credits.ErrVerifierUnavailable
	}
	rawIDToken = strings.TrimSpace(rawIDToken)
	if rawIDToken == "" {
		return GoogleClaims{}, fmt.Errorf("%w: id token is required", credits.ErrValidation)
	}
	claims, err := service.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return GoogleClaims{}, fmt.Errorf("%w: %v", credits.ErrAuthentication, err)
	}
	if claims.Subject == "" {
		return GoogleClaims{}, fmt.Errorf("%w: id token missing subject", credits.ErrAuthentication)
	}
	return claims, nil
}
