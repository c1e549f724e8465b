package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acee-ventures/openpoi/pkg/pricing"
)

const (
	defaultOperationTimeout = 3 * time.Second

	operationDeduct   = "deduct"
	operationCredit   = "credit"
	operationBonus    = "grant_bonus"
	operationTransfer = "transfer"
	operationDeposit  = "credit_deposit"
	operationMigrate  = "migrate_legacy"
	operationUsage    = "record_usage"
)

// Engine contains the credit accounting logic over a Store: atomic
// deductions, crediting with auto-provisioning, idempotent bonus grants,
// transfers and legacy migration. Exclusivity lives in the store; the
// engine holds no locks.
type Engine struct {
	store   Store
	nowFn   func() time.Time
	timeout time.Duration
	logger  OperationLogger
	audit   AuditSink
}

// NewEngine wires an Engine.
func NewEngine(store Store, now func() time.Time, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{store: store, nowFn: now, timeout: defaultOperationTimeout}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// WithOperationTimeout bounds every persistence round trip.
func WithOperationTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.timeout = timeout
		}
	}
}

// Balance returns the user's current balance. Unknown users read as zero;
// reading never provisions a row.
func (engine *Engine) Balance(ctx context.Context, userID string) (Balance, error) {
	userID, ok := NormalizeUserID(userID)
	if !ok {
		return Balance{}, ErrInvalidUserID
	}
	ctx, cancel := engine.opContext(ctx)
	defer cancel()
	balance, err := engine.store.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, ClassifyStoreError(err)
	}
	return balance, nil
}

// Deduct atomically confirms balance >= amount, decrements it and appends a
// debit entry as one indivisible unit. Returns false on insufficient balance
// with zero observable side effects. amount <= 0 is a no-op success.
func (engine *Engine) Deduct(ctx context.Context, userID string, amount int64, scene Scene, opts DeductOptions) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	userID, ok := NormalizeUserID(userID)
	if !ok {
		return false, ErrInvalidUserID
	}
	ctx, cancel := engine.opContext(ctx)
	defer cancel()

	entry := LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          EntryDebit,
		AmountCredits: amount,
		Scene:         scene,
		Source:        SourceUsage,
		Model:         opts.Model,
		TokensIn:      opts.TokensIn,
		TokensOut:     opts.TokensOut,
		Reference:     opts.Reference,
		MetadataJSON:  marshalMetadata(opts.Metadata),
		CreatedAt:     engine.nowFn(),
	}
	applied, err := engine.store.DeductWithEntry(ctx, userID, amount, entry)
	err = ClassifyStoreError(err)
	engine.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		UserID:    userID,
		Amount:    amount,
		Scene:     scene,
		Source:    SourceUsage,
		Reference: opts.Reference,
		Status:    deductStatus(applied, err),
		Error:     err,
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Credit adds amount to the user's balance, auto-provisioning the row on
// first credit, and appends exactly one matching credit entry, both inside
// one transaction. The legacy audit dual-write runs after commit and its
// failure never affects the result. amount <= 0 is a no-op.
func (engine *Engine) Credit(ctx context.Context, userID string, amount int64, source Source, scene Scene, opts CreditOptions) error {
	if amount <= 0 {
		return nil
	}
	userID, ok := NormalizeUserID(userID)
	if !ok {
		return ErrInvalidUserID
	}
	ctx, cancel := engine.opContext(ctx)
	defer cancel()

	now := engine.nowFn()
	entry := LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          EntryCredit,
		AmountCredits: amount,
		Scene:         scene,
		Source:        source,
		Reference:     opts.Reference,
		MetadataJSON:  marshalMetadata(opts.Metadata),
		CreatedAt:     now,
	}
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.AddBalance(ctx, userID, amount, now); err != nil {
			return err
		}
		return txStore.InsertEntry(ctx, entry)
	})
	operationError = ClassifyStoreError(operationError)
	engine.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Amount:    amount,
		Scene:     scene,
		Source:    source,
		Reference: opts.Reference,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	engine.auditBestEffort(entry)
	return nil
}

// CreditDeposit persists the deposit record and credits its converted
// amount in one transaction. The unique tx reference constraint decides
// concurrent replays: the loser rolls back completely and observes
// ErrDepositExists. Requires a store that also implements DepositStore.
func (engine *Engine) CreditDeposit(ctx context.Context, record DepositRecord) error {
	userID, ok := NormalizeUserID(record.UserID)
	if !ok {
		return ErrInvalidUserID
	}
	if record.TxRef == "" {
		return fmt.Errorf("%w: deposit tx reference is required", ErrValidation)
	}
	if record.CreditsGranted <= 0 {
		return fmt.Errorf("%w: deposit credits must be positive", ErrInvalidAmount)
	}
	ctx, cancel := engine.opContext(ctx)
	defer cancel()

	now := record.CreatedAt
	if now.IsZero() {
		now = engine.nowFn()
		record.CreatedAt = now
	}
	entry := LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          EntryCredit,
		AmountCredits: record.CreditsGranted,
		Scene:         SceneTopup,
		Source:        SourceManual,
		Reference:     record.TxRef,
		MetadataJSON:  marshalMetadata(map[string]any{"chain": record.Chain, "token": record.Token}),
		CreatedAt:     now,
	}
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		depositStore, ok := txStore.(DepositStore)
		if !ok {
			return fmt.Errorf("%w: store cannot persist deposits", ErrInvalidEngineConfig)
		}
		if err := depositStore.InsertDeposit(ctx, record); err != nil {
			return err
		}
		if err := txStore.AddBalance(ctx, userID, record.CreditsGranted, now); err != nil {
			return err
		}
		return txStore.InsertEntry(ctx, entry)
	})
	operationError = ClassifyStoreError(operationError)
	engine.logOperation(ctx, OperationLog{
		Operation: operationDeposit,
		UserID:    userID,
		Amount:    record.CreditsGranted,
		Scene:     SceneTopup,
		Source:    SourceManual,
		Reference: record.TxRef,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	engine.auditBestEffort(entry)
	return nil
}

// RecordUsageAndDeduct computes the real cost of a completed metered request
// and deducts it exactly once. A positive precomputed cost on the usage
// record bypasses pricing.
func (engine *Engine) RecordUsageAndDeduct(ctx context.Context, userID string, usage UsageRecord, discountRate float64, overrides map[string]pricing.ModelPrice) (bool, int64, error) {
	creditsCost := usage.CreditsCost
	if creditsCost <= 0 {
		creditsCost = pricing.Cost(usage.Model, usage.TokensIn, usage.TokensOut, discountRate, overrides)
	}
	success, err := engine.Deduct(ctx, userID, creditsCost, SceneAgent, DeductOptions{
		Model:     usage.Model,
		TokensIn:  usage.TokensIn,
		TokensOut: usage.TokensOut,
		Reference: usage.Reference,
	})
	return success, creditsCost, err
}

// Transfer moves amount from one user to another as one debit plus one
// credit under a shared reference, in a single transaction. Insufficient
// source balance aborts the whole transfer.
func (engine *Engine) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, reference string) error {
	if amount <= 0 {
		return nil
	}
	fromUserID, ok := NormalizeUserID(fromUserID)
	if !ok {
		return ErrInvalidUserID
	}
	toUserID, ok = NormalizeUserID(toUserID)
	if !ok {
		return ErrInvalidUserID
	}
	if fromUserID == toUserID {
		return fmt.Errorf("%w: transfer to self", ErrValidation)
	}
	ctx, cancel := engine.opContext(ctx)
	defer cancel()

	now := engine.nowFn()
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		debit := LedgerEntry{
			ID:            uuid.NewString(),
			UserID:        fromUserID,
			Kind:          EntryDebit,
			AmountCredits: amount,
			Scene:         SceneRecovery,
			Source:        SourceRecoveryOut,
			Reference:     reference,
			CreatedAt:     now,
		}
		applied, err := txStore.DeductWithEntry(ctx, fromUserID, amount, debit)
		if err != nil {
			return err
		}
		if !applied {
			return ErrInsufficientFunds
		}
		if err := txStore.AddBalance(ctx, toUserID, amount, now); err != nil {
			return err
		}
		return txStore.InsertEntry(ctx, LedgerEntry{
			ID:            uuid.NewString(),
			UserID:        toUserID,
			Kind:          EntryCredit,
			AmountCredits: amount,
			Scene:         SceneRecovery,
			Source:        SourceRecoveryIn,
			Reference:     reference,
			CreatedAt:     now,
		})
	})
	operationError = ClassifyStoreError(operationError)
	engine.logOperation(ctx, OperationLog{
		Operation: operationTransfer,
		UserID:    fromUserID,
		Amount:    amount,
		Scene:     SceneRecovery,
		Source:    SourceRecoveryOut,
		Reference: reference,
		Error:     operationError,
	})
	return operationError
}

// MigrateLegacyCredits folds every positive legacy balance into the
// spendable balance, appending one migration credit entry per affected
// user, all in one transaction.
func (engine *Engine) MigrateLegacyCredits(ctx context.Context) (int, int64, error) {
	ctx, cancel := engine.opContext(ctx)
	defer cancel()

	now := engine.nowFn()
	var usersAffected int
	var totalMigrated int64
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		migrations, err := txStore.FoldLegacyIntoSpendable(ctx, now)
		if err != nil {
			return err
		}
		for _, migration := range migrations {
			entry := LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        migration.UserID,
				Kind:          EntryCredit,
				AmountCredits: migration.CreditsMigrated,
				Scene:         SceneMigration,
				Source:        SourceMigration,
				Reference:     "legacy_to_spendable",
				CreatedAt:     now,
			}
			if err := txStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
			usersAffected++
			totalMigrated += migration.CreditsMigrated
		}
		return nil
	})
	operationError = ClassifyStoreError(operationError)
	engine.logOperation(ctx, OperationLog{
		Operation: operationMigrate,
		Amount:    totalMigrated,
		Scene:     SceneMigration,
		Source:    SourceMigration,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, 0, operationError
	}
	return usersAffected, totalMigrated, nil
}

func (engine *Engine) logOperation(ctx context.Context, entry OperationLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	engine.logger.LogOperation(ctx, entry)
}

// auditBestEffort performs the non-critical legacy dual-write. It runs on
// its own bounded context and swallows every failure.
func (engine *Engine) auditBestEffort(entry LedgerEntry) {
	sink := engine.audit
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), engine.timeout)
	defer cancel()
	if err := sink.InsertLegacyEntry(ctx, entry); err != nil {
		engine.logOperation(ctx, OperationLog{
			Operation: "legacy_audit",
			UserID:    entry.UserID,
			Amount:    entry.AmountCredits,
			Scene:     entry.Scene,
			Source:    entry.Source,
			Reference: entry.Reference,
			Status:    operationStatusError,
			Error:     err,
		})
	}
}

func (engine *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if engine.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, engine.timeout)
}

// Now exposes the engine clock for collaborators that stamp records.
func (engine *Engine) Now() time.Time {
	return engine.nowFn()
}

// ListEntries returns the user's ledger history, newest first.
func (engine *Engine) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	userID, ok := NormalizeUserID(userID)
	if !ok {
		return nil, ErrInvalidUserID
	}
	ctx, cancel := engine.opContext(ctx)
	defer cancel()
	entries, err := engine.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
	if err != nil {
		return nil, ClassifyStoreError(err)
	}
	return entries, nil
}

func deductStatus(applied bool, err error) string {
	switch {
	case err != nil:
		return operationStatusError
	case !applied:
		return operationStatusRejected
	default:
		return operationStatusOK
	}
}

func marshalMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(raw)
}
