package credits

import (
	"context"
	"strings"
	"time"
)

// EntryKind is the accounting side of a ledger entry.
type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// Scene is the business context a balance mutation happened in.
type Scene string

const (
	SceneAgent     Scene = "agent"
	SceneBonus     Scene = "bonus"
	SceneTopup     Scene = "topup"
	SceneRecovery  Scene = "recovery"
	SceneMigration Scene = "migration"
)

// Source identifies the channel or cause of a mutation within a scene.
type Source string

const (
	SourceUsage       Source = "usage"
	SourceManual      Source = "manual"
	SourceMigration   Source = "migration"
	SourceRecoveryOut Source = "recovery_out"
	SourceRecoveryIn  Source = "recovery_in"
)

// Balance is the per-user spendable balance view.
// SpendableCredits never goes negative; LegacyCredits is the pre-migration
// balance kept until MigrateLegacyCredits folds it in.
type Balance struct {
	UserID           string
	SpendableCredits int64
	LegacyCredits    int64
	UpdatedAt        time.Time
}

// Total returns spendable plus legacy credits.
func (balance Balance) Total() int64 {
	return balance.SpendableCredits + balance.LegacyCredits
}

// LedgerEntry is a single immutable line in the unified ledger.
type LedgerEntry struct {
	ID            string
	UserID        string
	Kind          EntryKind
	AmountCredits int64
	Scene         Scene
	Source        Source
	Model         string
	TokensIn      int
	TokensOut     int
	Reference     string
	MetadataJSON  string
	CreatedAt     time.Time
}

// DeductOptions carries optional usage attribution for a debit entry.
type DeductOptions struct {
	Model     string
	TokensIn  int
	TokensOut int
	Reference string
	Metadata  map[string]any
}

// CreditOptions carries optional attribution for a credit entry.
type CreditOptions struct {
	Reference string
	Metadata  map[string]any
}

// UsageRecord describes a completed metered request to be billed.
// CreditsCost > 0 skips pricing and charges the precomputed amount.
type UsageRecord struct {
	Model       string
	TokensIn    int
	TokensOut   int
	CreditsCost int64
	Reference   string
}

// DepositRecord anchors external-deposit idempotency: at most one record
// and at most one credit entry per TxRef.
type DepositRecord struct {
	ID             string
	UserID         string
	TxRef          string
	Chain          string
	Token          string
	RawAmount      int64
	CreditsGranted int64
	Status         DepositStatus
	CreatedAt      time.Time
}

// DepositStatus is the deposit record lifecycle.
type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositCredited DepositStatus = "credited"
	DepositFailed   DepositStatus = "failed"
)

// LegacyMigration reports one user's legacy balance folded into spendable.
type LegacyMigration struct {
	UserID          string
	CreditsMigrated int64
}

// NormalizeUserID trims a raw user id and reports whether it is usable.
func NormalizeUserID(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	return trimmed, trimmed != ""
}

// Store is the persistence contract used by Engine.
// gormstore and pgstore both implement it.
type Store interface {
	// WithTx executes fn atomically; every entry insert and balance
	// mutation inside either all land or none do.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// GetBalance returns the zero Balance for unknown users, never an error
	// for absence.
	GetBalance(ctx context.Context, userID string) (Balance, error)

	// AddBalance provisions the row with the given amount or atomically adds
	// to the existing one (insert-or-update-by-addition, never read-then-write).
	AddBalance(ctx context.Context, userID string, amount int64, now time.Time) error

	// DeductWithEntry atomically checks balance >= amount, decrements it and
	// appends the debit entry as one indivisible unit. Returns false with zero
	// side effects when the balance is short.
	DeductWithEntry(ctx context.Context, userID string, amount int64, entry LedgerEntry) (bool, error)

	// InsertEntry appends one ledger entry. A bonus-scene entry colliding on
	// (user, scene, source) returns ErrBonusAlreadyGranted.
	InsertEntry(ctx context.Context, entry LedgerEntry) error

	// HasBonusEntry reports whether a bonus entry exists for the user/source.
	HasBonusEntry(ctx context.Context, userID string, source Source) (bool, error)

	// InsertLegacyEntry appends to the secondary audit ledger (dual-write).
	InsertLegacyEntry(ctx context.Context, entry LedgerEntry) error

	// FoldLegacyIntoSpendable moves every positive legacy balance into the
	// spendable balance and reports the affected users.
	FoldLegacyIntoSpendable(ctx context.Context, now time.Time) ([]LegacyMigration, error)

	// ListEntries returns entries for a user, newest first.
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
}

// DepositStore is the persistence contract for deposit idempotency records.
type DepositStore interface {
	// GetDepositByTxRef reports the record for txRef if one exists.
	GetDepositByTxRef(ctx context.Context, txRef string) (DepositRecord, bool, error)

	// InsertDeposit creates the record; a txRef collision returns
	// ErrDepositExists.
	InsertDeposit(ctx context.Context, record DepositRecord) error
}
