package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/acee-ventures/openpoi/internal/identity"
	"github.com/acee-ventures/openpoi/pkg/credits"
	"github.com/acee-ventures/openpoi/pkg/pricing"
)

const (
	dialectPostgres       = "postgres"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectDeposit   = "deposit"
	errorSubjectIdentity  = "identity"
	errorSubjectPricing   = "pricing"
	errorSubjectRecovery  = "recovery"
	errorCodeAdd          = "add"
	errorCodeCreate       = "create"
	errorCodeDeduct       = "deduct"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
	errorCodeUpdate       = "update"
)

// errBalanceShort aborts the portable deduct transaction without surfacing
// to callers; DeductWithEntry maps it to applied=false.
var errBalanceShort = errors.New("balance short")

// Store implements credits.Store, credits.DepositStore, identity.Store and
// pricing.OverrideSource using GORM, for both postgres and sqlite.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema plus the partial indexes GORM tags cannot
// express. The bonus index is load-bearing: it is what makes bonus grants
// idempotent under concurrency.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&UserBalance{},
		&LedgerEntry{},
		&LegacyLedgerEntry{},
		&CryptoDeposit{},
		&UserIdentity{},
		&RecoveryLog{},
		&ModelPricing{},
		&DiscountTierRow{},
	)
	if err != nil {
		return err
	}
	return db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_ledger_bonus ON ledger_entries (user_id, scene, source) WHERE scene = 'bonus'",
	).Error
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID string) (credits.Balance, error) {
	var row UserBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Balance{UserID: userID}, nil
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.Balance{
		UserID:           row.UserID,
		SpendableCredits: row.SpendableCredits,
		LegacyCredits:    row.LegacyCredits,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

func (store *Store) AddBalance(ctx context.Context, userID string, amount int64, now time.Time) error {
	row := UserBalance{UserID: userID, SpendableCredits: amount, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"spendable_credits": gorm.Expr("user_balances.spendable_credits + ?", amount),
				"updated_at":        now,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdd, err)
	}
	return nil
}

func (store *Store) DeductWithEntry(ctx context.Context, userID string, amount int64, entry credits.LedgerEntry) (bool, error) {
	if store.db.Dialector.Name() == dialectPostgres {
		return store.deductSingleStatement(ctx, userID, amount, entry)
	}
	return store.deductTransactional(ctx, userID, amount, entry)
}

// deductSingleStatement runs the balance check, decrement and entry append
// as one data-modifying CTE; no row is visible between the two writes.
func (store *Store) deductSingleStatement(ctx context.Context, userID string, amount int64, entry credits.LedgerEntry) (bool, error) {
	const deductSQL = `
WITH deducted AS (
	UPDATE user_balances
	   SET spendable_credits = spendable_credits - @amount,
	       updated_at = @now
	 WHERE user_id = @user_id
	   AND spendable_credits >= @amount
 RETURNING user_id
), appended AS (
	INSERT INTO ledger_entries
		(id, user_id, kind, amount_credits, scene, source, model, tokens_in, tokens_out, reference, metadata, created_at)
	SELECT @entry_id, deducted.user_id, 'debit', @amount, @scene, @source,
	       nullif(@model, ''), nullif(@tokens_in, 0), nullif(@tokens_out, 0),
	       nullif(@reference, ''), cast(nullif(@metadata, '') AS jsonb), @now
	  FROM deducted
 RETURNING id
)
SELECT count(*) AS applied FROM appended`
	var result struct {
		Applied int64
	}
	err := store.db.WithContext(ctx).Raw(deductSQL, map[string]interface{}{
		"amount":     amount,
		"now":        entry.CreatedAt,
		"user_id":    userID,
		"entry_id":   entry.ID,
		"scene":      string(entry.Scene),
		"source":     string(entry.Source),
		"model":      entry.Model,
		"tokens_in":  entry.TokensIn,
		"tokens_out": entry.TokensOut,
		"reference":  entry.Reference,
		"metadata":   entry.MetadataJSON,
	}).Scan(&result).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDeduct, err)
	}
	return result.Applied > 0, nil
}

// deductTransactional is the sqlite path: sqlite rejects data-modifying
// CTEs, so the conditional decrement and the entry append share a
// transaction instead.
func (store *Store) deductTransactional(ctx context.Context, userID string, amount int64, entry credits.LedgerEntry) (bool, error) {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&UserBalance{}).
			Where("user_id = ? AND spendable_credits >= ?", userID, amount).
			Updates(map[string]interface{}{
				"spendable_credits": gorm.Expr("spendable_credits - ?", amount),
				"updated_at":        entry.CreatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errBalanceShort
		}
		row := toEntryRow(entry)
		return transaction.Create(&row).Error
	})
	if errors.Is(err, errBalanceShort) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDeduct, err)
	}
	return true, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.LedgerEntry) error {
	row := toEntryRow(entry)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		if entry.Scene == credits.SceneBonus {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrBonusAlreadyGranted)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) HasBonusEntry(ctx context.Context, userID string, source credits.Source) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("user_id = ? AND scene = ? AND source = ?", userID, string(credits.SceneBonus), string(source)).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertLegacyEntry(ctx context.Context, entry credits.LedgerEntry) error {
	row := LegacyLedgerEntry{
		ID:            entry.ID,
		UserID:        entry.UserID,
		Kind:          string(entry.Kind),
		AmountCredits: entry.AmountCredits,
		Source:        string(entry.Source),
		Reference:     stringPtr(entry.Reference),
		Metadata:      datatypesJSON(entry.MetadataJSON),
		CreatedAt:     entry.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FoldLegacyIntoSpendable(ctx context.Context, now time.Time) ([]credits.LegacyMigration, error) {
	var rows []UserBalance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("legacy_credits > 0").
		Order("user_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeMigrate, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("legacy_credits > 0").
		Updates(map[string]interface{}{
			"spendable_credits": gorm.Expr("spendable_credits + legacy_credits"),
			"legacy_credits":    0,
			"updated_at":        now,
		})
	if result.Error != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeMigrate, result.Error)
	}
	migrations := make([]credits.LegacyMigration, 0, len(rows))
	for _, row := range rows {
		migrations = append(migrations, credits.LegacyMigration{
			UserID:          row.UserID,
			CreditsMigrated: row.LegacyCredits,
		})
	}
	return migrations, nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.LedgerEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]credits.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, fromEntryRow(row))
	}
	return entries, nil
}

func (store *Store) GetDepositByTxRef(ctx context.Context, txRef string) (credits.DepositRecord, bool, error) {
	var row CryptoDeposit
	err := store.db.WithContext(ctx).
		Where("tx_ref = ?", txRef).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.DepositRecord{}, false, nil
	}
	if err != nil {
		return credits.DepositRecord{}, false, wrapStoreError(errorSubjectDeposit, errorCodeGet, err)
	}
	return fromDepositRow(row), true, nil
}

func (store *Store) InsertDeposit(ctx context.Context, record credits.DepositRecord) error {
	row := CryptoDeposit{
		ID:             record.ID,
		UserID:         record.UserID,
		TxRef:          record.TxRef,
		Chain:          record.Chain,
		Token:          record.Token,
		RawAmount:      record.RawAmount,
		CreditsGranted: record.CreditsGranted,
		Status:         string(record.Status),
		CreatedAt:      record.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectDeposit, errorCodeDuplicate, credits.ErrDepositExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) FindBinding(ctx context.Context, provider string, providerUserID string) (identity.Binding, bool, error) {
	var row UserIdentity
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Binding{}, false, nil
	}
	if err != nil {
		return identity.Binding{}, false, wrapStoreError(errorSubjectIdentity, errorCodeLookup, err)
	}
	return fromIdentityRow(row), true, nil
}

func (store *Store) InsertBinding(ctx context.Context, binding identity.Binding) error {
	row := UserIdentity{
		ID:             binding.ID,
		UserID:         binding.UserID,
		Provider:       binding.Provider,
		ProviderUserID: binding.ProviderUserID,
		Email:          stringPtr(binding.Email),
		EmailVerified:  binding.EmailVerified,
		CreatedAt:      binding.CreatedAt,
		UpdatedAt:      binding.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIdentity, errorCodeDuplicate, credits.ErrIdentityBoundToOther)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdentity, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ReassignBindings(ctx context.Context, fromUserID string, toUserID string, now time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&UserIdentity{}).
		Where("user_id = ?", fromUserID).
		Updates(map[string]interface{}{
			"user_id":    toUserID,
			"updated_at": now,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectIdentity, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertRecoveryLog(ctx context.Context, record identity.RecoveryRecord) error {
	row := RecoveryLog{
		OldUserID:          record.OldUserID,
		NewUserID:          record.NewUserID,
		CreditsTransferred: record.CreditsTransferred,
		Method:             record.Method,
		CreatedAt:          record.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectRecovery, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ModelPricingOverrides(ctx context.Context) (map[string]pricing.ModelPrice, error) {
	var rows []ModelPricing
	err := store.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	overrides := make(map[string]pricing.ModelPrice, len(rows))
	for _, row := range rows {
		overrides[row.ModelName] = pricing.ModelPrice{
			Provider:          row.Provider,
			CreditsPerMInput:  row.CreditsPerMInput,
			CreditsPerMOutput: row.CreditsPerMOutput,
		}
	}
	return overrides, nil
}

func (store *Store) DiscountTiers(ctx context.Context) ([]pricing.DiscountTier, error) {
	var rows []DiscountTierRow
	err := store.db.WithContext(ctx).
		Order("min_balance DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	tiers := make([]pricing.DiscountTier, 0, len(rows))
	for _, row := range rows {
		tiers = append(tiers, pricing.DiscountTier{
			Name:         row.Name,
			MinBalance:   row.MinBalance,
			DiscountRate: row.DiscountRate,
		})
	}
	return tiers, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func toEntryRow(entry credits.LedgerEntry) LedgerEntry {
	return LedgerEntry{
		ID:            entry.ID,
		UserID:        entry.UserID,
		Kind:          string(entry.Kind),
		AmountCredits: entry.AmountCredits,
		Scene:         string(entry.Scene),
		Source:        string(entry.Source),
		Model:         stringPtr(entry.Model),
		TokensIn:      intPtr(entry.TokensIn),
		TokensOut:     intPtr(entry.TokensOut),
		Reference:     stringPtr(entry.Reference),
		Metadata:      datatypesJSON(entry.MetadataJSON),
		CreatedAt:     entry.CreatedAt,
	}
}

func fromEntryRow(row LedgerEntry) credits.LedgerEntry {
	return credits.LedgerEntry{
		ID:            row.ID,
		UserID:        row.UserID,
		Kind:          credits.EntryKind(row.Kind),
		AmountCredits: row.AmountCredits,
		Scene:         credits.Scene(row.Scene),
		Source:        credits.Source(row.Source),
		Model:         stringValue(row.Model),
		TokensIn:      intValue(row.TokensIn),
		TokensOut:     intValue(row.TokensOut),
		Reference:     stringValue(row.Reference),
		MetadataJSON:  string(row.Metadata),
		CreatedAt:     row.CreatedAt,
	}
}

func fromDepositRow(row CryptoDeposit) credits.DepositRecord {
	return credits.DepositRecord{
		ID:             row.ID,
		UserID:         row.UserID,
		TxRef:          row.TxRef,
		Chain:          row.Chain,
		Token:          row.Token,
		RawAmount:      row.RawAmount,
		CreditsGranted: row.CreditsGranted,
		Status:         credits.DepositStatus(row.Status),
		CreatedAt:      row.CreatedAt,
	}
}

func fromIdentityRow(row UserIdentity) identity.Binding {
	return identity.Binding{
		ID:             row.ID,
		UserID:         row.UserID,
		Provider:       row.Provider,
		ProviderUserID: row.ProviderUserID,
		Email:          stringValue(row.Email),
		EmailVerified:  row.EmailVerified,
		CreatedAt:      row.CreatedAt,
	}
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func intPtr(value int) *int {
	if value == 0 {
		return nil
	}
	return &value
}

func intValue(value *int) int {
	if value == nil {
		return 0
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return nil
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
