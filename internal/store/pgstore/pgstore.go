package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acee-ventures/openpoi/internal/identity"
	"github.com/acee-ventures/openpoi/pkg/credits"
	"github.com/acee-ventures/openpoi/pkg/pricing"
)

const (
	indexLedgerBonus        = "uniq_ledger_bonus"
	indexDepositTxRef       = "uniq_deposit_tx_ref"
	indexIdentityProvider   = "uniq_identity_provider_uid"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectDeposit     = "deposit"
	errorSubjectIdentity    = "identity"
	errorSubjectPricing     = "pricing"
	errorSubjectRecovery    = "recovery"
	errorSubjectTransaction = "transaction"
	errorCodeAdd            = "add"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDeduct         = "deduct"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeMigrate        = "migrate"
	errorCodeUpdate         = "update"

	sqlSelectBalance = `
		select user_id, spendable_credits, legacy_credits, updated_at
		from user_balances
		where user_id = $1
	`

	sqlAddBalance = `
		insert into user_balances(user_id, spendable_credits, legacy_credits, updated_at)
		values ($1, $2, 0, $3)
		on conflict (user_id) do update
		set spendable_credits = user_balances.spendable_credits + excluded.spendable_credits,
		    updated_at = excluded.updated_at
	`

	// sqlDeductWithEntry performs the conditional decrement and the debit
	// append as one data-modifying CTE; either both rows change or neither.
	sqlDeductWithEntry = `
		with deducted as (
			update user_balances
			set spendable_credits = spendable_credits - $2,
			    updated_at = $3
			where user_id = $1 and spendable_credits >= $2
			returning user_id
		), appended as (
			insert into ledger_entries(
				id, user_id, kind, amount_credits, scene, source,
				model, tokens_in, tokens_out, reference, metadata, created_at
			)
			select $4, deducted.user_id, 'debit', $2, $5, $6,
			       nullif($7,''), nullif($8,0), nullif($9,0),
			       nullif($10,''), nullif($11,'')::jsonb, $3
			from deducted
			returning id
		)
		select count(*) from appended
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			id, user_id, kind, amount_credits, scene, source,
			model, tokens_in, tokens_out, reference, metadata, created_at
		)
		values (
			$1, $2, $3, $4, $5, $6,
			nullif($7,''), nullif($8,0), nullif($9,0),
			nullif($10,''), nullif($11,'')::jsonb, $12
		)
	`

	sqlCountBonusEntries = `
		select count(*) from ledger_entries
		where user_id = $1 and scene = 'bonus' and source = $2
	`

	sqlInsertLegacyEntry = `
		insert into legacy_ledger_entries(id, user_id, kind, amount_credits, source, reference, metadata, created_at)
		values ($1, $2, $3, $4, $5, nullif($6,''), nullif($7,'')::jsonb, $8)
	`

	// sqlFoldLegacy locks every pending legacy balance, folds it into the
	// spendable balance and reports the folded amounts in one statement.
	sqlFoldLegacy = `
		with pending as (
			select user_id, legacy_credits
			from user_balances
			where legacy_credits > 0
			for update
		), folded as (
			update user_balances as balances
			set spendable_credits = balances.spendable_credits + pending.legacy_credits,
			    legacy_credits = 0,
			    updated_at = $1
			from pending
			where balances.user_id = pending.user_id
		)
		select user_id, legacy_credits from pending order by user_id
	`

	sqlListEntriesBefore = `
		select
			id::text,
			user_id,
			kind,
			amount_credits,
			scene,
			source,
			coalesce(model,''),
			coalesce(tokens_in,0),
			coalesce(tokens_out,0),
			coalesce(reference,''),
			coalesce(metadata::text,''),
			created_at
		from ledger_entries
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlSelectDepositByTxRef = `
		select id::text, user_id, tx_ref, chain, token, raw_amount, credits_granted, status, created_at
		from crypto_deposits
		where tx_ref = $1
	`

	sqlInsertDeposit = `
		insert into crypto_deposits(id, user_id, tx_ref, chain, token, raw_amount, credits_granted, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	sqlSelectBinding = `
		select id::text, user_id, provider, provider_user_id, coalesce(email,''), email_verified, created_at
		from user_identities
		where provider = $1 and provider_user_id = $2
	`

	sqlInsertBinding = `
		insert into user_identities(id, user_id, provider, provider_user_id, email, email_verified, created_at, updated_at)
		values ($1, $2, $3, $4, nullif($5,''), $6, $7, $7)
	`

	sqlReassignBindings = `
		update user_identities
		set user_id = $2, updated_at = $3
		where user_id = $1
	`

	sqlInsertRecoveryLog = `
		insert into recovery_log(id, old_user_id, new_user_id, credits_transferred, method, created_at)
		values (gen_random_uuid(), $1, $2, $3, $4, $5)
	`

	sqlSelectModelPricing = `
		select model_name, provider, credits_per_m_input, credits_per_m_output
		from model_pricing
		where enabled
	`

	sqlSelectDiscountTiers = `
		select name, min_balance, discount_rate
		from discount_tiers
		order by min_balance desc
	`
)

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries holds every statement; Store and TxStore embed it so the pool and
// transaction paths share one implementation.
type queries struct {
	db querier
}

// Store implements credits.Store, credits.DepositStore, identity.Store and
// pricing.OverrideSource using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements the same contracts for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx on an open transaction reuses it; the outer commit decides.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (q queries) GetBalance(ctx context.Context, userID string) (credits.Balance, error) {
	var balance credits.Balance
	err := q.db.QueryRow(ctx, sqlSelectBalance, userID).Scan(
		&balance.UserID,
		&balance.SpendableCredits,
		&balance.LegacyCredits,
		&balance.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Balance{UserID: userID}, nil
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (q queries) AddBalance(ctx context.Context, userID string, amount int64, now time.Time) error {
	_, err := q.db.Exec(ctx, sqlAddBalance, userID, amount, now)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdd, err)
	}
	return nil
}

func (q queries) DeductWithEntry(ctx context.Context, userID string, amount int64, entry credits.LedgerEntry) (bool, error) {
	var applied int64
	err := q.db.QueryRow(ctx, sqlDeductWithEntry,
		userID,
		amount,
		entry.CreatedAt,
		entry.ID,
		string(entry.Scene),
		string(entry.Source),
		entry.Model,
		entry.TokensIn,
		entry.TokensOut,
		entry.Reference,
		entry.MetadataJSON,
	).Scan(&applied)
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDeduct, err)
	}
	return applied > 0, nil
}

func (q queries) InsertEntry(ctx context.Context, entry credits.LedgerEntry) error {
	_, err := q.db.Exec(ctx, sqlInsertEntry,
		entry.ID,
		entry.UserID,
		string(entry.Kind),
		entry.AmountCredits,
		string(entry.Scene),
		string(entry.Source),
		entry.Model,
		entry.TokensIn,
		entry.TokensOut,
		entry.Reference,
		entry.MetadataJSON,
		entry.CreatedAt,
	)
	if isUniqueViolation(err, indexLedgerBonus) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrBonusAlreadyGranted)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) HasBonusEntry(ctx context.Context, userID string, source credits.Source) (bool, error) {
	var count int64
	err := q.db.QueryRow(ctx, sqlCountBonusEntries, userID, string(source)).Scan(&count)
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (q queries) InsertLegacyEntry(ctx context.Context, entry credits.LedgerEntry) error {
	_, err := q.db.Exec(ctx, sqlInsertLegacyEntry,
		entry.ID,
		entry.UserID,
		string(entry.Kind),
		entry.AmountCredits,
		string(entry.Source),
		entry.Reference,
		entry.MetadataJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) FoldLegacyIntoSpendable(ctx context.Context, now time.Time) ([]credits.LegacyMigration, error) {
	rows, err := q.db.Query(ctx, sqlFoldLegacy, now)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeMigrate, err)
	}
	defer rows.Close()

	var migrations []credits.LegacyMigration
	for rows.Next() {
		var migration credits.LegacyMigration
		if err := rows.Scan(&migration.UserID, &migration.CreditsMigrated); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeMigrate, err)
		}
		migrations = append(migrations, migration)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeMigrate, err)
	}
	return migrations, nil
}

func (q queries) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.LedgerEntry, error) {
	before := beforeUnixUTC
	if before == 0 {
		before = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := q.db.Query(ctx, sqlListEntriesBefore, userID, before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	entries := make([]credits.LedgerEntry, 0, 32)
	for rows.Next() {
		var (
			entry  credits.LedgerEntry
			kind   string
			scene  string
			source string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&kind,
			&entry.AmountCredits,
			&scene,
			&source,
			&entry.Model,
			&entry.TokensIn,
			&entry.TokensOut,
			&entry.Reference,
			&entry.MetadataJSON,
			&entry.CreatedAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry.Kind = credits.EntryKind(kind)
		entry.Scene = credits.Scene(scene)
		entry.Source = credits.Source(source)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (q queries) GetDepositByTxRef(ctx context.Context, txRef string) (credits.DepositRecord, bool, error) {
	var (
		record credits.DepositRecord
		status string
	)
	err := q.db.QueryRow(ctx, sqlSelectDepositByTxRef, txRef).Scan(
		&record.ID,
		&record.UserID,
		&record.TxRef,
		&record.Chain,
		&record.Token,
		&record.RawAmount,
		&record.CreditsGranted,
		&status,
		&record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.DepositRecord{}, false, nil
	}
	if err != nil {
		return credits.DepositRecord{}, false, wrapStoreError(errorSubjectDeposit, errorCodeGet, err)
	}
	record.Status = credits.DepositStatus(status)
	return record, true, nil
}

func (q queries) InsertDeposit(ctx context.Context, record credits.DepositRecord) error {
	_, err := q.db.Exec(ctx, sqlInsertDeposit,
		record.ID,
		record.UserID,
		record.TxRef,
		record.Chain,
		record.Token,
		record.RawAmount,
		record.CreditsGranted,
		string(record.Status),
		record.CreatedAt,
	)
	if isUniqueViolation(err, indexDepositTxRef) {
		return wrapStoreError(errorSubjectDeposit, errorCodeDuplicate, credits.ErrDepositExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeCreate, err)
	}
	return nil
}

func (q queries) FindBinding(ctx context.Context, provider string, providerUserID string) (identity.Binding, bool, error) {
	var binding identity.Binding
	err := q.db.QueryRow(ctx, sqlSelectBinding, provider, providerUserID).Scan(
		&binding.ID,
		&binding.UserID,
		&binding.Provider,
		&binding.ProviderUserID,
		&binding.Email,
		&binding.EmailVerified,
		&binding.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.Binding{}, false, nil
	}
	if err != nil {
		return identity.Binding{}, false, wrapStoreError(errorSubjectIdentity, errorCodeLookup, err)
	}
	return binding, true, nil
}

func (q queries) InsertBinding(ctx context.Context, binding identity.Binding) error {
	_, err := q.db.Exec(ctx, sqlInsertBinding,
		binding.ID,
		binding.UserID,
		binding.Provider,
		binding.ProviderUserID,
		binding.Email,
		binding.EmailVerified,
		binding.CreatedAt,
	)
	if isUniqueViolation(err, indexIdentityProvider) {
		return wrapStoreError(errorSubjectIdentity, errorCodeDuplicate, credits.ErrIdentityBoundToOther)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdentity, errorCodeCreate, err)
	}
	return nil
}

func (q queries) ReassignBindings(ctx context.Context, fromUserID string, toUserID string, now time.Time) error {
	_, err := q.db.Exec(ctx, sqlReassignBindings, fromUserID, toUserID, now)
	if err != nil {
		return wrapStoreError(errorSubjectIdentity, errorCodeUpdate, err)
	}
	return nil
}

func (q queries) InsertRecoveryLog(ctx context.Context, record identity.RecoveryRecord) error {
	_, err := q.db.Exec(ctx, sqlInsertRecoveryLog,
		record.OldUserID,
		record.NewUserID,
		record.CreditsTransferred,
		record.Method,
		record.CreatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectRecovery, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ModelPricingOverrides(ctx context.Context) (map[string]pricing.ModelPrice, error) {
	rows, err := q.db.Query(ctx, sqlSelectModelPricing)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	defer rows.Close()

	overrides := map[string]pricing.ModelPrice{}
	for rows.Next() {
		var (
			name  string
			price pricing.ModelPrice
		)
		if err := rows.Scan(&name, &price.Provider, &price.CreditsPerMInput, &price.CreditsPerMOutput); err != nil {
			return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
		}
		overrides[name] = price
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	if len(overrides) == 0 {
		return nil, nil
	}
	return overrides, nil
}

func (q queries) DiscountTiers(ctx context.Context) ([]pricing.DiscountTier, error) {
	rows, err := q.db.Query(ctx, sqlSelectDiscountTiers)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	defer rows.Close()

	var tiers []pricing.DiscountTier
	for rows.Next() {
		var tier pricing.DiscountTier
		if err := rows.Scan(&tier.Name, &tier.MinBalance, &tier.DiscountRate); err != nil {
			return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	return tiers, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
