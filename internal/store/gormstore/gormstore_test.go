package gormstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acee-ventures/openpoi/internal/identity"
	"github.com/acee-ventures/openpoi/pkg/credits"
	"github.com/acee-ventures/openpoi/pkg/pricing"
)

func TestAddBalanceProvisionsAndAccumulates(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.AddBalance(ctx, "user-1", 100, now); err != nil {
		test.Fatalf("first add: %v", err)
	}
	if err := store.AddBalance(ctx, "user-1", 50, now.Add(time.Second)); err != nil {
		test.Fatalf("second add: %v", err)
	}

	balance := mustBalance(test, store, "user-1")
	if balance.SpendableCredits != 150 {
		test.Fatalf("expected 150 credits, got %d", balance.SpendableCredits)
	}
}

func TestGetBalanceUnknownUserIsZero(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	balance := mustBalance(test, store, "nobody")
	if balance.UserID != "nobody" || balance.SpendableCredits != 0 || balance.LegacyCredits != 0 {
		test.Fatalf("expected zero balance, got %+v", balance)
	}
}

func TestDeductWithEntryIsAtomic(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.AddBalance(ctx, "user-1", 100, now); err != nil {
		test.Fatalf("add: %v", err)
	}

	applied, err := store.DeductWithEntry(ctx, "user-1", 60, testEntry("user-1", credits.EntryDebit, 60, now))
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if !applied {
		test.Fatal("expected deduction to apply")
	}
	if balance := mustBalance(test, store, "user-1"); balance.SpendableCredits != 40 {
		test.Fatalf("expected 40 credits, got %d", balance.SpendableCredits)
	}

	applied, err = store.DeductWithEntry(ctx, "user-1", 60, testEntry("user-1", credits.EntryDebit, 60, now.Add(time.Second)))
	if err != nil {
		test.Fatalf("short deduct: %v", err)
	}
	if applied {
		test.Fatal("expected short balance to reject")
	}
	if balance := mustBalance(test, store, "user-1"); balance.SpendableCredits != 40 {
		test.Fatalf("short deduct must not touch the balance, got %d", balance.SpendableCredits)
	}

	entries, err := store.ListEntries(ctx, "user-1", 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("rejected deduct must not append, got %d entries", len(entries))
	}
}

func TestConcurrentDeductsNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.AddBalance(ctx, "user-1", 100, now); err != nil {
		test.Fatalf("add: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for index := 0; index < attempts; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			applied, err := store.DeductWithEntry(ctx, "user-1", 10, testEntry("user-1", credits.EntryDebit, 10, now.Add(time.Duration(index)*time.Millisecond)))
			if err != nil {
				test.Errorf("deduct %d: %v", index, err)
				return
			}
			results[index] = applied
		}(index)
	}
	wg.Wait()

	applied := 0
	for _, ok := range results {
		if ok {
			applied++
		}
	}
	if applied != 10 {
		test.Fatalf("expected exactly 10 applied deductions, got %d", applied)
	}
	if balance := mustBalance(test, store, "user-1"); balance.SpendableCredits != 0 {
		test.Fatalf("expected drained balance, got %d", balance.SpendableCredits)
	}
}

func TestBonusEntryUniquePerUserAndSource(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	first := testEntry("user-1", credits.EntryCredit, 1000, now)
	first.Scene = credits.SceneBonus
	first.Source = credits.Source(credits.BonusWelcome)
	if err := store.InsertEntry(ctx, first); err != nil {
		test.Fatalf("first bonus: %v", err)
	}

	duplicate := testEntry("user-1", credits.EntryCredit, 1000, now.Add(time.Second))
	duplicate.Scene = credits.SceneBonus
	duplicate.Source = credits.Source(credits.BonusWelcome)
	if err := store.InsertEntry(ctx, duplicate); !errors.Is(err, credits.ErrBonusAlreadyGranted) {
		test.Fatalf("expected ErrBonusAlreadyGranted, got %v", err)
	}

	otherKind := testEntry("user-1", credits.EntryCredit, 5000, now.Add(2*time.Second))
	otherKind.Scene = credits.SceneBonus
	otherKind.Source = credits.Source(credits.BonusWalletConnect)
	if err := store.InsertEntry(ctx, otherKind); err != nil {
		test.Fatalf("different bonus kind must insert: %v", err)
	}

	otherUser := testEntry("user-2", credits.EntryCredit, 1000, now.Add(3*time.Second))
	otherUser.Scene = credits.SceneBonus
	otherUser.Source = credits.Source(credits.BonusWelcome)
	if err := store.InsertEntry(ctx, otherUser); err != nil {
		test.Fatalf("different user must insert: %v", err)
	}

	granted, err := store.HasBonusEntry(ctx, "user-1", credits.Source(credits.BonusWelcome))
	if err != nil || !granted {
		test.Fatalf("expected granted, got granted=%v err=%v", granted, err)
	}
}

func TestNonBonusEntriesNeverCollide(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	// The uniqueness constraint is partial: only bonus-scene entries
	// collide on (user, scene, source).
	for index := 0; index < 3; index++ {
		entry := testEntry("user-1", credits.EntryDebit, 10, now.Add(time.Duration(index)*time.Second))
		if err := store.InsertEntry(ctx, entry); err != nil {
			test.Fatalf("usage entry %d: %v", index, err)
		}
	}
}

func TestDepositTxRefIsUnique(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	record := testDeposit("user-1", "0xabc", 2_500)
	if err := store.InsertDeposit(ctx, record); err != nil {
		test.Fatalf("insert: %v", err)
	}

	replay := testDeposit("user-2", "0xabc", 9_999)
	if err := store.InsertDeposit(ctx, replay); !errors.Is(err, credits.ErrDepositExists) {
		test.Fatalf("expected ErrDepositExists, got %v", err)
	}

	loaded, found, err := store.GetDepositByTxRef(ctx, "0xabc")
	if err != nil || !found {
		test.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if loaded.UserID != "user-1" || loaded.CreditsGranted != 2_500 {
		test.Fatalf("winner record must survive, got %+v", loaded)
	}
	if _, found, err := store.GetDepositByTxRef(ctx, "0xmissing"); err != nil || found {
		test.Fatalf("missing tx ref: found=%v err=%v", found, err)
	}
}

func TestFoldLegacyIntoSpendable(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	seedBalance(test, store, "user-a", 100, 400)
	seedBalance(test, store, "user-b", 0, 50)
	seedBalance(test, store, "user-c", 20, 0)

	migrations, err := store.FoldLegacyIntoSpendable(ctx, now)
	if err != nil {
		test.Fatalf("fold: %v", err)
	}
	if len(migrations) != 2 {
		test.Fatalf("expected 2 migrations, got %+v", migrations)
	}
	if migrations[0].UserID != "user-a" || migrations[0].CreditsMigrated != 400 {
		test.Fatalf("unexpected first migration %+v", migrations[0])
	}
	if balance := mustBalance(test, store, "user-a"); balance.SpendableCredits != 500 || balance.LegacyCredits != 0 {
		test.Fatalf("user-a not folded: %+v", balance)
	}
	if balance := mustBalance(test, store, "user-c"); balance.SpendableCredits != 20 {
		test.Fatalf("user-c must be untouched: %+v", balance)
	}

	again, err := store.FoldLegacyIntoSpendable(ctx, now.Add(time.Second))
	if err != nil {
		test.Fatalf("second fold: %v", err)
	}
	if len(again) != 0 {
		test.Fatalf("second fold must be empty, got %+v", again)
	}
}

func TestListEntriesNewestFirstWithLimit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for index := 0; index < 5; index++ {
		entry := testEntry("user-1", credits.EntryDebit, int64(index+1), base.Add(time.Duration(index)*time.Minute))
		if err := store.InsertEntry(ctx, entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	entries, err := store.ListEntries(ctx, "user-1", 0, 3)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].AmountCredits != 5 || entries[2].AmountCredits != 3 {
		test.Fatalf("expected newest first, got %+v", entries)
	}

	older, err := store.ListEntries(ctx, "user-1", base.Add(2*time.Minute).Unix(), 10)
	if err != nil {
		test.Fatalf("paged list: %v", err)
	}
	if len(older) != 2 {
		test.Fatalf("expected 2 older entries, got %d", len(older))
	}
}

func TestBindingUniquePerProviderCredential(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	binding := identity.Binding{
		ID:             "b-1",
		UserID:         "user-1",
		Provider:       identity.ProviderWallet,
		ProviderUserID: "0xabc",
		CreatedAt:      now,
	}
	if err := store.InsertBinding(ctx, binding); err != nil {
		test.Fatalf("insert: %v", err)
	}

	rival := binding
	rival.ID = "b-2"
	rival.UserID = "user-2"
	if err := store.InsertBinding(ctx, rival); !errors.Is(err, credits.ErrIdentityBoundToOther) {
		test.Fatalf("expected ErrIdentityBoundToOther, got %v", err)
	}

	loaded, found, err := store.FindBinding(ctx, identity.ProviderWallet, "0xabc")
	if err != nil || !found {
		test.Fatalf("find: found=%v err=%v", found, err)
	}
	if loaded.UserID != "user-1" {
		test.Fatalf("expected original owner, got %+v", loaded)
	}
}

func TestReassignBindingsMovesEveryCredential(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC()

	for index, provider := range []string{identity.ProviderDevice, identity.ProviderWallet} {
		err := store.InsertBinding(ctx, identity.Binding{
			ID:             string(rune('a' + index)),
			UserID:         "old-user",
			Provider:       provider,
			ProviderUserID: provider + "-cred",
			CreatedAt:      now,
		})
		if err != nil {
			test.Fatalf("insert %s: %v", provider, err)
		}
	}

	if err := store.ReassignBindings(ctx, "old-user", "new-user", now.Add(time.Second)); err != nil {
		test.Fatalf("reassign: %v", err)
	}
	for _, provider := range []string{identity.ProviderDevice, identity.ProviderWallet} {
		binding, found, err := store.FindBinding(ctx, provider, provider+"-cred")
		if err != nil || !found {
			test.Fatalf("find %s: found=%v err=%v", provider, found, err)
		}
		if binding.UserID != "new-user" {
			test.Fatalf("%s binding not reassigned: %+v", provider, binding)
		}
	}

	if err := store.InsertRecoveryLog(ctx, identity.RecoveryRecord{
		OldUserID:          "old-user",
		NewUserID:          "new-user",
		CreditsTransferred: 100,
		Method:             "google",
		CreatedAt:          now,
	}); err != nil {
		test.Fatalf("recovery log: %v", err)
	}
}

func TestModelPricingOverridesReadEnabledRows(test *testing.T) {
	test.Parallel()
	store, db := newTestStoreWithDB(test)
	ctx := context.Background()

	rows := []ModelPricing{
		{ModelName: "custom-model", Provider: "acme", CreditsPerMInput: 10, CreditsPerMOutput: 20, Enabled: true},
		{ModelName: "disabled-model", Provider: "acme", CreditsPerMInput: 1, CreditsPerMOutput: 2, Enabled: false},
	}
	if err := db.Create(&rows).Error; err != nil {
		test.Fatalf("seed pricing: %v", err)
	}

	overrides, err := store.ModelPricingOverrides(ctx)
	if err != nil {
		test.Fatalf("overrides: %v", err)
	}
	price, ok := overrides["custom-model"]
	if !ok || price.CreditsPerMInput != 10 || price.CreditsPerMOutput != 20 {
		test.Fatalf("expected custom-model override, got %+v", overrides)
	}
	if _, ok := overrides["disabled-model"]; ok {
		test.Fatal("disabled rows must be excluded")
	}
}

func TestDiscountTiersOrderedByThreshold(test *testing.T) {
	test.Parallel()
	store, db := newTestStoreWithDB(test)
	ctx := context.Background()

	rows := []DiscountTierRow{
		{Name: "silver", MinBalance: 1_000, DiscountRate: 0.05},
		{Name: "platinum", MinBalance: 100_000, DiscountRate: 0.20},
		{Name: "gold", MinBalance: 10_000, DiscountRate: 0.10},
	}
	if err := db.Create(&rows).Error; err != nil {
		test.Fatalf("seed tiers: %v", err)
	}

	tiers, err := store.DiscountTiers(ctx)
	if err != nil {
		test.Fatalf("tiers: %v", err)
	}
	if len(tiers) != 3 || tiers[0].Name != "platinum" || tiers[2].Name != "silver" {
		test.Fatalf("expected descending thresholds, got %+v", tiers)
	}
	if rate := pricing.DiscountRate(tiers, 15_000); rate != 0.10 {
		test.Fatalf("expected gold rate from stored tiers, got %v", rate)
	}
}

func TestEngineDepositReplayOverSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	engine := mustEngine(test, store)
	ctx := context.Background()

	record := credits.DepositRecord{
		ID:             "dep-1",
		UserID:         "user-1",
		TxRef:          "0xreplay",
		Chain:          "base",
		Token:          "USDC",
		RawAmount:      25_000_000,
		CreditsGranted: 2_500,
		Status:         credits.DepositCredited,
	}
	if err := engine.CreditDeposit(ctx, record); err != nil {
		test.Fatalf("credit deposit: %v", err)
	}
	if balance := mustBalance(test, store, "user-1"); balance.SpendableCredits != 2_500 {
		test.Fatalf("expected 2500 credits, got %d", balance.SpendableCredits)
	}

	record.ID = "dep-2"
	if err := engine.CreditDeposit(ctx, record); !errors.Is(err, credits.ErrDepositExists) {
		test.Fatalf("expected ErrDepositExists, got %v", err)
	}
	if balance := mustBalance(test, store, "user-1"); balance.SpendableCredits != 2_500 {
		test.Fatalf("replay must roll back entirely, got %d", balance.SpendableCredits)
	}
	entries, err := store.ListEntries(ctx, "user-1", 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected 1 entry after replay, got %d", len(entries))
	}
}

func TestEngineBonusReplayRollsBackCredit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	engine := mustEngine(test, store)
	ctx := context.Background()

	granted, err := engine.GrantWelcomeBonus(ctx, "user-1")
	if err != nil || !granted {
		test.Fatalf("first grant: granted=%v err=%v", granted, err)
	}
	granted, err = engine.GrantWelcomeBonus(ctx, "user-1")
	if err != nil {
		test.Fatalf("replay grant: %v", err)
	}
	if granted {
		test.Fatal("replay must report false")
	}
	if balance := mustBalance(test, store, "user-1"); balance.SpendableCredits != credits.WelcomeBonusCredits {
		test.Fatalf("replay must roll back its balance add, got %d", balance.SpendableCredits)
	}
}

func newTestStore(test *testing.T) *Store {
	test.Helper()
	store, _ := newTestStoreWithDB(test)
	return store
}

func newTestStoreWithDB(test *testing.T) (*Store, *gorm.DB) {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/openpoi.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	// One connection serializes sqlite writers; concurrent transactions
	// otherwise race into SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db), db
}

func mustEngine(test *testing.T, store *Store) *credits.Engine {
	test.Helper()
	engine, err := credits.NewEngine(store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	return engine
}

func mustBalance(test *testing.T, store *Store, userID string) credits.Balance {
	test.Helper()
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	return balance
}

func seedBalance(test *testing.T, store *Store, userID string, spendable, legacy int64) {
	test.Helper()
	row := UserBalance{
		UserID:           userID,
		SpendableCredits: spendable,
		LegacyCredits:    legacy,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := store.db.Create(&row).Error; err != nil {
		test.Fatalf("seed balance %s: %v", userID, err)
	}
}

func testEntry(userID string, kind credits.EntryKind, amount int64, createdAt time.Time) credits.LedgerEntry {
	return credits.LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          kind,
		AmountCredits: amount,
		Scene:         credits.SceneAgent,
		Source:        credits.SourceUsage,
		Reference:     "test",
		CreatedAt:     createdAt,
	}
}

func testDeposit(userID, txRef string, granted int64) credits.DepositRecord {
	return credits.DepositRecord{
		ID:             txRef + "-" + userID,
		UserID:         userID,
		TxRef:          txRef,
		Chain:          "base",
		Token:          "USDC",
		RawAmount:      granted * 10_000,
		CreditsGranted: granted,
		Status:         credits.DepositCredited,
		CreatedAt:      time.Now().UTC(),
	}
}
