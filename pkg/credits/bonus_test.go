package credits

import (
	"context"
	"errors"
	"testing"
)

func TestGrantWelcomeBonusCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustNewEngine(test, store)

	granted, err := engine.GrantWelcomeBonus(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if !granted {
		test.Fatal("expected first grant to land")
	}
	if got := store.balances["user-1"].SpendableCredits; got != WelcomeBonusCredits {
		test.Fatalf("expected %d credits, got %d", WelcomeBonusCredits, got)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 bonus entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Scene != SceneBonus || entry.Source != Source(BonusWelcome) {
		test.Fatalf("unexpected bonus entry %+v", entry)
	}
	if entry.Reference != "welcome:user-1" {
		test.Fatalf("unexpected reference %q", entry.Reference)
	}
}

func TestGrantBonusDuplicateIsSilentNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustNewEngine(test, store)

	if _, err := engine.GrantWelcomeBonus(context.Background(), "user-1"); err != nil {
		test.Fatalf("first grant: %v", err)
	}
	granted, err := engine.GrantWelcomeBonus(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("duplicate grant must not error: %v", err)
	}
	if granted {
		test.Fatal("duplicate grant must report false")
	}
	if got := store.balances["user-1"].SpendableCredits; got != WelcomeBonusCredits {
		test.Fatalf("duplicate grant must roll back its credit, got %d", got)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 bonus entry after replay, got %d", len(store.entries))
	}
}

func TestBonusKindsAreIndependent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustNewEngine(test, store)
	ctx := context.Background()

	if _, err := engine.GrantWelcomeBonus(ctx, "user-1"); err != nil {
		test.Fatalf("welcome: %v", err)
	}
	if _, err := engine.GrantWalletBonus(ctx, "user-1", "0xAbC"); err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if _, err := engine.GrantEmailBonus(ctx, "user-1", "user@example.com"); err != nil {
		test.Fatalf("email: %v", err)
	}
	want := WelcomeBonusCredits + WalletConnectBonusCredits + EmailRegisterBonusCredits
	if got := store.balances["user-1"].SpendableCredits; got != want {
		test.Fatalf("expected %d credits across kinds, got %d", want, got)
	}
}

func TestGrantBonusRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	engine := mustNewEngine(test, newStubStore())
	if _, err := engine.GrantBonus(context.Background(), "user-1", BonusWelcome, 0, "welcome:user-1"); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBonusAmountTable(test *testing.T) {
	test.Parallel()
	if BonusAmount(BonusWelcome) != WelcomeBonusCredits {
		test.Fatal("welcome amount mismatch")
	}
	if BonusAmount(BonusWalletConnect) != WalletConnectBonusCredits {
		test.Fatal("wallet amount mismatch")
	}
	if BonusAmount(BonusEmailRegister) != EmailRegisterBonusCredits {
		test.Fatal("email amount mismatch")
	}
	if BonusAmount(BonusKind("mystery")) != 0 {
		test.Fatal("unknown kind must map to 0")
	}
}

func TestHasBeenGrantedTracksLedger(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustNewEngine(test, store)
	ctx := context.Background()

	granted, err := engine.HasBeenGranted(ctx, "user-1", BonusWelcome)
	if err != nil || granted {
		test.Fatalf("expected not granted, got granted=%v err=%v", granted, err)
	}
	if _, err := engine.GrantWelcomeBonus(ctx, "user-1"); err != nil {
		test.Fatalf("grant: %v", err)
	}
	granted, err = engine.HasBeenGranted(ctx, "user-1", BonusWelcome)
	if err != nil || !granted {
		test.Fatalf("expected granted, got granted=%v err=%v", granted, err)
	}
}
