package deposit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/acee-ventures/openpoi/pkg/credits"
)

var depositClock = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func TestProcessCreditsVerifiedDeposit(test *testing.T) {
	test.Parallel()
	store := newDepositTestStore()
	verifier := &stubVerifier{verification: Verification{Token: "USDC", RawAmount: 25_000_000, Payer: "0xpayer"}}
	processor := mustProcessor(test, store, verifier)

	receipt, err := processor.Process(context.Background(), "user-1", "base", "0xabc")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if receipt.Replayed {
		test.Fatal("first submission must not report replay")
	}
	if receipt.CreditsGranted != 2_500 || receipt.Token != "USDC" {
		test.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := store.balances["user-1"].SpendableCredits; got != 2_500 {
		test.Fatalf("expected balance 2500, got %d", got)
	}
	record, found := store.deposits["0xabc"]
	if !found || record.Status != credits.DepositCredited {
		test.Fatalf("expected credited record, got %+v found=%v", record, found)
	}
}

func TestProcessReplayReturnsOriginalGrant(test *testing.T) {
	test.Parallel()
	store := newDepositTestStore()
	verifier := &stubVerifier{verification: Verification{Token: "USDC", RawAmount: 25_000_000}}
	processor := mustProcessor(test, store, verifier)
	ctx := context.Background()

	if _, err := processor.Process(ctx, "user-1", "base", "0xabc"); err != nil {
		test.Fatalf("first process: %v", err)
	}
	verifier.calls = 0

	receipt, err := processor.Process(ctx, "user-1", "base", "0xabc")
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if !receipt.Replayed || receipt.CreditsGranted != 2_500 {
		test.Fatalf("expected replayed receipt with original grant, got %+v", receipt)
	}
	if verifier.calls != 0 {
		test.Fatalf("replay must short-circuit before verification, got %d calls", verifier.calls)
	}
	if got := store.balances["user-1"].SpendableCredits; got != 2_500 {
		test.Fatalf("replay must not credit again, got %d", got)
	}
}

func TestProcessRejectsUnsupportedChain(test *testing.T) {
	test.Parallel()
	processor := mustProcessor(test, newDepositTestStore(), &stubVerifier{})

	_, err := processor.Process(context.Background(), "user-1", "dogechain", "0xabc")
	if !errors.Is(err, credits.ErrUnsupportedChain) {
		test.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
}

func TestProcessUnverifiedTransferWritesNothing(test *testing.T) {
	test.Parallel()
	store := newDepositTestStore()
	verifier := &stubVerifier{err: credits.ErrDepositNotVerified}
	processor := mustProcessor(test, store, verifier)

	_, err := processor.Process(context.Background(), "user-1", "base", "0xmissing")
	if !errors.Is(err, credits.ErrDepositNotVerified) {
		test.Fatalf("expected ErrDepositNotVerified, got %v", err)
	}
	if len(store.deposits) != 0 {
		test.Fatalf("unverified transfer must not persist a record, got %d", len(store.deposits))
	}
}

func TestProcessVerifierOutageIsRetryable(test *testing.T) {
	test.Parallel()
	verifier := &stubVerifier{err: errors.New("rpc node down")}
	processor := mustProcessor(test, newDepositTestStore(), verifier)

	_, err := processor.Process(context.Background(), "user-1", "base", "0xabc")
	if !errors.Is(err, credits.ErrVerifierUnavailable) {
		test.Fatalf("expected ErrVerifierUnavailable, got %v", err)
	}
}

func TestProcessBelowMinimumWritesNoRecord(test *testing.T) {
	test.Parallel()
	store := newDepositTestStore()
	// 0.001 USDC converts to 0 credits.
	verifier := &stubVerifier{verification: Verification{Token: "USDC", RawAmount: 1_000}}
	processor := mustProcessor(test, store, verifier)

	_, err := processor.Process(context.Background(), "user-1", "base", "0xdust")
	if !errors.Is(err, credits.ErrDepositBelowMinimum) {
		test.Fatalf("expected ErrDepositBelowMinimum, got %v", err)
	}
	if len(store.deposits) != 0 {
		test.Fatalf("dust transfer must not persist a record, got %d", len(store.deposits))
	}
	if len(store.balances) != 0 {
		test.Fatalf("dust transfer must not touch balances, got %d", len(store.balances))
	}
}

func TestProcessUnknownTokenIsNotVerified(test *testing.T) {
	test.Parallel()
	verifier := &stubVerifier{verification: Verification{RawAmount: 1_000_000}}
	processor := mustProcessor(test, newDepositTestStore(), verifier)

	_, err := processor.Process(context.Background(), "user-1", "base", "0xabc")
	if !errors.Is(err, credits.ErrDepositNotVerified) {
		test.Fatalf("expected ErrDepositNotVerified for empty token, got %v", err)
	}
}

func TestProcessChainNameIsCaseInsensitive(test *testing.T) {
	test.Parallel()
	store := newDepositTestStore()
	verifier := &stubVerifier{verification: Verification{Token: "USDT", RawAmount: 5_000_000}}
	processor := mustProcessor(test, store, verifier, WithChains([]string{"Base"}))

	receipt, err := processor.Process(context.Background(), "user-1", " BASE ", "0xabc")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if receipt.CreditsGranted != 500 {
		test.Fatalf("expected 500 credits, got %d", receipt.CreditsGranted)
	}
}

func TestNewProcessorRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newDepositTestStore()
	engine := mustEngine(test, store)

	if _, err := NewProcessor(nil, store, &stubVerifier{}, nil); err == nil {
		test.Fatal("expected error for nil engine")
	}
	if _, err := NewProcessor(engine, nil, &stubVerifier{}, nil); err == nil {
		test.Fatal("expected error for nil deposit store")
	}
	if _, err := NewProcessor(engine, store, nil, nil); err == nil {
		test.Fatal("expected error for nil verifier")
	}
}

func mustProcessor(test *testing.T, store *depositTestStore, verifier Verifier, options ...Option) *Processor {
	test.Helper()
	processor, err := NewProcessor(mustEngine(test, store), store, verifier, zap.NewNop(), options...)
	if err != nil {
		test.Fatalf("new processor: %v", err)
	}
	return processor
}

func mustEngine(test *testing.T, store credits.Store) *credits.Engine {
	test.Helper()
	engine, err := credits.NewEngine(store, depositClock)
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	return engine
}

type stubVerifier struct {
	verification Verification
	err          error
	calls        int
}

func (verifier *stubVerifier) Verify(context.Context, string, string) (Verification, error) {
	verifier.calls++
	if verifier.err != nil {
		return Verification{}, verifier.err
	}
	return verifier.verification, nil
}

// depositTestStore implements credits.Store and credits.DepositStore with
// rollback-on-error transaction semantics.
type depositTestStore struct {
	balances map[string]*credits.Balance
	entries  []credits.LedgerEntry
	deposits map[string]credits.DepositRecord
}

func newDepositTestStore() *depositTestStore {
	return &depositTestStore{
		balances: make(map[string]*credits.Balance),
		deposits: make(map[string]credits.DepositRecord),
	}
}

func (store *depositTestStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	balances := make(map[string]*credits.Balance, len(store.balances))
	for userID, balance := range store.balances {
		value := *balance
		balances[userID] = &value
	}
	entries := append([]credits.LedgerEntry(nil), store.entries...)
	deposits := make(map[string]credits.DepositRecord, len(store.deposits))
	for txRef, record := range store.deposits {
		deposits[txRef] = record
	}
	if err := fn(ctx, store); err != nil {
		store.balances = balances
		store.entries = entries
		store.deposits = deposits
		return err
	}
	return nil
}

func (store *depositTestStore) GetBalance(_ context.Context, userID string) (credits.Balance, error) {
	if balance, ok := store.balances[userID]; ok {
		return *balance, nil
	}
	return credits.Balance{UserID: userID}, nil
}

func (store *depositTestStore) AddBalance(_ context.Context, userID string, amount int64, now time.Time) error {
	balance, ok := store.balances[userID]
	if !ok {
		balance = &credits.Balance{UserID: userID}
		store.balances[userID] = balance
	}
	balance.SpendableCredits += amount
	balance.UpdatedAt = now
	return nil
}

func (store *depositTestStore) DeductWithEntry(_ context.Context, userID string, amount int64, entry credits.LedgerEntry) (bool, error) {
	balance, ok := store.balances[userID]
	if !ok || balance.SpendableCredits < amount {
		return false, nil
	}
	balance.SpendableCredits -= amount
	store.entries = append(store.entries, entry)
	return true, nil
}

func (store *depositTestStore) InsertEntry(_ context.Context, entry credits.LedgerEntry) error {
	store.entries = append(store.entries, entry)
	return nil
}

func (store *depositTestStore) HasBonusEntry(context.Context, string, credits.Source) (bool, error) {
	return false, nil
}

func (store *depositTestStore) InsertLegacyEntry(context.Context, credits.LedgerEntry) error {
	return nil
}

func (store *depositTestStore) FoldLegacyIntoSpendable(context.Context, time.Time) ([]credits.LegacyMigration, error) {
	return nil, nil
}

func (store *depositTestStore) ListEntries(context.Context, string, int64, int) ([]credits.LedgerEntry, error) {
	return nil, nil
}

func (store *depositTestStore) GetDepositByTxRef(_ context.Context, txRef string) (credits.DepositRecord, bool, error) {
	record, found := store.deposits[txRef]
	return record, found, nil
}

func (store *depositTestStore) InsertDeposit(_ context.Context, record credits.DepositRecord) error {
	if _, exists := store.deposits[record.TxRef]; exists {
		return credits.ErrDepositExists
	}
	store.deposits[record.TxRef] = record
	return nil
}
