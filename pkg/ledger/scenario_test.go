package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tripledger/internal/store/memorystore"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

var scenarioEpoch = time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)

type scenarioClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *scenarioClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *scenarioClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func newScenarioService(test *testing.T) (*ledger.Service, *memorystore.Store, *scenarioClock) {
	test.Helper()
	store := memorystore.NewLedgerStore()
	clock := &scenarioClock{now: scenarioEpoch}
	service, err := ledger.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service, store, clock
}

func userID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	value, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func cents(test *testing.T, raw int64) ledger.PositiveAmountCents {
	test.Helper()
	value, err := ledger.NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func assertBalanceMatchesLog(test *testing.T, service *ledger.Service, user ledger.UserID) ledger.Wallet {
	test.Helper()
	wallet, err := service.Reconcile(context.Background(), user)
	if err != nil {
		test.Fatalf("reconcile %s: %v", user, err)
	}
	return wallet
}

func TestInvestingWholeBalanceBlocksFurtherInvestment(test *testing.T) {
	test.Parallel()
	service, _, _ := newScenarioService(test)
	ctx := context.Background()
	investor := userID(test, "investor-a")
	if _, err := service.AddFunds(ctx, investor, cents(test, 1000), "top up", ledger.None[string]()); err != nil {
		test.Fatalf("add funds: %v", err)
	}

	if _, err := service.Invest(ctx, investor, cents(test, 1000), "1", "Investment in trip 1"); err != nil {
		test.Fatalf("invest: %v", err)
	}
	wallet, err := service.GetWallet(ctx, investor)
	if err != nil {
		test.Fatalf("get wallet: %v", err)
	}
	if wallet.Balance != 0 || wallet.TotalInvested != 1000 {
		test.Fatalf("unexpected wallet %+v", wallet)
	}
	if _, err := service.Invest(ctx, investor, cents(test, 1), "2", ""); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	assertBalanceMatchesLog(test, service, investor)
}

func TestWithdrawBeyondZeroFailsAndKeepsLog(test *testing.T) {
	test.Parallel()
	service, _, _ := newScenarioService(test)
	ctx := context.Background()
	saver := userID(test, "saver")
	if _, err := service.AddFunds(ctx, saver, cents(test, 500), "top up", ledger.None[string]()); err != nil {
		test.Fatalf("add funds: %v", err)
	}
	if _, err := service.WithdrawFunds(ctx, saver, cents(test, 500), "cash out"); err != nil {
		test.Fatalf("withdraw: %v", err)
	}
	if _, err := service.WithdrawFunds(ctx, saver, cents(test, 1), "cash out"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	transactions, err := service.GetTransactions(ctx, saver, 0)
	if err != nil {
		test.Fatalf("get transactions: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if wallet := assertBalanceMatchesLog(test, service, saver); wallet.Balance != 0 {
		test.Fatalf("expected zero balance, got %d", wallet.Balance)
	}
}

func TestMaturitySweepRespectsDelay(test *testing.T) {
	test.Parallel()
	service, store, clock := newScenarioService(test)
	ctx := context.Background()
	investor := userID(test, "investor-d")
	if _, err := service.AddFunds(ctx, investor, cents(test, 200), "top up", ledger.None[string]()); err != nil {
		test.Fatalf("add funds: %v", err)
	}
	investment, err := service.Invest(ctx, investor, cents(test, 200), "trip-d", "")
	if err != nil {
		test.Fatalf("invest: %v", err)
	}
	maturesAt, _ := investment.MaturesAt.Get()
	if !maturesAt.Equal(scenarioEpoch.Add(24 * time.Hour)) {
		test.Fatalf("expected maturity after 24h, got %s", maturesAt)
	}

	clock.Advance(23 * time.Hour)
	report, err := service.MaturePending(ctx)
	if err != nil {
		test.Fatalf("mature pending: %v", err)
	}
	if report.Matured != 0 {
		test.Fatalf("expected nothing to mature yet, got %+v", report)
	}
	logged, _ := store.ListTransactions(ctx, investor, 1)
	if logged[0].Status != ledger.TransactionPending {
		test.Fatalf("expected pending investment, got %s", logged[0].Status)
	}

	clock.Advance(time.Hour)
	report, err = service.MaturePending(ctx)
	if err != nil {
		test.Fatalf("mature pending: %v", err)
	}
	if report.Matured != 1 || report.Failed != 0 {
		test.Fatalf("unexpected report %+v", report)
	}
	logged, _ = store.ListTransactions(ctx, investor, 1)
	if logged[0].Status != ledger.TransactionCompleted {
		test.Fatalf("expected completed investment, got %s", logged[0].Status)
	}
	if wallet := assertBalanceMatchesLog(test, service, investor); wallet.Balance != 0 {
		test.Fatalf("maturity must not move the balance, got %d", wallet.Balance)
	}
}

func TestConcurrentMutationsKeepBalanceFoldable(test *testing.T) {
	test.Parallel()
	service, _, _ := newScenarioService(test)
	ctx := context.Background()
	shared := userID(test, "shared-wallet")
	if _, err := service.AddFunds(ctx, shared, cents(test, 1000), "seed", ledger.None[string]()); err != nil {
		test.Fatalf("add funds: %v", err)
	}

	var waitGroup sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for worker := 0; worker < 40; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			var err error
			if worker%2 == 0 {
				_, err = service.Invest(ctx, shared, cents(test, 100), fmt.Sprintf("trip-%d", worker), "")
			} else {
				_, err = service.WithdrawFunds(ctx, shared, cents(test, 100), "cash out")
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrInsufficientFunds) {
				test.Errorf("unexpected error: %v", err)
			}
		}(worker)
	}
	waitGroup.Wait()

	if succeeded != 10 {
		test.Fatalf("expected exactly 10 debits to fit, got %d", succeeded)
	}
	if wallet := assertBalanceMatchesLog(test, service, shared); wallet.Balance != 0 {
		test.Fatalf("expected zero balance, got %d", wallet.Balance)
	}
}

func TestDifferentUsersDoNotBlockEachOther(test *testing.T) {
	test.Parallel()
	store := memorystore.NewLedgerStore()
	clock := &scenarioClock{now: scenarioEpoch}
	gate := &gatedStore{Store: store, blockedUser: "slow-user", release: make(chan struct{})}
	service, err := ledger.NewService(gate, clock.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := service.AddFunds(ctx, userID(test, "slow-user"), cents(test, 10), "", ledger.None[string]())
		slowDone <- err
	}()

	fastCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := service.AddFunds(fastCtx, userID(test, "fast-user"), cents(test, 10), "", ledger.None[string]()); err != nil {
		test.Fatalf("fast user blocked by slow user: %v", err)
	}
	close(gate.release)
	if err := <-slowDone; err != nil {
		test.Fatalf("slow user: %v", err)
	}
}

func TestExportReplayReproducesBalances(test *testing.T) {
	test.Parallel()
	service, _, clock := newScenarioService(test)
	ctx := context.Background()
	first := userID(test, "export-1")
	second := userID(test, "export-2")
	steps := []func() error{
		func() error { _, err := service.AddFunds(ctx, first, cents(test, 5000), "", ledger.Some("pay-1")); return err },
		func() error { _, err := service.Invest(ctx, first, cents(test, 1200), "trip-1", ""); return err },
		func() error { _, err := service.CreditProfit(ctx, first, cents(test, 90), "trip-1"); return err },
		func() error { _, err := service.AddFunds(ctx, second, cents(test, 300), "", ledger.None[string]()); return err },
		func() error { _, err := service.WithdrawFunds(ctx, second, cents(test, 120), ""); return err },
		func() error { _, err := service.Refund(ctx, first, cents(test, 1200), "reservation-x", "refund"); return err },
		func() error { _, err := service.Adjust(ctx, second, cents(test, 5), "rounding"); return err },
	}
	for index, step := range steps {
		if err := step(); err != nil {
			test.Fatalf("step %d: %v", index, err)
		}
		clock.Advance(time.Minute)
	}

	export, err := service.Export(ctx, ledger.None[ledger.UserID]())
	if err != nil {
		test.Fatalf("export: %v", err)
	}
	if len(export.Wallets) != 2 {
		test.Fatalf("expected 2 wallets, got %d", len(export.Wallets))
	}
	byUser := make(map[ledger.UserID][]ledger.Transaction)
	for _, transaction := range export.Transactions {
		byUser[transaction.UserID] = append(byUser[transaction.UserID], transaction)
	}
	for _, wallet := range export.Wallets {
		replayed, err := ledger.Replay(byUser[wallet.UserID])
		if err != nil {
			test.Fatalf("replay %s: %v", wallet.UserID, err)
		}
		if replayed != wallet.Balance {
			test.Fatalf("%s: replayed %d, exported %d", wallet.UserID, replayed, wallet.Balance)
		}
	}
}

// gatedStore holds one user's transactions open until release is closed.
type gatedStore struct {
	*memorystore.Store
	blockedUser string
	release     chan struct{}
}

func (store *gatedStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return fn(ctx, gatedTx{Store: txStore, parent: store})
	})
}

type gatedTx struct {
	ledger.Store
	parent *gatedStore
}

func (tx gatedTx) GetWallet(ctx context.Context, user ledger.UserID) (ledger.Wallet, bool, error) {
	if user.String() == tx.parent.blockedUser {
		select {
		case <-tx.parent.release:
		case <-ctx.Done():
			return ledger.Wallet{}, false, ctx.Err()
		}
	}
	return tx.Store.GetWallet(ctx, user)
}

// interleavingStore runs during once, at the first transaction-log read of any export or reconcile.
type interleavingStore struct {
	*memorystore.Store
	once   sync.Once
	during func()
}

func (store *interleavingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return fn(ctx, interleavingTx{Store: txStore, parent: store})
	})
}

func (store *interleavingStore) ListTransactions(ctx context.Context, user ledger.UserID, limit int) ([]ledger.Transaction, error) {
	store.once.Do(store.during)
	return store.Store.ListTransactions(ctx, user, limit)
}

type interleavingTx struct {
	ledger.Store
	parent *interleavingStore
}

func (tx interleavingTx) ListTransactions(ctx context.Context, user ledger.UserID, limit int) ([]ledger.Transaction, error) {
	tx.parent.once.Do(tx.parent.during)
	return tx.Store.ListTransactions(ctx, user, limit)
}

func TestReconcileStaysConsistentWhileDepositLands(test *testing.T) {
	test.Parallel()
	clock := &scenarioClock{now: scenarioEpoch}
	store := &interleavingStore{Store: memorystore.NewLedgerStore()}
	service, err := ledger.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	racer := userID(test, "racer")
	amount := cents(test, 500)
	if _, err := service.AddFunds(ctx, racer, amount, "first", ledger.None[string]()); err != nil {
		test.Fatalf("add funds: %v", err)
	}

	deposited := make(chan error, 1)
	store.during = func() {
		go func() {
			_, err := service.AddFunds(ctx, racer, amount, "late", ledger.None[string]())
			deposited <- err
		}()
		select {
		case err := <-deposited:
			deposited <- err
		case <-time.After(100 * time.Millisecond):
		}
	}

	if _, err := service.Reconcile(ctx, racer); err != nil {
		test.Fatalf("reconcile during a concurrent deposit: %v", err)
	}
	if err := <-deposited; err != nil {
		test.Fatalf("late deposit: %v", err)
	}
	wallet := assertBalanceMatchesLog(test, service, racer)
	if wallet.Balance != 1000 {
		test.Fatalf("expected both deposits, got %d", wallet.Balance)
	}
}
