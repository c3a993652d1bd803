package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

// stubStore applies writes directly; it is enough for single-goroutine service tests.
type stubStore struct {
	wallets      map[string]Wallet
	transactions []Transaction

	getWalletErr    error
	saveWalletErr   error
	insertErr       error
	updateStatusErr error
	listErr         error
	listDueErr      error
	listWalletsErr  error
}

func newStubStore() *stubStore {
	return &stubStore{wallets: make(map[string]Wallet)}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetWallet(ctx context.Context, userID UserID) (Wallet, bool, error) {
	if store.getWalletErr != nil {
		return Wallet{}, false, store.getWalletErr
	}
	wallet, found := store.wallets[userID.String()]
	return wallet, found, nil
}

func (store *stubStore) SaveWallet(ctx context.Context, wallet Wallet) error {
	if store.saveWalletErr != nil {
		return store.saveWalletErr
	}
	store.wallets[wallet.UserID.String()] = wallet
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	if store.insertErr != nil {
		return store.insertErr
	}
	for _, existing := range store.transactions {
		if existing.ID == transaction.ID {
			return ErrDuplicateTransaction
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) UpdateTransactionStatus(ctx context.Context, userID UserID, transactionID TransactionID, from, to TransactionStatus) error {
	if store.updateStatusErr != nil {
		return store.updateStatusErr
	}
	for index := range store.transactions {
		if store.transactions[index].ID != transactionID || store.transactions[index].UserID != userID {
			continue
		}
		if store.transactions[index].Status != from {
			return ErrTransactionClosed
		}
		store.transactions[index].Status = to
		return nil
	}
	return ErrUnknownTransaction
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	out := make([]Transaction, 0)
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID != userID {
			continue
		}
		out = append(out, store.transactions[index])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) ListDuePending(ctx context.Context, userID Optional[UserID], at time.Time, limit int) ([]Transaction, error) {
	if store.listDueErr != nil {
		return nil, store.listDueErr
	}
	selected, filtered := userID.Get()
	due := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if filtered && transaction.UserID != selected {
			continue
		}
		if transaction.IsDue(at) {
			due = append(due, transaction)
		}
	}
	SortChronologically(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *stubStore) ListWallets(ctx context.Context) ([]Wallet, error) {
	if store.listWalletsErr != nil {
		return nil, store.listWalletsErr
	}
	wallets := make([]Wallet, 0, len(store.wallets))
	for _, wallet := range store.wallets {
		wallets = append(wallets, wallet)
	}
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].UserID.String() < wallets[right].UserID.String()
	})
	return wallets, nil
}

// blockingStore never answers until the caller's context ends.
type blockingStore struct {
	*stubStore
}

func (store blockingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (store blockingStore) ListDuePending(ctx context.Context, userID Optional[UserID], at time.Time, limit int) ([]Transaction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func mustNewService(test *testing.T, store Store, clock *fakeClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustAddFunds(test *testing.T, service *Service, userID UserID, cents int64) Transaction {
	test.Helper()
	transaction, err := service.AddFunds(context.Background(), userID, mustPositiveAmount(test, cents), "deposit", None[string]())
	if err != nil {
		test.Fatalf("add funds: %v", err)
	}
	return transaction
}
