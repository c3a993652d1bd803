// Package memorystore keeps ledger and lease state in process memory. It backs tests and
// single-node deployments that accept losing state on restart.
package memorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

const (
	errorOperationStore     = "memorystore"
	errorSubjectTransaction = "transaction"
	errorCodeDuplicate      = "duplicate"
	errorCodeUpdateStatus   = "update_status"
	errorCodeCommit         = "commit"
)

// Store implements ledger.Store. Writes issued through WithTx are staged and become visible
// together on commit, or not at all.
type Store struct {
	mu           sync.RWMutex
	wallets      map[string]ledger.Wallet
	transactions map[string][]ledger.Transaction
	locations    map[string]location
}

type location struct {
	userID string
	index  int
}

// NewLedgerStore returns an empty ledger store.
func NewLedgerStore() *Store {
	return &Store{
		wallets:      make(map[string]ledger.Wallet),
		transactions: make(map[string][]ledger.Transaction),
		locations:    make(map[string]location),
	}
}

// WithTx stages every write made by fn and commits them atomically when fn succeeds and the
// context is still live.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	staged := newTxStore(store)
	if err := fn(ctx, staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.commit(staged)
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Wallet{}, false, err
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	wallet, ok := store.wallets[userID.String()]
	return wallet, ok, nil
}

func (store *Store) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.SaveWallet(ctx, wallet)
	})
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.InsertTransaction(ctx, transaction)
	})
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.UpdateTransactionStatus(ctx, userID, transactionID, from, to)
	})
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	return newestFirst(store.transactions[userID.String()], limit), nil
}

func (store *Store) ListDuePending(ctx context.Context, userID ledger.Optional[ledger.UserID], at time.Time, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	var candidates []ledger.Transaction
	if selected, ok := userID.Get(); ok {
		candidates = append(candidates, store.transactions[selected.String()]...)
	} else {
		for _, userTransactions := range store.transactions {
			candidates = append(candidates, userTransactions...)
		}
	}
	return dueOldestFirst(candidates, at, limit), nil
}

func (store *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	wallets := make([]ledger.Wallet, 0, len(store.wallets))
	for _, wallet := range store.wallets {
		wallets = append(wallets, wallet)
	}
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].UserID.String() < wallets[right].UserID.String()
	})
	return wallets, nil
}

func (store *Store) commit(staged *txStore) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range staged.inserted {
		if _, exists := store.locations[transaction.ID.String()]; exists {
			return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
		}
	}
	for transactionID, update := range staged.statusUpdates {
		position, exists := store.locations[transactionID]
		if !exists {
			return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeCommit, fmt.Errorf("%w: %s", ledger.ErrUnknownTransaction, transactionID))
		}
		current := store.transactions[position.userID][position.index]
		if current.Status != update.from {
			return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
		}
	}

	for _, transaction := range staged.inserted {
		userKey := transaction.UserID.String()
		store.transactions[userKey] = append(store.transactions[userKey], transaction)
		store.locations[transaction.ID.String()] = location{userID: userKey, index: len(store.transactions[userKey]) - 1}
	}
	for transactionID, update := range staged.statusUpdates {
		position := store.locations[transactionID]
		store.transactions[position.userID][position.index].Status = update.to
	}
	for userKey, wallet := range staged.wallets {
		store.wallets[userKey] = wallet
	}
	return nil
}

type statusUpdate struct {
	from ledger.TransactionStatus
	to   ledger.TransactionStatus
}

// txStore overlays staged writes on the committed state.
type txStore struct {
	base          *Store
	wallets       map[string]ledger.Wallet
	inserted      []ledger.Transaction
	statusUpdates map[string]statusUpdate
}

func newTxStore(base *Store) *txStore {
	return &txStore{
		base:          base,
		wallets:       make(map[string]ledger.Wallet),
		statusUpdates: make(map[string]statusUpdate),
	}
}

func (staged *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, staged)
}

func (staged *txStore) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	if wallet, ok := staged.wallets[userID.String()]; ok {
		return wallet, true, nil
	}
	return staged.base.GetWallet(ctx, userID)
}

func (staged *txStore) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	staged.wallets[wallet.UserID.String()] = wallet
	return nil
}

func (staged *txStore) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, existing := range staged.inserted {
		if existing.ID == transaction.ID {
			return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
		}
	}
	staged.base.mu.RLock()
	_, exists := staged.base.locations[transaction.ID.String()]
	staged.base.mu.RUnlock()
	if exists {
		return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	staged.inserted = append(staged.inserted, transaction)
	return nil
}

func (staged *txStore) UpdateTransactionStatus(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, found := staged.lookup(userID, transactionID)
	if !found {
		return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrUnknownTransaction)
	}
	if current.Status != from {
		return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
	}
	for index := range staged.inserted {
		if staged.inserted[index].ID == transactionID {
			staged.inserted[index].Status = to
			return nil
		}
	}
	staged.statusUpdates[transactionID.String()] = statusUpdate{from: from, to: to}
	return nil
}

func (staged *txStore) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newestFirst(staged.view(userID), limit), nil
}

func (staged *txStore) ListDuePending(ctx context.Context, userID ledger.Optional[ledger.UserID], at time.Time, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selected, ok := userID.Get()
	if !ok {
		committed, err := staged.base.ListDuePending(ctx, userID, at, 0)
		if err != nil {
			return nil, err
		}
		var merged []ledger.Transaction
		for _, transaction := range committed {
			merged = append(merged, staged.withStagedStatus(transaction))
		}
		merged = append(merged, staged.inserted...)
		return dueOldestFirst(merged, at, limit), nil
	}
	return dueOldestFirst(staged.view(selected), at, limit), nil
}

func (staged *txStore) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	committed, err := staged.base.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]ledger.Wallet, len(committed)+len(staged.wallets))
	for _, wallet := range committed {
		merged[wallet.UserID.String()] = wallet
	}
	for userKey, wallet := range staged.wallets {
		merged[userKey] = wallet
	}
	wallets := make([]ledger.Wallet, 0, len(merged))
	for _, wallet := range merged {
		wallets = append(wallets, wallet)
	}
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].UserID.String() < wallets[right].UserID.String()
	})
	return wallets, nil
}

// view returns the user's log in append order with staged changes applied.
func (staged *txStore) view(userID ledger.UserID) []ledger.Transaction {
	staged.base.mu.RLock()
	committed := append([]ledger.Transaction(nil), staged.base.transactions[userID.String()]...)
	staged.base.mu.RUnlock()
	for index := range committed {
		committed[index] = staged.withStagedStatus(committed[index])
	}
	for _, transaction := range staged.inserted {
		if transaction.UserID == userID {
			committed = append(committed, transaction)
		}
	}
	return committed
}

func (staged *txStore) lookup(userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, bool) {
	for _, transaction := range staged.view(userID) {
		if transaction.ID == transactionID {
			return transaction, true
		}
	}
	return ledger.Transaction{}, false
}

func (staged *txStore) withStagedStatus(transaction ledger.Transaction) ledger.Transaction {
	if update, ok := staged.statusUpdates[transaction.ID.String()]; ok {
		transaction.Status = update.to
	}
	return transaction
}

func newestFirst(transactions []ledger.Transaction, limit int) []ledger.Transaction {
	out := make([]ledger.Transaction, 0, len(transactions))
	for index := len(transactions) - 1; index >= 0; index-- {
		out = append(out, transactions[index])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func dueOldestFirst(transactions []ledger.Transaction, at time.Time, limit int) []ledger.Transaction {
	due := make([]ledger.Transaction, 0)
	for _, transaction := range transactions {
		if transaction.IsDue(at) {
			due = append(due, transaction)
		}
	}
	ledger.SortChronologically(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}
