package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tripledger/internal/keylock"
)

// Service contains the wallet domain logic over a Store. Mutations for one user run one at a time;
// different users never wait on each other.
type Service struct {
	store            Store
	nowFn            func() time.Time
	newID            IDGenerator
	logger           OperationLogger
	locks            *keylock.Locker
	maturityDelay    time.Duration
	operationTimeout time.Duration
}

// WithMaturityDelay overrides how long investments stay pending.
func WithMaturityDelay(delay time.Duration) ServiceOption {
	return func(service *Service) {
		service.maturityDelay = delay
	}
}

// WithOperationTimeout overrides the boundary timeout applied to every store call.
func WithOperationTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		service.operationTimeout = timeout
	}
}

// WithIDGenerator replaces the transaction id source.
func WithIDGenerator(generator IDGenerator) ServiceOption {
	return func(service *Service) {
		service.newID = generator
	}
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		newID:            NewULIDGenerator(),
		locks:            keylock.New(),
		maturityDelay:    DefaultMaturityDelay,
		operationTimeout: DefaultOperationTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	if service.maturityDelay < 0 {
		return nil, fmt.Errorf("%w: maturity delay must not be negative", ErrInvalidServiceConfig)
	}
	if service.operationTimeout <= 0 {
		return nil, fmt.Errorf("%w: operation timeout must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// MaturityDelay reports the configured settlement delay for investments.
func (service *Service) MaturityDelay() time.Duration {
	return service.maturityDelay
}

// AddFunds credits a confirmed deposit.
func (service *Service) AddFunds(ctx context.Context, userID UserID, amount PositiveAmountCents, description string, referenceID Optional[string]) (Transaction, error) {
	return service.credit(ctx, operationAddFunds, userID, TransactionAdd, amount, description, referenceID)
}

// WithdrawFunds debits the wallet immediately or fails with ErrInsufficientFunds leaving it untouched.
func (service *Service) WithdrawFunds(ctx context.Context, userID UserID, amount PositiveAmountCents, description string) (Transaction, error) {
	written, operationError := service.mutate(ctx, operationWithdraw, userID, func(wallet Wallet, now time.Time) (Wallet, []Transaction, error) {
		return service.appendTransaction(wallet, []Transaction(nil), TransactionWithdraw, amount, description, None[string](), MetadataJSON{}, now, TransactionCompleted)
	})
	transaction := firstOrZero(written)
	service.logOperation(ctx, OperationLog{
		Operation:     operationWithdraw,
		UserID:        userID,
		TransactionID: transaction.ID,
		Amount:        amount.ToAmountCents(),
		Error:         operationError,
	})
	return transaction, operationError
}

// Invest debits the wallet right away and records a pending INVESTMENT that matures after the
// configured delay.
func (service *Service) Invest(ctx context.Context, userID UserID, amount PositiveAmountCents, tripRef string, description string) (Transaction, error) {
	written, operationError := service.InvestMany(ctx, userID, []InvestmentLine{{
		Amount:      amount,
		ReferenceID: tripRef,
		Description: description,
		Metadata:    MetadataFromMap(map[string]string{"trip_id": tripRef}),
	}})
	return firstOrZero(written), operationError
}

// InvestMany debits several investments atomically: either every line is recorded or none is.
func (service *Service) InvestMany(ctx context.Context, userID UserID, lines []InvestmentLine) ([]Transaction, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no investment lines", ErrInvalidAmount)
	}
	operation := operationInvest
	if len(lines) > 1 {
		operation = operationInvestMany
	}
	var total int64
	for _, line := range lines {
		if line.Amount <= 0 {
			return nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
		}
		total += line.Amount.Int64()
	}
	written, operationError := service.mutate(ctx, operation, userID, func(wallet Wallet, now time.Time) (Wallet, []Transaction, error) {
		transactions := make([]Transaction, 0, len(lines))
		current := wallet
		for _, line := range lines {
			reference := None[string]()
			if line.ReferenceID != "" {
				reference = Some(line.ReferenceID)
			}
			var err error
			current, transactions, err = service.appendTransaction(current, transactions, TransactionInvestment, line.Amount, line.Description, reference, line.Metadata, now, TransactionPending)
			if err != nil {
				return Wallet{}, nil, err
			}
		}
		return current, transactions, nil
	})
	reference := ""
	if len(lines) == 1 {
		reference = lines[0].ReferenceID
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		UserID:        userID,
		TransactionID: firstOrZero(written).ID,
		Amount:        AmountCents(total),
		ReferenceID:   reference,
		Error:         operationError,
	})
	return written, operationError
}

// CreditProfit pays out investment profit.
func (service *Service) CreditProfit(ctx context.Context, userID UserID, amount PositiveAmountCents, tripRef string) (Transaction, error) {
	reference := None[string]()
	if tripRef != "" {
		reference = Some(tripRef)
	}
	return service.credit(ctx, operationCreditProfit, userID, TransactionProfit, amount, fmt.Sprintf("Profit from trip %s", tripRef), reference)
}

// Refund returns funds to the wallet, typically against an earlier reservation.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveAmountCents, referenceID string, description string) (Transaction, error) {
	reference := None[string]()
	if referenceID != "" {
		reference = Some(referenceID)
	}
	return service.credit(ctx, operationRefund, userID, TransactionRefund, amount, description, reference)
}

// Adjust records an administrative credit correction.
func (service *Service) Adjust(ctx context.Context, userID UserID, amount PositiveAmountCents, description string) (Transaction, error) {
	return service.credit(ctx, operationAdjust, userID, TransactionAdjustment, amount, description, None[string]())
}

// GetWallet returns the wallet (zeroed if the user never transacted) after maturing due records.
func (service *Service) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, service.operationTimeout)
	defer cancel()
	if _, _, err := service.matureUser(ctx, userID); err != nil {
		return Wallet{}, service.boundaryError(ctx, operationMature, err)
	}
	wallet, found, err := service.store.GetWallet(ctx, userID)
	if err != nil {
		return Wallet{}, service.boundaryError(ctx, errorSubjectWallet, err)
	}
	if !found {
		return NewWallet(userID, service.nowFn()), nil
	}
	return wallet, nil
}

// GetTransactions lists the user's log newest first after maturing due records.
func (service *Service) GetTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, service.operationTimeout)
	defer cancel()
	if _, _, err := service.matureUser(ctx, userID); err != nil {
		return nil, service.boundaryError(ctx, operationMature, err)
	}
	transactions, err := service.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, service.boundaryError(ctx, errorSubjectStore, err)
	}
	return transactions, nil
}

// Export snapshots one user's wallet and log, or every wallet when userID is absent. Each user's
// wallet and log are read together inside the user's critical section and one store transaction,
// so the exported log always replays to the exported balance.
func (service *Service) Export(ctx context.Context, userID Optional[UserID]) (Export, error) {
	ctx, cancel := context.WithTimeout(ctx, service.operationTimeout)
	defer cancel()
	export := Export{ExportedAt: service.nowFn()}
	var userIDs []UserID
	if selected, ok := userID.Get(); ok {
		userIDs = []UserID{selected}
	} else {
		listed, err := service.store.ListWallets(ctx)
		if err != nil {
			return Export{}, service.boundaryError(ctx, errorSubjectWallet, err)
		}
		for _, wallet := range listed {
			userIDs = append(userIDs, wallet.UserID)
		}
	}
	for _, current := range userIDs {
		wallet, transactions, err := service.snapshot(ctx, current, export.ExportedAt)
		if err != nil {
			return Export{}, err
		}
		export.Wallets = append(export.Wallets, wallet)
		export.Transactions = append(export.Transactions, transactions...)
	}
	return export, nil
}

// snapshot reads one user's wallet and full log as a consistent pair.
func (service *Service) snapshot(ctx context.Context, userID UserID, now time.Time) (Wallet, []Transaction, error) {
	unlock, err := service.locks.Lock(ctx, userID.String())
	if err != nil {
		return Wallet{}, nil, TimeoutError(operationExport, err)
	}
	defer unlock()
	var wallet Wallet
	var transactions []Transaction
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		stored, found, err := transactionStore.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			stored = NewWallet(userID, now)
		}
		listed, err := transactionStore.ListTransactions(ctx, userID, 0)
		if err != nil {
			return err
		}
		SortChronologically(listed)
		wallet, transactions = stored, listed
		return nil
	})
	if err != nil {
		return Wallet{}, nil, service.boundaryError(ctx, operationExport, err)
	}
	return wallet, transactions, nil
}

// Reconcile replays the user's log and fails with ErrInvalidBalance when the stored wallet drifts.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (Wallet, error) {
	export, err := service.Export(ctx, Some(userID))
	if err != nil {
		return Wallet{}, err
	}
	wallet := export.Wallets[0]
	replayed, err := Replay(export.Transactions)
	if err != nil {
		return wallet, err
	}
	if replayed != wallet.Balance {
		return wallet, WrapError(errorOperationService, errorSubjectWallet, errorCodeReplay,
			fmt.Errorf("%w: stored %d, replayed %d", ErrInvalidBalance, wallet.Balance, replayed))
	}
	return wallet, nil
}

// MaturePending settles every pending investment whose maturity time has passed. Each record is
// handled on its own; a failing record is logged and counted without stopping the sweep.
func (service *Service) MaturePending(ctx context.Context) (MaturityReport, error) {
	report := MaturityReport{}
	listCtx, cancel := context.WithTimeout(ctx, service.operationTimeout)
	due, err := service.store.ListDuePending(listCtx, None[UserID](), service.nowFn(), maturityBatchSize)
	if err != nil {
		err = service.boundaryError(listCtx, operationMature, err)
		cancel()
		return report, err
	}
	cancel()
	for _, transaction := range due {
		if ctx.Err() != nil {
			return report, TimeoutError(operationMature, ctx.Err())
		}
		if service.matureOne(ctx, transaction) {
			report.Matured++
		} else {
			report.Failed++
		}
	}
	return report, nil
}

func (service *Service) matureOne(ctx context.Context, transaction Transaction) bool {
	ctx, cancel := context.WithTimeout(ctx, service.operationTimeout)
	defer cancel()
	unlock, err := service.locks.Lock(ctx, transaction.UserID.String())
	if err != nil {
		service.logMaturity(ctx, transaction, TimeoutError(operationMature, err))
		return false
	}
	defer unlock()
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.UpdateTransactionStatus(ctx, transaction.UserID, transaction.ID, TransactionPending, TransactionCompleted)
	})
	err = service.boundaryError(ctx, operationMature, err)
	service.logMaturity(ctx, transaction, err)
	return err == nil
}

// matureUser settles the user's due investments inline on read.
func (service *Service) matureUser(ctx context.Context, userID UserID) (int, int, error) {
	due, err := service.store.ListDuePending(ctx, Some(userID), service.nowFn(), maturityBatchSize)
	if err != nil {
		return 0, 0, err
	}
	matured, failed := 0, 0
	for _, transaction := range due {
		if service.matureOne(ctx, transaction) {
			matured++
		} else {
			failed++
		}
	}
	return matured, failed, nil
}

func (service *Service) credit(ctx context.Context, operation string, userID UserID, transactionType TransactionType, amount PositiveAmountCents, description string, referenceID Optional[string]) (Transaction, error) {
	written, operationError := service.mutate(ctx, operation, userID, func(wallet Wallet, now time.Time) (Wallet, []Transaction, error) {
		return service.appendTransaction(wallet, []Transaction(nil), transactionType, amount, description, referenceID, MetadataJSON{}, now, TransactionCompleted)
	})
	transaction := firstOrZero(written)
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		UserID:        userID,
		TransactionID: transaction.ID,
		Amount:        amount.ToAmountCents(),
		ReferenceID:   referenceID.OrElse(""),
		Error:         operationError,
	})
	return transaction, operationError
}

type walletMutation func(wallet Wallet, now time.Time) (Wallet, []Transaction, error)

// mutate runs a read-modify-write of one user's wallet inside the user's critical section and a
// store transaction, bounded by the operation timeout.
func (service *Service) mutate(ctx context.Context, operation string, userID UserID, mutation walletMutation) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, ErrInvalidUserID
	}
	ctx, cancel := context.WithTimeout(ctx, service.operationTimeout)
	defer cancel()
	unlock, err := service.locks.Lock(ctx, userID.String())
	if err != nil {
		return nil, TimeoutError(operation, err)
	}
	defer unlock()

	var written []Transaction
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		wallet, found, err := transactionStore.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			wallet = NewWallet(userID, now)
		}
		updated, transactions, err := mutation(wallet, now)
		if err != nil {
			return err
		}
		for _, transaction := range transactions {
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
		}
		if err := transactionStore.SaveWallet(ctx, updated); err != nil {
			return err
		}
		written = transactions
		return nil
	})
	if err != nil {
		return nil, service.boundaryError(ctx, operation, err)
	}
	return written, nil
}

func (service *Service) appendTransaction(wallet Wallet, transactions []Transaction, transactionType TransactionType, amount PositiveAmountCents, description string, referenceID Optional[string], metadata MetadataJSON, now time.Time, status TransactionStatus) (Wallet, []Transaction, error) {
	if amount <= 0 {
		return Wallet{}, nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	updated, err := wallet.apply(transactionType, amount, now)
	if err != nil {
		return Wallet{}, nil, err
	}
	maturesAt := None[time.Time]()
	if transactionType == TransactionInvestment {
		maturesAt = Some(now.Add(service.maturityDelay))
	}
	transaction := Transaction{
		ID:            service.newID(now),
		UserID:        wallet.UserID,
		Type:          transactionType,
		Amount:        amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  updated.Balance,
		Status:        status,
		Description:   description,
		ReferenceID:   referenceID,
		Metadata:      metadata,
		CreatedAt:     now,
		MaturesAt:     maturesAt,
	}
	if err := transaction.Validate(); err != nil {
		return Wallet{}, nil, err
	}
	return updated, append(transactions, transaction), nil
}

// boundaryError maps an expired operation context to ErrStorageTimeout.
func (service *Service) boundaryError(ctx context.Context, operation string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return TimeoutError(operation, ctxErr)
	}
	return err
}

func (service *Service) logMaturity(ctx context.Context, transaction Transaction, err error) {
	service.logOperation(ctx, OperationLog{
		Operation:     operationMature,
		UserID:        transaction.UserID,
		TransactionID: transaction.ID,
		Amount:        transaction.Amount.ToAmountCents(),
		ReferenceID:   transaction.ReferenceID.OrElse(""),
		Error:         err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func firstOrZero(transactions []Transaction) Transaction {
	if len(transactions) == 0 {
		return Transaction{}
	}
	return transactions[0]
}
