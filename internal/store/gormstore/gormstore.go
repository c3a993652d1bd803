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

	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

const (
	constraintTransactionPrimary = "wallet_transactions_pkey"
	defaultMetadataJSON          = "{}"
	dialectPostgres              = "postgres"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectWallet           = "wallet"
	errorSubjectTransaction      = "transaction"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeSave                = "save"
	errorCodeUpdateStatus        = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	var model Wallet
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, false, nil
	}
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, true, nil
}

func (store *Store) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	model := Wallet{
		UserID:              wallet.UserID.String(),
		BalanceCents:        wallet.Balance.Int64(),
		TotalInvestedCents:  wallet.TotalInvested.Int64(),
		TotalWithdrawnCents: wallet.TotalWithdrawn.Int64(),
		ProfitEarnedCents:   wallet.ProfitEarned.Int64(),
		UpdatedAt:           wallet.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var referenceID *string
	if value, ok := transaction.ReferenceID.Get(); ok {
		referenceID = &value
	}
	var maturesAt *time.Time
	if value, ok := transaction.MaturesAt.Get(); ok {
		utc := value.UTC()
		maturesAt = &utc
	}
	model := Transaction{
		TransactionID:      transaction.ID.String(),
		UserID:             transaction.UserID.String(),
		Type:               transaction.Type.String(),
		AmountCents:        transaction.Amount.Int64(),
		BalanceBeforeCents: transaction.BalanceBefore.Int64(),
		BalanceAfterCents:  transaction.BalanceAfter.Int64(),
		Status:             transaction.Status.String(),
		Description:        transaction.Description,
		ReferenceID:        referenceID,
		Metadata:           datatypesJSON(transaction.Metadata.String()),
		CreatedAt:          transaction.CreatedAt.UTC(),
		MaturesAt:          maturesAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateTransaction(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND user_id = ? AND status = ?", transactionID.String(), userID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND user_id = ?", transactionID.String(), userID.String()).
		Count(&count).Error
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrUnknownTransaction)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("transaction_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Transaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListDuePending(ctx context.Context, userID ledger.Optional[ledger.UserID], at time.Time, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("type = ? AND status = ? AND matures_at IS NOT NULL AND matures_at <= ?",
			ledger.TransactionInvestment.String(), ledger.TransactionPending.String(), at.UTC())
	if selected, ok := userID.Get(); ok {
		query = query.Where("user_id = ?", selected.String())
	}
	query = query.Order("created_at ASC").Order("transaction_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Transaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	var rows []Wallet
	if err := store.db.WithContext(ctx).Order("user_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	wallets := make([]ledger.Wallet, 0, len(rows))
	for _, row := range rows {
		wallet, err := mapWallet(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(row Wallet) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	figures := make([]ledger.AmountCents, 0, 4)
	for _, raw := range []int64{row.BalanceCents, row.TotalInvestedCents, row.TotalWithdrawnCents, row.ProfitEarnedCents} {
		value, err := ledger.NewAmountCents(raw)
		if err != nil {
			return ledger.Wallet{}, err
		}
		figures = append(figures, value)
	}
	return ledger.Wallet{
		UserID:         userID,
		Balance:        figures[0],
		TotalInvested:  figures[1],
		TotalWithdrawn: figures[2],
		ProfitEarned:   figures[3],
		UpdatedAt:      row.UpdatedAt.UTC(),
	}, nil
}

func mapTransactions(rows []Transaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Transaction{}, err
	}
	balanceBefore, err := ledger.NewAmountCents(row.BalanceBeforeCents)
	if err != nil {
		return ledger.Transaction{}, err
	}
	balanceAfter, err := ledger.NewAmountCents(row.BalanceAfterCents)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	referenceID := ledger.None[string]()
	if row.ReferenceID != nil {
		referenceID = ledger.Some(*row.ReferenceID)
	}
	maturesAt := ledger.None[time.Time]()
	if row.MaturesAt != nil {
		maturesAt = ledger.Some(row.MaturesAt.UTC())
	}
	transaction := ledger.Transaction{
		ID:            transactionID,
		UserID:        userID,
		Type:          transactionType,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Status:        status,
		Description:   row.Description,
		ReferenceID:   referenceID,
		Metadata:      metadata,
		CreatedAt:     row.CreatedAt.UTC(),
		MaturesAt:     maturesAt,
	}
	if err := transaction.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	return transaction, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicateTransaction(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
