package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

const (
	constraintTransactionPrimary = "wallet_transactions_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectSchema           = "schema"
	errorSubjectTransaction      = "transaction"
	errorSubjectWallet           = "wallet"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMigrate             = "migrate"
	errorCodeSave                = "save"
	errorCodeUpdateStatus        = "update_status"

	sqlSelectWallet = `
		select user_id, balance_cents, total_invested_cents, total_withdrawn_cents, profit_earned_cents, updated_at
		from wallets
		where user_id = $1
		for update
	`

	sqlUpsertWallet = `
		insert into wallets(user_id, balance_cents, total_invested_cents, total_withdrawn_cents, profit_earned_cents, updated_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id) do update set
			balance_cents = excluded.balance_cents,
			total_invested_cents = excluded.total_invested_cents,
			total_withdrawn_cents = excluded.total_withdrawn_cents,
			profit_earned_cents = excluded.profit_earned_cents,
			updated_at = excluded.updated_at
	`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			transaction_id, user_id, type, amount_cents, balance_before_cents, balance_after_cents,
			status, description, reference_id, metadata, created_at, matures_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, coalesce(nullif($10,''),'{}')::jsonb, $11, $12)
	`

	sqlUpdateTransactionStatus = `
		update wallet_transactions
		set status = $4
		where transaction_id = $1 and user_id = $2 and status = $3
	`

	sqlTransactionExists = `
		select exists(select 1 from wallet_transactions where transaction_id = $1 and user_id = $2)
	`

	sqlTransactionColumns = `
		select
			transaction_id, user_id, type, amount_cents, balance_before_cents, balance_after_cents,
			status, description, reference_id, coalesce(metadata::text,'{}'), created_at, matures_at
		from wallet_transactions
	`

	sqlListTransactions = sqlTransactionColumns + `
		where user_id = $1
		order by created_at desc, transaction_id desc
		limit nullif($2::bigint, 0)
	`

	sqlListDuePending = sqlTransactionColumns + `
		where type = 'INVESTMENT' and status = 'pending' and matures_at is not null and matures_at <= $1
		and ($2::text = '' or user_id = $2::text)
		order by created_at asc, transaction_id asc
		limit nullif($3::bigint, 0)
	`

	sqlListWallets = `
		select user_id, balance_cents, total_invested_cents, total_withdrawn_cents, profit_earned_cents, updated_at
		from wallets
		order by user_id asc
	`
)

//go:embed schema.sql
var schemaSQL string

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// Migrate creates the wallet tables when they are missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	wallet, err := scanWallet(store.db.QueryRow(ctx, sqlSelectWallet, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, false, nil
	}
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet, true, nil
}

func (store queries) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	_, err := store.db.Exec(ctx, sqlUpsertWallet,
		wallet.UserID.String(),
		wallet.Balance.Int64(),
		wallet.TotalInvested.Int64(),
		wallet.TotalWithdrawn.Int64(),
		wallet.ProfitEarned.Int64(),
		wallet.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

func (store queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var referenceID *string
	if value, ok := transaction.ReferenceID.Get(); ok {
		referenceID = &value
	}
	var maturesAt *time.Time
	if value, ok := transaction.MaturesAt.Get(); ok {
		utc := value.UTC()
		maturesAt = &utc
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.UserID.String(),
		transaction.Type.String(),
		transaction.Amount.Int64(),
		transaction.BalanceBefore.Int64(),
		transaction.BalanceAfter.Int64(),
		transaction.Status.String(),
		transaction.Description,
		referenceID,
		transaction.Metadata.String(),
		transaction.CreatedAt.UTC(),
		maturesAt,
	)
	if isDuplicateTransaction(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store queries) UpdateTransactionStatus(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus, transactionID.String(), userID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlTransactionExists, transactionID.String(), userID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrUnknownTransaction)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
}

func (store queries) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	return store.listTransactions(ctx, sqlListTransactions, userID.String(), int64(max(limit, 0)))
}

func (store queries) ListDuePending(ctx context.Context, userID ledger.Optional[ledger.UserID], at time.Time, limit int) ([]ledger.Transaction, error) {
	userFilter := ""
	if selected, ok := userID.Get(); ok {
		userFilter = selected.String()
	}
	return store.listTransactions(ctx, sqlListDuePending, at.UTC(), userFilter, int64(max(limit, 0)))
}

func (store queries) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	rows, err := store.db.Query(ctx, sqlListWallets)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	defer rows.Close()
	wallets := make([]ledger.Wallet, 0, 16)
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return wallets, nil
}

func (store queries) listTransactions(ctx context.Context, sql string, arguments ...any) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sql, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		userIDValue    string
		balanceValue   int64
		investedValue  int64
		withdrawnValue int64
		profitValue    int64
		updatedAt      time.Time
	)
	if err := row.Scan(&userIDValue, &balanceValue, &investedValue, &withdrawnValue, &profitValue, &updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	figures := make([]ledger.AmountCents, 0, 4)
	for _, raw := range []int64{balanceValue, investedValue, withdrawnValue, profitValue} {
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
		UpdatedAt:      updatedAt.UTC(),
	}, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue string
			userIDValue        string
			typeValue          string
			amountValue        int64
			beforeValue        int64
			afterValue         int64
			statusValue        string
			description        string
			referenceValue     *string
			metadataValue      string
			createdAt          time.Time
			maturesAtValue     *time.Time
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userIDValue,
			&typeValue,
			&amountValue,
			&beforeValue,
			&afterValue,
			&statusValue,
			&description,
			&referenceValue,
			&metadataValue,
			&createdAt,
			&maturesAtValue,
		); err != nil {
			return nil, err
		}
		transactionID, err := ledger.NewTransactionID(transactionIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseTransactionStatus(statusValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewPositiveAmountCents(amountValue)
		if err != nil {
			return nil, err
		}
		balanceBefore, err := ledger.NewAmountCents(beforeValue)
		if err != nil {
			return nil, err
		}
		balanceAfter, err := ledger.NewAmountCents(afterValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		referenceID := ledger.None[string]()
		if referenceValue != nil {
			referenceID = ledger.Some(*referenceValue)
		}
		maturesAt := ledger.None[time.Time]()
		if maturesAtValue != nil {
			maturesAt = ledger.Some(maturesAtValue.UTC())
		}
		transaction := ledger.Transaction{
			ID:            transactionID,
			UserID:        userID,
			Type:          transactionType,
			Amount:        amount,
			BalanceBefore: balanceBefore,
			BalanceAfter:  balanceAfter,
			Status:        status,
			Description:   description,
			ReferenceID:   referenceID,
			Metadata:      metadata,
			CreatedAt:     createdAt.UTC(),
			MaturesAt:     maturesAt,
		}
		if err := transaction.Validate(); err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicateTransaction(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionPrimary
	}
	return false
}
