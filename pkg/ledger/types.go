package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// AmountCents is a non-negative integer currency figure in cents (balances and running totals).
type AmountCents int64

// PositiveAmountCents is a strictly positive amount carried by a transaction.
type PositiveAmountCents int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// MetadataJSON stores arbitrary audit metadata attached to a transaction.
type MetadataJSON struct {
	value string
}

// NewAmountCents validates a balance figure.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens a positive amount into a balance figure.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a flat map into metadata.
func MetadataFromMap(values map[string]string) MetadataJSON {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionAdd        TransactionType = "ADD"
	TransactionWithdraw   TransactionType = "WITHDRAW"
	TransactionInvestment TransactionType = "INVESTMENT"
	TransactionProfit     TransactionType = "PROFIT"
	TransactionRefund     TransactionType = "REFUND"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TransactionAdd:
		return TransactionAdd, nil
	case TransactionWithdraw:
		return TransactionWithdraw, nil
	case TransactionInvestment:
		return TransactionInvestment, nil
	case TransactionProfit:
		return TransactionProfit, nil
	case TransactionRefund:
		return TransactionRefund, nil
	case TransactionAdjustment:
		return TransactionAdjustment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsDebit reports whether the type moves funds out of the wallet.
func (transactionType TransactionType) IsDebit() bool {
	return transactionType == TransactionWithdraw || transactionType == TransactionInvestment
}

// SignedDelta returns the balance change a transaction of this type applies.
func (transactionType TransactionType) SignedDelta(amount PositiveAmountCents) int64 {
	if transactionType.IsDebit() {
		return -amount.Int64()
	}
	return amount.Int64()
}

// TransactionStatus defines the transaction settlement lifecycle.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// ParseTransactionStatus validates a stored status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionPending:
		return TransactionPending, nil
	case TransactionCompleted:
		return TransactionCompleted, nil
	case TransactionFailed:
		return TransactionFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// Wallet is the per-user balance view. Balance always equals the fold of the user's log.
type Wallet struct {
	UserID         UserID
	Balance        AmountCents
	TotalInvested  AmountCents
	TotalWithdrawn AmountCents
	ProfitEarned   AmountCents
	UpdatedAt      time.Time
}

// NewWallet returns a zeroed wallet.
func NewWallet(userID UserID, now time.Time) Wallet {
	return Wallet{UserID: userID, UpdatedAt: now}
}

// apply returns the wallet after a transaction of the given type, or ErrInsufficientFunds.
func (wallet Wallet) apply(transactionType TransactionType, amount PositiveAmountCents, now time.Time) (Wallet, error) {
	delta := transactionType.SignedDelta(amount)
	if delta < 0 && wallet.Balance.Int64() < amount.Int64() {
		return Wallet{}, ErrInsufficientFunds
	}
	if delta > 0 && wallet.Balance.Int64() > math.MaxInt64-delta {
		return Wallet{}, WrapError(errorOperationService, errorSubjectWallet, errorCodeOverflow, ErrInvalidBalance)
	}
	updated := wallet
	updated.Balance = AmountCents(wallet.Balance.Int64() + delta)
	switch transactionType {
	case TransactionWithdraw:
		updated.TotalWithdrawn += amount.ToAmountCents()
	case TransactionInvestment:
		updated.TotalInvested += amount.ToAmountCents()
	case TransactionProfit:
		updated.ProfitEarned += amount.ToAmountCents()
	}
	updated.UpdatedAt = now
	return updated, nil
}

// Transaction is an immutable ledger record; only Status may move from pending to a terminal value.
type Transaction struct {
	ID            TransactionID
	UserID        UserID
	Type          TransactionType
	Amount        PositiveAmountCents
	BalanceBefore AmountCents
	BalanceAfter  AmountCents
	Status        TransactionStatus
	Description   string
	ReferenceID   Optional[string]
	Metadata      MetadataJSON
	CreatedAt     time.Time
	MaturesAt     Optional[time.Time]
}

// Validate checks the balance arithmetic and field invariants of a transaction.
func (transaction Transaction) Validate() error {
	if transaction.ID.String() == "" {
		return ErrInvalidTransactionID
	}
	if transaction.UserID.IsZero() {
		return ErrInvalidUserID
	}
	if _, err := ParseTransactionType(transaction.Type.String()); err != nil {
		return err
	}
	if _, err := ParseTransactionStatus(transaction.Status.String()); err != nil {
		return err
	}
	if transaction.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	expectedAfter := transaction.BalanceBefore.Int64() + transaction.Type.SignedDelta(transaction.Amount)
	if expectedAfter != transaction.BalanceAfter.Int64() {
		return fmt.Errorf("%w: balance after %d does not follow %d %s %d", ErrInvalidBalance, transaction.BalanceAfter, transaction.BalanceBefore, transaction.Type, transaction.Amount)
	}
	if transaction.MaturesAt.IsPresent() && transaction.Type != TransactionInvestment {
		return fmt.Errorf("%w: maturity only applies to investments", ErrInvalidTransactionType)
	}
	return nil
}

// IsDue reports whether a pending investment has reached its maturity time.
func (transaction Transaction) IsDue(now time.Time) bool {
	if transaction.Type != TransactionInvestment || transaction.Status != TransactionPending {
		return false
	}
	maturesAt, ok := transaction.MaturesAt.Get()
	return ok && !maturesAt.After(now)
}

// InvestmentLine is one trip debit inside an InvestMany call.
type InvestmentLine struct {
	Amount      PositiveAmountCents
	ReferenceID string
	Description string
	Metadata    MetadataJSON
}

// Export is an audit snapshot of wallets and their full logs.
type Export struct {
	Wallets      []Wallet
	Transactions []Transaction
	ExportedAt   time.Time
}

// MaturityReport summarizes one maturity sweep.
type MaturityReport struct {
	Matured int
	Failed  int
}

// Store is the persistence contract used by Service. Every method must observe writes staged by
// the same WithTx callback; nothing staged may become visible if the callback fails.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWallet(ctx context.Context, userID UserID) (Wallet, bool, error)
	SaveWallet(ctx context.Context, wallet Wallet) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	UpdateTransactionStatus(ctx context.Context, userID UserID, transactionID TransactionID, from, to TransactionStatus) error
	// ListTransactions returns the user's log newest first; limit <= 0 returns everything.
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	// ListDuePending returns pending investments with maturesAt <= at, oldest first.
	ListDuePending(ctx context.Context, userID Optional[UserID], at time.Time, limit int) ([]Transaction, error)
	ListWallets(ctx context.Context) ([]Wallet, error)
}
