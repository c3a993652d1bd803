package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/reservation"
)

const maxAmountCents = int64(1) << 53

var centsPerUnit = decimal.NewFromInt(100)

// parseAmount converts a currency amount with at most two decimal places into cents.
func parseAmount(amount decimal.Decimal) (ledger.PositiveAmountCents, error) {
	cents := amount.Mul(centsPerUnit)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: at most two decimal places", ledger.ErrInvalidAmount)
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("%w: must be greater than zero", ledger.ErrInvalidAmount)
	}
	if cents.GreaterThan(decimal.NewFromInt(maxAmountCents)) {
		return 0, fmt.Errorf("%w: too large", ledger.ErrInvalidAmount)
	}
	return ledger.NewPositiveAmountCents(cents.IntPart())
}

func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

type moneyRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ReferenceID string          `json:"reference_id"`
}

type adminCreditRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	TripID      string          `json:"trip_id"`
	ReferenceID string          `json:"reference_id"`
	Description string          `json:"description"`
}

type commitmentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type investmentRequest struct {
	TripID string          `json:"trip_id"`
	Amount decimal.Decimal `json:"amount"`
}

type batchRequest struct {
	Items []investmentRequest `json:"items"`
}

type walletPayload struct {
	UserID         string `json:"user_id"`
	BalanceCents   int64  `json:"balance_cents"`
	Balance        string `json:"balance"`
	TotalInvested  string `json:"total_invested"`
	TotalWithdrawn string `json:"total_withdrawn"`
	ProfitEarned   string `json:"profit_earned"`
	UpdatedAt      string `json:"updated_at"`
}

type transactionPayload struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	AmountCents   int64           `json:"amount_cents"`
	Amount        string          `json:"amount"`
	BalanceBefore string          `json:"balance_before"`
	BalanceAfter  string          `json:"balance_after"`
	Status        string          `json:"status"`
	Description   string          `json:"description"`
	ReferenceID   *string         `json:"reference_id"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     string          `json:"created_at"`
	MaturesAt     *string         `json:"matures_at"`
}

type leasePayload struct {
	TripID       string `json:"trip_id"`
	HolderUserID string `json:"holder_user_id"`
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	AcquiredAt   string `json:"acquired_at"`
	ExpiresAt    string `json:"expires_at"`
}

type reservationPayload struct {
	ReservationID string  `json:"reservation_id"`
	TripID        string  `json:"trip_id"`
	UserID        string  `json:"user_id"`
	SessionID     string  `json:"session_id"`
	AmountCents   int64   `json:"amount_cents"`
	Amount        string  `json:"amount"`
	Status        string  `json:"status"`
	FailureReason string  `json:"failure_reason,omitempty"`
	TransactionID *string `json:"transaction_id"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func walletFromDomain(wallet ledger.Wallet) walletPayload {
	return walletPayload{
		UserID:         wallet.UserID.String(),
		BalanceCents:   wallet.Balance.Int64(),
		Balance:        formatCents(wallet.Balance.Int64()),
		TotalInvested:  formatCents(wallet.TotalInvested.Int64()),
		TotalWithdrawn: formatCents(wallet.TotalWithdrawn.Int64()),
		ProfitEarned:   formatCents(wallet.ProfitEarned.Int64()),
		UpdatedAt:      formatTime(wallet.UpdatedAt),
	}
}

func transactionFromDomain(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID: transaction.ID.String(),
		UserID:        transaction.UserID.String(),
		Type:          transaction.Type.String(),
		AmountCents:   transaction.Amount.Int64(),
		Amount:        formatCents(transaction.Amount.Int64()),
		BalanceBefore: formatCents(transaction.BalanceBefore.Int64()),
		BalanceAfter:  formatCents(transaction.BalanceAfter.Int64()),
		Status:        transaction.Status.String(),
		Description:   transaction.Description,
		Metadata:      json.RawMessage(transaction.Metadata.String()),
		CreatedAt:     formatTime(transaction.CreatedAt),
	}
	if referenceID, ok := transaction.ReferenceID.Get(); ok {
		payload.ReferenceID = &referenceID
	}
	if maturesAt, ok := transaction.MaturesAt.Get(); ok {
		formatted := formatTime(maturesAt)
		payload.MaturesAt = &formatted
	}
	return payload
}

func transactionsFromDomain(transactions []ledger.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionFromDomain(transaction))
	}
	return payloads
}

func leaseFromDomain(record lease.Lease) leasePayload {
	return leasePayload{
		TripID:       record.TripID.String(),
		HolderUserID: record.HolderUserID.String(),
		SessionID:    record.SessionID.String(),
		Status:       string(record.Status),
		AcquiredAt:   formatTime(record.AcquiredAt),
		ExpiresAt:    formatTime(record.ExpiresAt),
	}
}

func reservationFromDomain(record reservation.Reservation) reservationPayload {
	payload := reservationPayload{
		ReservationID: record.ID,
		TripID:        record.TripID.String(),
		UserID:        record.UserID.String(),
		SessionID:     record.SessionID.String(),
		AmountCents:   record.Amount.Int64(),
		Amount:        formatCents(record.Amount.Int64()),
		Status:        string(record.Status),
		FailureReason: record.FailureReason,
		CreatedAt:     formatTime(record.CreatedAt),
		UpdatedAt:     formatTime(record.UpdatedAt),
	}
	if transactionID, ok := record.TransactionID.Get(); ok {
		value := transactionID.String()
		payload.TransactionID = &value
	}
	return payload
}

func reservationsFromDomain(records []reservation.Reservation) []reservationPayload {
	payloads := make([]reservationPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, reservationFromDomain(record))
	}
	return payloads
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
