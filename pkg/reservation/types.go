// Package reservation binds trip leases to investment intents and drives them to a wallet debit.
package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

// Reservation errors. ErrNotHolder is shared with the lease package so callers can match either.
var (
	ErrTripNoLongerAvailable     = errors.New("trip no longer available")
	ErrPartialReservationFailure = errors.New("partial reservation failure")
	ErrUnknownReservation        = errors.New("unknown reservation")
	ErrInvalidTransition         = errors.New("invalid reservation transition")
	ErrInvalidBatch              = errors.New("invalid reservation batch")
	ErrInvalidConfig             = errors.New("invalid coordinator config")
	ErrNotHolder                 = lease.ErrNotHolder
)

// Failure reasons recorded on failed reservations.
const (
	ReasonLeaseExpired      = "LeaseExpired"
	ReasonInsufficientFunds = "InsufficientFunds"
	ReasonLedgerFailure     = "LedgerFailure"
)

// Status is the reservation life cycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (status Status) IsTerminal() bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusFailed
}

// canTransition allows pending -> processing -> completed, and any open status to cancelled or failed.
func canTransition(from Status, to Status) bool {
	switch to {
	case StatusProcessing:
		return from == StatusPending
	case StatusCompleted:
		return from == StatusProcessing
	case StatusCancelled, StatusFailed:
		return !from.IsTerminal()
	default:
		return false
	}
}

// Reservation is a user's in-progress intent to invest in a leased trip.
type Reservation struct {
	ID            string
	TripID        lease.TripID
	UserID        ledger.UserID
	SessionID     lease.SessionID
	Amount        ledger.AmountCents
	Status        Status
	FailureReason string
	TransactionID ledger.Optional[ledger.TransactionID]
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOpen reports whether the reservation still awaits completion.
func (reservation Reservation) IsOpen() bool {
	return !reservation.Status.IsTerminal()
}

func (reservation Reservation) ownedBy(userID ledger.UserID, sessionID lease.SessionID) bool {
	return reservation.UserID == userID && reservation.SessionID == sessionID
}

func (reservation *Reservation) transition(to Status, now time.Time) error {
	if !canTransition(reservation.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, reservation.Status, to)
	}
	reservation.Status = to
	reservation.UpdatedAt = now
	return nil
}

// BatchItem is one trip of a multi-trip investment.
type BatchItem struct {
	TripID lease.TripID
	Amount ledger.PositiveAmountCents
}

// SweepReport summarizes one coordinator sweep.
type SweepReport struct {
	ExpiredLeases      int
	FailedReservations int
	Pruned             int
}

// Observer receives one callback per coordinator operation.
type Observer interface {
	ObserveReservationOperation(operation string, status string)
}
