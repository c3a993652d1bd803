// Package lease grants time-bounded exclusive claims on trips so that two investors cannot commit
// the same trip slot concurrently.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

// Lease errors.
var (
	ErrTripUnavailable  = errors.New("trip unavailable")
	ErrNotHolder        = errors.New("not lease holder")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrInvalidTripID    = errors.New("invalid trip id")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidConfig    = errors.New("invalid lease manager config")
)

// TripID identifies a trip slot. The catalog owns trip existence; ids are opaque here.
type TripID struct {
	value string
}

// SessionID identifies one client session of a user.
type SessionID struct {
	value string
}

// NewTripID validates and normalizes a trip id.
func NewTripID(raw string) (TripID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TripID{}, fmt.Errorf("%w: empty value", ErrInvalidTripID)
	}
	return TripID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TripID) String() string {
	return id.value
}

// NewSessionID validates and normalizes a session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// Status is the lease life cycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
	// StatusConsumed marks a trip permanently taken by a completed investment (exclusive mode).
	StatusConsumed Status = "consumed"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusActive, StatusReleased, StatusExpired, StatusConsumed:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("invalid lease status %q", raw)
	}
}

// Lease is the claim a holder session has on a trip.
type Lease struct {
	TripID       TripID
	HolderUserID ledger.UserID
	SessionID    SessionID
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	Status       Status
	// Token changes on every write; tables use it to reject writes based on a stale read.
	Token string
}

// HeldBy reports whether the lease belongs to the given user session.
func (lease Lease) HeldBy(userID ledger.UserID, sessionID SessionID) bool {
	return lease.HolderUserID == userID && lease.SessionID == sessionID
}

// ActiveAt reports whether the lease still excludes other holders at now.
func (lease Lease) ActiveAt(now time.Time) bool {
	return lease.Status == StatusActive && now.Before(lease.ExpiresAt)
}

// StaleAt reports whether the lease is marked active but its TTL has elapsed.
func (lease Lease) StaleAt(now time.Time) bool {
	return lease.Status == StatusActive && !now.Before(lease.ExpiresAt)
}

// Table stores at most one lease record per trip. A table may be shared by several processes, so
// every write is conditional on the token the writer last read.
type Table interface {
	Get(ctx context.Context, tripID TripID) (Lease, bool, error)
	// CompareAndPut stores next only while the trip's record still carries expectedToken. An empty
	// expectedToken means the trip must have no record. It reports false when the condition failed.
	CompareAndPut(ctx context.Context, expectedToken string, next Lease) (bool, error)
	// CompareAndDelete removes the trip's record only while it still carries token.
	CompareAndDelete(ctx context.Context, tripID TripID, token string) (bool, error)
	List(ctx context.Context) ([]Lease, error)
}

// Observer receives one callback per manager operation.
type Observer interface {
	ObserveLeaseOperation(operation string, status string)
}
