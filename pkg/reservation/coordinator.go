package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripledger/internal/keylock"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

const (
	// DefaultRetention is how long terminal reservations stay queryable before a sweep prunes them.
	DefaultRetention = time.Hour

	operationSelect         = "select"
	operationDeselect       = "deselect"
	operationCommit         = "create_commitment"
	operationComplete       = "complete"
	operationCancel         = "cancel"
	operationInvestBatch    = "invest_batch"
	operationReleaseSession = "release_session"
	operationSweep          = "sweep"

	statusOK    = "ok"
	statusError = "error"
)

// Leases is the lease manager surface the coordinator drives.
type Leases interface {
	Acquire(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) (lease.Lease, error)
	Release(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) error
	Consume(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) error
	Info(ctx context.Context, tripID lease.TripID) (lease.Lease, bool, error)
	Sweep(ctx context.Context) ([]lease.Lease, error)
	ReleaseSession(ctx context.Context, userID ledger.UserID, sessionID lease.SessionID) ([]lease.Lease, error)
}

// Wallets is the ledger surface the coordinator debits.
type Wallets interface {
	InvestMany(ctx context.Context, userID ledger.UserID, lines []ledger.InvestmentLine) ([]ledger.Transaction, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(coordinator *Coordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// WithObserver wires an operation observer such as a metrics recorder.
func WithObserver(observer Observer) Option {
	return func(coordinator *Coordinator) {
		coordinator.observer = observer
	}
}

// WithRetention overrides how long terminal reservations are kept.
func WithRetention(retention time.Duration) Option {
	return func(coordinator *Coordinator) {
		coordinator.retention = retention
	}
}

// WithLockTimeout bounds how long a call waits for another call on the same trip.
func WithLockTimeout(timeout time.Duration) Option {
	return func(coordinator *Coordinator) {
		coordinator.lockTimeout = timeout
	}
}

// WithIDGenerator replaces the reservation id source.
func WithIDGenerator(generator func() string) Option {
	return func(coordinator *Coordinator) {
		coordinator.newID = generator
	}
}

// Coordinator drives reservations from trip selection to a completed wallet debit. Every call
// touching a trip holds that trip's critical section for its whole duration.
type Coordinator struct {
	leases      Leases
	wallets     Wallets
	nowFn       func() time.Time
	newID       func() string
	locks       *keylock.Locker
	logger      *zap.Logger
	observer    Observer
	retention   time.Duration
	lockTimeout time.Duration

	mu           sync.Mutex
	reservations map[string]Reservation
	openByTrip   map[string]string
}

// NewCoordinator wires a Coordinator over a lease manager and a wallet ledger.
func NewCoordinator(leases Leases, wallets Wallets, now func() time.Time, options ...Option) (*Coordinator, error) {
	if leases == nil || wallets == nil {
		return nil, fmt.Errorf("%w: lease and wallet dependencies are required", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	coordinator := &Coordinator{
		leases:       leases,
		wallets:      wallets,
		nowFn:        now,
		newID:        uuid.NewString,
		locks:        keylock.New(),
		logger:       zap.NewNop(),
		retention:    DefaultRetention,
		lockTimeout:  ledger.DefaultOperationTimeout,
		reservations: make(map[string]Reservation),
		openByTrip:   make(map[string]string),
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	if coordinator.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidConfig)
	}
	if coordinator.retention < 0 || coordinator.lockTimeout <= 0 {
		return nil, fmt.Errorf("%w: retention and lock timeout must be positive", ErrInvalidConfig)
	}
	return coordinator, nil
}

// Select leases the trip for the session and opens a pending reservation. It never touches the
// wallet. Selecting a trip the session already holds refreshes the lease and returns the same
// reservation.
func (coordinator *Coordinator) Select(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) (Reservation, lease.Lease, error) {
	var selected Reservation
	var granted lease.Lease
	err := coordinator.withTrips(ctx, operationSelect, []lease.TripID{tripID}, func(ctx context.Context) error {
		var err error
		selected, granted, err = coordinator.selectLocked(ctx, tripID, userID, sessionID)
		return err
	})
	return selected, granted, err
}

// Deselect cancels the session's open reservation on the trip and releases the lease.
func (coordinator *Coordinator) Deselect(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) error {
	return coordinator.withTrips(ctx, operationDeselect, []lease.TripID{tripID}, func(ctx context.Context) error {
		if open, found := coordinator.openFor(tripID); found && open.ownedBy(userID, sessionID) {
			coordinator.finish(open, StatusCancelled, "")
		}
		err := coordinator.leases.Release(ctx, tripID, userID, sessionID)
		if errors.Is(err, lease.ErrLeaseExpired) {
			return nil
		}
		return err
	})
}

// CreateCommitment records the amount the session intends to invest and moves the reservation to
// processing. The session must still hold an active lease on the trip.
func (coordinator *Coordinator) CreateCommitment(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID, amount ledger.PositiveAmountCents) (Reservation, error) {
	var committed Reservation
	err := coordinator.withTrips(ctx, operationCommit, []lease.TripID{tripID}, func(ctx context.Context) error {
		if err := coordinator.requireHeldLease(ctx, tripID, userID, sessionID); err != nil {
			return err
		}
		if amount <= 0 {
			return fmt.Errorf("%w: must be greater than zero", ledger.ErrInvalidAmount)
		}
		current, found := coordinator.openFor(tripID)
		if !found || !current.ownedBy(userID, sessionID) {
			current = coordinator.newReservation(tripID, userID, sessionID)
		}
		current.Amount = amount.ToAmountCents()
		if err := current.transition(StatusProcessing, coordinator.nowFn()); err != nil {
			return err
		}
		coordinator.put(current)
		committed = current
		return nil
	})
	return committed, err
}

// Complete debits the wallet for a processing reservation. This is the commit point: once the
// debit is recorded the reservation is completed and the lease consumed. A ledger rejection fails
// the reservation and frees the trip; a storage timeout leaves it processing for a retry.
func (coordinator *Coordinator) Complete(ctx context.Context, reservationID string, userID ledger.UserID) (Reservation, ledger.Transaction, error) {
	snapshot, err := coordinator.ownedReservation(reservationID, userID)
	if err != nil {
		coordinator.observe(operationComplete, err)
		return Reservation{}, ledger.Transaction{}, err
	}
	var completed Reservation
	var transaction ledger.Transaction
	err = coordinator.withTrips(ctx, operationComplete, []lease.TripID{snapshot.TripID}, func(ctx context.Context) error {
		current, err := coordinator.lookup(reservationID)
		if err != nil {
			return err
		}
		if current.Status != StatusProcessing {
			return fmt.Errorf("%w: cannot complete %s reservation", ErrInvalidTransition, current.Status)
		}
		if err := coordinator.requireHeldLease(ctx, current.TripID, current.UserID, current.SessionID); err != nil {
			return err
		}
		line, err := investmentLine(current)
		if err != nil {
			return err
		}
		written, err := coordinator.wallets.InvestMany(ctx, userID, []ledger.InvestmentLine{line})
		if err != nil {
			return coordinator.abandon(ctx, []Reservation{current}, err)
		}
		completed = coordinator.settle(ctx, current, written[0])
		transaction = written[0]
		return nil
	})
	return completed, transaction, err
}

// Cancel abandons a pending or processing reservation and releases its lease. It never touches
// the wallet.
func (coordinator *Coordinator) Cancel(ctx context.Context, reservationID string, userID ledger.UserID) (Reservation, error) {
	snapshot, err := coordinator.ownedReservation(reservationID, userID)
	if err != nil {
		coordinator.observe(operationCancel, err)
		return Reservation{}, err
	}
	var cancelled Reservation
	err = coordinator.withTrips(ctx, operationCancel, []lease.TripID{snapshot.TripID}, func(ctx context.Context) error {
		current, err := coordinator.lookup(reservationID)
		if err != nil {
			return err
		}
		if err := current.transition(StatusCancelled, coordinator.nowFn()); err != nil {
			return err
		}
		coordinator.put(current)
		coordinator.releaseQuietly(ctx, current)
		cancelled = current
		return nil
	})
	return cancelled, err
}

// Invest runs the whole single-trip flow: select, commit and complete.
func (coordinator *Coordinator) Invest(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID, amount ledger.PositiveAmountCents) (Reservation, ledger.Transaction, error) {
	if _, _, err := coordinator.Select(ctx, tripID, userID, sessionID); err != nil {
		return Reservation{}, ledger.Transaction{}, err
	}
	committed, err := coordinator.CreateCommitment(ctx, tripID, userID, sessionID, amount)
	if err != nil {
		return Reservation{}, ledger.Transaction{}, err
	}
	return coordinator.Complete(ctx, committed.ID, userID)
}

// InvestBatch invests in several trips at once. Every lease is acquired first; if any trip is
// unavailable the leases this batch took are released and ErrPartialReservationFailure is
// returned. Trips the session had already selected keep their pending reservations.
// The debit is a single atomic ledger call recording one INVESTMENT per trip.
func (coordinator *Coordinator) InvestBatch(ctx context.Context, userID ledger.UserID, sessionID lease.SessionID, items []BatchItem) ([]Reservation, []ledger.Transaction, error) {
	tripIDs, err := batchTrips(items)
	if err != nil {
		coordinator.observe(operationInvestBatch, err)
		return nil, nil, err
	}
	var completed []Reservation
	var transactions []ledger.Transaction
	err = coordinator.withTrips(ctx, operationInvestBatch, tripIDs, func(ctx context.Context) error {
		selected := make([]Reservation, 0, len(items))
		taken := make([]Reservation, 0, len(items))
		for _, item := range items {
			open, found := coordinator.openFor(item.TripID)
			heldBefore := found && open.ownedBy(userID, sessionID)
			reservation, _, err := coordinator.selectLocked(ctx, item.TripID, userID, sessionID)
			if err != nil {
				// Only the trips this batch took are rolled back; earlier selections stay open.
				for _, rollback := range taken {
					coordinator.finish(rollback, StatusCancelled, "")
					coordinator.releaseQuietly(ctx, rollback)
				}
				return fmt.Errorf("%w: trip %s: %w", ErrPartialReservationFailure, item.TripID, err)
			}
			selected = append(selected, reservation)
			if !heldBefore {
				taken = append(taken, reservation)
			}
		}

		lines := make([]ledger.InvestmentLine, 0, len(items))
		for index, item := range items {
			reservation := selected[index]
			reservation.Amount = item.Amount.ToAmountCents()
			if reservation.Status == StatusPending {
				if err := reservation.transition(StatusProcessing, coordinator.nowFn()); err != nil {
					return err
				}
			}
			coordinator.put(reservation)
			selected[index] = reservation
			line, err := investmentLine(reservation)
			if err != nil {
				return err
			}
			lines = append(lines, line)
		}

		written, err := coordinator.wallets.InvestMany(ctx, userID, lines)
		if err != nil {
			return coordinator.abandon(ctx, selected, err)
		}
		for index, reservation := range selected {
			completed = append(completed, coordinator.settle(ctx, reservation, written[index]))
		}
		transactions = written
		return nil
	})
	return completed, transactions, err
}

// Get returns a reservation by id.
func (coordinator *Coordinator) Get(reservationID string) (Reservation, error) {
	return coordinator.lookup(reservationID)
}

// List returns the user's retained reservations oldest first.
func (coordinator *Coordinator) List(userID ledger.UserID) []Reservation {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	listed := make([]Reservation, 0)
	for _, reservation := range coordinator.reservations {
		if reservation.UserID == userID {
			listed = append(listed, reservation)
		}
	}
	sort.Slice(listed, func(left, right int) bool {
		if !listed[left].CreatedAt.Equal(listed[right].CreatedAt) {
			return listed[left].CreatedAt.Before(listed[right].CreatedAt)
		}
		return listed[left].ID < listed[right].ID
	})
	return listed
}

// ReleaseSession cancels every open reservation of a session and drops its leases. Clients call it
// when they go away; expiry sweeps cover the ones that never do.
func (coordinator *Coordinator) ReleaseSession(ctx context.Context, userID ledger.UserID, sessionID lease.SessionID) (int, error) {
	cancelled := 0
	for _, candidate := range coordinator.openForSession(userID, sessionID) {
		err := coordinator.withTrips(ctx, operationReleaseSession, []lease.TripID{candidate.TripID}, func(ctx context.Context) error {
			current, err := coordinator.lookup(candidate.ID)
			if err != nil || !current.IsOpen() {
				return nil
			}
			coordinator.finish(current, StatusCancelled, "")
			cancelled++
			return nil
		})
		if err != nil {
			return cancelled, err
		}
	}
	if _, err := coordinator.leases.ReleaseSession(ctx, userID, sessionID); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// Sweep expires stale leases, then fails every open reservation whose lease is no longer active
// and held by its session, whether it expired here, lapsed elsewhere or vanished from the table.
// Terminal reservations past retention are pruned.
func (coordinator *Coordinator) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{}
	expired, err := coordinator.leases.Sweep(ctx)
	if err != nil {
		coordinator.observe(operationSweep, err)
		return report, err
	}
	report.ExpiredLeases = len(expired)
	for _, candidate := range coordinator.openReservations() {
		err := coordinator.withTrips(ctx, operationSweep, []lease.TripID{candidate.TripID}, func(ctx context.Context) error {
			open, found := coordinator.openFor(candidate.TripID)
			if !found || open.ID != candidate.ID {
				return nil
			}
			current, held, err := coordinator.leases.Info(ctx, open.TripID)
			if err != nil {
				return err
			}
			if held && current.ActiveAt(coordinator.nowFn()) && current.HeldBy(open.UserID, open.SessionID) {
				return nil
			}
			coordinator.finish(open, StatusFailed, ReasonLeaseExpired)
			report.FailedReservations++
			return nil
		})
		if err != nil {
			coordinator.logger.Warn("reservation sweep failed", zap.String("trip_id", candidate.TripID.String()), zap.Error(err))
		}
	}
	report.Pruned = coordinator.prune(coordinator.nowFn())
	return report, nil
}

func (coordinator *Coordinator) selectLocked(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) (Reservation, lease.Lease, error) {
	granted, err := coordinator.leases.Acquire(ctx, tripID, userID, sessionID)
	if err != nil {
		return Reservation{}, lease.Lease{}, err
	}
	if open, found := coordinator.openFor(tripID); found {
		if open.ownedBy(userID, sessionID) {
			return open, granted, nil
		}
		// The previous holder's lease lapsed before a sweep reached it.
		coordinator.finish(open, StatusFailed, ReasonLeaseExpired)
	}
	created := coordinator.newReservation(tripID, userID, sessionID)
	coordinator.put(created)
	return created, granted, nil
}

func (coordinator *Coordinator) requireHeldLease(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) error {
	current, found, err := coordinator.leases.Info(ctx, tripID)
	if err != nil {
		return err
	}
	if found && current.ActiveAt(coordinator.nowFn()) && current.HeldBy(userID, sessionID) {
		return nil
	}
	if open, ok := coordinator.openFor(tripID); ok && open.ownedBy(userID, sessionID) {
		coordinator.finish(open, StatusFailed, ReasonLeaseExpired)
	}
	return fmt.Errorf("%w: trip %s", ErrTripNoLongerAvailable, tripID)
}

// abandon handles a rejected debit. Timeouts leave everything in place so the caller can retry.
func (coordinator *Coordinator) abandon(ctx context.Context, reservations []Reservation, cause error) error {
	if errors.Is(cause, ledger.ErrStorageTimeout) {
		return cause
	}
	reason := ReasonLedgerFailure
	if errors.Is(cause, ledger.ErrInsufficientFunds) {
		reason = ReasonInsufficientFunds
	}
	for _, reservation := range reservations {
		failed := coordinator.finish(reservation, StatusFailed, reason)
		coordinator.releaseQuietly(ctx, failed)
	}
	return cause
}

func (coordinator *Coordinator) settle(ctx context.Context, reservation Reservation, transaction ledger.Transaction) Reservation {
	reservation.TransactionID = ledger.Some(transaction.ID)
	completed := coordinator.finish(reservation, StatusCompleted, "")
	if err := coordinator.leases.Consume(ctx, reservation.TripID, reservation.UserID, reservation.SessionID); err != nil {
		coordinator.logger.Warn("lease consume failed after debit",
			zap.String("reservation_id", reservation.ID),
			zap.String("trip_id", reservation.TripID.String()),
			zap.Error(err),
		)
	}
	coordinator.logger.Info("reservation completed",
		zap.String("reservation_id", reservation.ID),
		zap.String("trip_id", reservation.TripID.String()),
		zap.String("user_id", reservation.UserID.String()),
		zap.Int64("amount_cents", reservation.Amount.Int64()),
		zap.String("transaction_id", transaction.ID.String()),
	)
	return completed
}

// finish moves an open reservation to a terminal status and stores it.
func (coordinator *Coordinator) finish(reservation Reservation, status Status, reason string) Reservation {
	if err := reservation.transition(status, coordinator.nowFn()); err != nil {
		coordinator.logger.Error("reservation transition rejected", zap.String("reservation_id", reservation.ID), zap.Error(err))
		return reservation
	}
	reservation.FailureReason = reason
	coordinator.put(reservation)
	if status == StatusFailed {
		coordinator.logger.Info("reservation failed",
			zap.String("reservation_id", reservation.ID),
			zap.String("trip_id", reservation.TripID.String()),
			zap.String("reason", reason),
		)
	}
	return reservation
}

func (coordinator *Coordinator) releaseQuietly(ctx context.Context, reservation Reservation) {
	err := coordinator.leases.Release(ctx, reservation.TripID, reservation.UserID, reservation.SessionID)
	if err == nil || errors.Is(err, lease.ErrNotHolder) || errors.Is(err, lease.ErrLeaseExpired) {
		return
	}
	coordinator.logger.Warn("lease release failed", zap.String("trip_id", reservation.TripID.String()), zap.Error(err))
}

func (coordinator *Coordinator) withTrips(ctx context.Context, operation string, tripIDs []lease.TripID, fn func(ctx context.Context) error) error {
	keys := make([]string, 0, len(tripIDs))
	for _, tripID := range tripIDs {
		keys = append(keys, tripID.String())
	}
	lockCtx, cancel := context.WithTimeout(ctx, coordinator.lockTimeout)
	unlock, err := coordinator.locks.LockAll(lockCtx, keys)
	cancel()
	if err != nil {
		err = ledger.TimeoutError(operation, err)
		coordinator.observe(operation, err)
		return err
	}
	defer unlock()
	err = fn(ctx)
	coordinator.observe(operation, err)
	return err
}

func (coordinator *Coordinator) newReservation(tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) Reservation {
	now := coordinator.nowFn()
	return Reservation{
		ID:        coordinator.newID(),
		TripID:    tripID,
		UserID:    userID,
		SessionID: sessionID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (coordinator *Coordinator) ownedReservation(reservationID string, userID ledger.UserID) (Reservation, error) {
	reservation, err := coordinator.lookup(reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if reservation.UserID != userID {
		return Reservation{}, fmt.Errorf("%w: reservation %s", ErrNotHolder, reservationID)
	}
	return reservation, nil
}

func (coordinator *Coordinator) lookup(reservationID string) (Reservation, error) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	reservation, found := coordinator.reservations[reservationID]
	if !found {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	return reservation, nil
}

func (coordinator *Coordinator) openFor(tripID lease.TripID) (Reservation, bool) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	reservationID, found := coordinator.openByTrip[tripID.String()]
	if !found {
		return Reservation{}, false
	}
	return coordinator.reservations[reservationID], true
}

func (coordinator *Coordinator) openForSession(userID ledger.UserID, sessionID lease.SessionID) []Reservation {
	return coordinator.openMatching(func(reservation Reservation) bool {
		return reservation.ownedBy(userID, sessionID)
	})
}

func (coordinator *Coordinator) openReservations() []Reservation {
	return coordinator.openMatching(func(Reservation) bool { return true })
}

func (coordinator *Coordinator) openMatching(keep func(Reservation) bool) []Reservation {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	open := make([]Reservation, 0)
	for _, reservationID := range coordinator.openByTrip {
		reservation := coordinator.reservations[reservationID]
		if keep(reservation) {
			open = append(open, reservation)
		}
	}
	return open
}

func (coordinator *Coordinator) put(reservation Reservation) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	coordinator.reservations[reservation.ID] = reservation
	tripKey := reservation.TripID.String()
	if reservation.IsOpen() {
		coordinator.openByTrip[tripKey] = reservation.ID
		return
	}
	if coordinator.openByTrip[tripKey] == reservation.ID {
		delete(coordinator.openByTrip, tripKey)
	}
}

func (coordinator *Coordinator) prune(now time.Time) int {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	cutoff := now.Add(-coordinator.retention)
	pruned := 0
	for reservationID, reservation := range coordinator.reservations {
		if reservation.Status.IsTerminal() && reservation.UpdatedAt.Before(cutoff) {
			delete(coordinator.reservations, reservationID)
			pruned++
		}
	}
	return pruned
}

func (coordinator *Coordinator) observe(operation string, err error) {
	if coordinator.observer == nil {
		return
	}
	status := statusOK
	if err != nil {
		status = statusError
	}
	coordinator.observer.ObserveReservationOperation(operation, status)
}

func investmentLine(reservation Reservation) (ledger.InvestmentLine, error) {
	amount, err := ledger.NewPositiveAmountCents(reservation.Amount.Int64())
	if err != nil {
		return ledger.InvestmentLine{}, err
	}
	return ledger.InvestmentLine{
		Amount:      amount,
		ReferenceID: reservation.ID,
		Description: fmt.Sprintf("Investment in trip %s", reservation.TripID),
		Metadata: ledger.MetadataFromMap(map[string]string{
			"trip_id":    reservation.TripID.String(),
			"session_id": reservation.SessionID.String(),
		}),
	}, nil
}

func batchTrips(items []BatchItem) ([]lease.TripID, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no trips", ErrInvalidBatch)
	}
	seen := make(map[string]struct{}, len(items))
	tripIDs := make([]lease.TripID, 0, len(items))
	for _, item := range items {
		if item.Amount <= 0 {
			return nil, fmt.Errorf("%w: trip %s", ledger.ErrInvalidAmount, item.TripID)
		}
		if _, duplicate := seen[item.TripID.String()]; duplicate {
			return nil, fmt.Errorf("%w: trip %s listed twice", ErrInvalidBatch, item.TripID)
		}
		seen[item.TripID.String()] = struct{}{}
		tripIDs = append(tripIDs, item.TripID)
	}
	return tripIDs, nil
}
