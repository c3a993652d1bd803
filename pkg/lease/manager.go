package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripledger/internal/keylock"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

const (
	// DefaultTTL is how long a selection holds a trip without being refreshed.
	DefaultTTL = 10 * time.Minute
	// DefaultOperationTimeout bounds each table round trip.
	DefaultOperationTimeout = 5 * time.Second

	operationAcquire        = "acquire"
	operationRelease        = "release"
	operationConsume        = "consume"
	operationExpire         = "expire"
	operationReleaseSession = "release_session"
	operationInfo           = "info"

	statusOK    = "ok"
	statusError = "error"
)

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the lease time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(manager *Manager) {
		manager.ttl = ttl
	}
}

// WithOperationTimeout overrides the boundary timeout for table calls.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(manager *Manager) {
		manager.timeout = timeout
	}
}

// WithExclusiveConsumption makes consumed trips permanently unavailable instead of simply released.
func WithExclusiveConsumption(exclusive bool) Option {
	return func(manager *Manager) {
		manager.exclusive = exclusive
	}
}

// WithTokenGenerator overrides how write tokens are minted.
func WithTokenGenerator(generator func() string) Option {
	return func(manager *Manager) {
		if generator != nil {
			manager.newToken = generator
		}
	}
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithObserver wires an operation observer such as a metrics recorder.
func WithObserver(observer Observer) Option {
	return func(manager *Manager) {
		manager.observer = observer
	}
}

// Manager grants, releases and expires per-trip leases. Calls on the same trip are linearized:
// within a process by a per-trip lock, across processes by the table's conditional writes.
// Calls on different trips run in parallel.
type Manager struct {
	table     Table
	nowFn     func() time.Time
	ttl       time.Duration
	timeout   time.Duration
	exclusive bool
	locks     *keylock.Locker
	newToken  func() string
	logger    *zap.Logger
	observer  Observer
}

// NewManager wires a Manager over a lease table.
func NewManager(table Table, now func() time.Time, options ...Option) (*Manager, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: table dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	manager := &Manager{
		table:    table,
		nowFn:    now,
		ttl:      DefaultTTL,
		timeout:  DefaultOperationTimeout,
		locks:    keylock.New(),
		newToken: uuid.NewString,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	if manager.ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidConfig)
	}
	if manager.timeout <= 0 {
		return nil, fmt.Errorf("%w: operation timeout must be positive", ErrInvalidConfig)
	}
	return manager, nil
}

// TTL reports the configured lease lifetime.
func (manager *Manager) TTL() time.Duration {
	return manager.ttl
}

// Acquire grants the trip to the holder session, or refreshes the TTL when that session already
// holds it. Another holder's unexpired lease yields ErrTripUnavailable.
func (manager *Manager) Acquire(ctx context.Context, tripID TripID, userID ledger.UserID, sessionID SessionID) (Lease, error) {
	var granted Lease
	err := manager.withTrip(ctx, operationAcquire, tripID, func(ctx context.Context) error {
		now := manager.nowFn()
		current, found, err := manager.table.Get(ctx, tripID)
		if err != nil {
			return err
		}
		if found && current.Status == StatusConsumed {
			return fmt.Errorf("%w: trip %s already invested", ErrTripUnavailable, tripID)
		}
		if found && current.ActiveAt(now) && !current.HeldBy(userID, sessionID) {
			return fmt.Errorf("%w: trip %s", ErrTripUnavailable, tripID)
		}
		acquiredAt := now
		expectedToken := ""
		if found {
			expectedToken = current.Token
			if current.ActiveAt(now) {
				acquiredAt = current.AcquiredAt
			}
		}
		next := Lease{
			TripID:       tripID,
			HolderUserID: userID,
			SessionID:    sessionID,
			AcquiredAt:   acquiredAt,
			ExpiresAt:    now.Add(manager.ttl),
			Status:       StatusActive,
			Token:        manager.newToken(),
		}
		stored, err := manager.table.CompareAndPut(ctx, expectedToken, next)
		if err != nil {
			return err
		}
		if !stored {
			return fmt.Errorf("%w: trip %s changed concurrently", ErrTripUnavailable, tripID)
		}
		granted = next
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return granted, nil
}

// Release gives the trip back. Only the active holder may release; a holder whose lease already
// lapsed gets ErrLeaseExpired and the stale record is cleared.
func (manager *Manager) Release(ctx context.Context, tripID TripID, userID ledger.UserID, sessionID SessionID) error {
	return manager.withTrip(ctx, operationRelease, tripID, func(ctx context.Context) error {
		return manager.releaseLocked(ctx, tripID, userID, sessionID)
	})
}

// Consume ends the lease of a completed investment. In exclusive mode the trip stays unavailable
// to every future holder; otherwise it is simply released.
func (manager *Manager) Consume(ctx context.Context, tripID TripID, userID ledger.UserID, sessionID SessionID) error {
	return manager.withTrip(ctx, operationConsume, tripID, func(ctx context.Context) error {
		if !manager.exclusive {
			return manager.releaseLocked(ctx, tripID, userID, sessionID)
		}
		current, found, err := manager.table.Get(ctx, tripID)
		if err != nil {
			return err
		}
		if !found || current.Status != StatusActive || !current.HeldBy(userID, sessionID) {
			return fmt.Errorf("%w: trip %s", ErrNotHolder, tripID)
		}
		expectedToken := current.Token
		current.Status = StatusConsumed
		current.ExpiresAt = manager.nowFn()
		current.Token = manager.newToken()
		stored, err := manager.table.CompareAndPut(ctx, expectedToken, current)
		if err != nil {
			return err
		}
		if !stored {
			return fmt.Errorf("%w: trip %s changed concurrently", ErrNotHolder, tripID)
		}
		return nil
	})
}

// IsAvailable reports whether userID could take the trip now: nobody holds an unexpired lease,
// or userID holds it already. A lapsed lease awaiting the sweep counts as available, since Acquire
// would overwrite it.
func (manager *Manager) IsAvailable(ctx context.Context, tripID TripID, userID ledger.UserID) (bool, error) {
	current, found, err := manager.Info(ctx, tripID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	switch {
	case current.Status == StatusConsumed:
		return false, nil
	case !current.ActiveAt(manager.nowFn()):
		return true, nil
	default:
		return current.HolderUserID == userID, nil
	}
}

// Info returns the stored lease for a trip, if any.
func (manager *Manager) Info(ctx context.Context, tripID TripID) (Lease, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, manager.timeout)
	defer cancel()
	current, found, err := manager.table.Get(ctx, tripID)
	if err != nil {
		err = manager.boundaryError(ctx, operationInfo, err)
		manager.observe(operationInfo, err)
		return Lease{}, false, err
	}
	return current, found, nil
}

// ExpireIfStale removes the trip's lease when its TTL has elapsed and returns the expired record.
func (manager *Manager) ExpireIfStale(ctx context.Context, tripID TripID) (Lease, bool, error) {
	var expired Lease
	var didExpire bool
	err := manager.withTrip(ctx, operationExpire, tripID, func(ctx context.Context) error {
		current, found, err := manager.table.Get(ctx, tripID)
		if err != nil {
			return err
		}
		if !found || !current.StaleAt(manager.nowFn()) {
			return nil
		}
		removed, err := manager.table.CompareAndDelete(ctx, tripID, current.Token)
		if err != nil || !removed {
			return err
		}
		current.Status = StatusExpired
		expired = current
		didExpire = true
		manager.logger.Info("lease expired",
			zap.String("trip_id", tripID.String()),
			zap.String("user_id", current.HolderUserID.String()),
			zap.String("session_id", current.SessionID.String()),
			zap.Time("expires_at", current.ExpiresAt),
		)
		return nil
	})
	return expired, didExpire, err
}

// StaleLeases lists leases whose TTL has elapsed without changing them.
func (manager *Manager) StaleLeases(ctx context.Context) ([]Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, manager.timeout)
	defer cancel()
	leases, err := manager.table.List(ctx)
	if err != nil {
		return nil, manager.boundaryError(ctx, operationExpire, err)
	}
	now := manager.nowFn()
	stale := make([]Lease, 0)
	for _, current := range leases {
		if current.StaleAt(now) {
			stale = append(stale, current)
		}
	}
	return stale, nil
}

// Sweep expires every stale lease. A failure on one trip is logged and does not stop the others.
func (manager *Manager) Sweep(ctx context.Context) ([]Lease, error) {
	stale, err := manager.StaleLeases(ctx)
	if err != nil {
		return nil, err
	}
	expired := make([]Lease, 0, len(stale))
	for _, candidate := range stale {
		current, didExpire, err := manager.ExpireIfStale(ctx, candidate.TripID)
		if err != nil {
			manager.logger.Warn("lease sweep failed", zap.String("trip_id", candidate.TripID.String()), zap.Error(err))
			continue
		}
		if didExpire {
			expired = append(expired, current)
		}
	}
	return expired, nil
}

// ActiveLeases lists every lease currently marked active, including ones awaiting expiry.
func (manager *Manager) ActiveLeases(ctx context.Context) ([]Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, manager.timeout)
	defer cancel()
	leases, err := manager.table.List(ctx)
	if err != nil {
		return nil, manager.boundaryError(ctx, operationInfo, err)
	}
	active := make([]Lease, 0, len(leases))
	for _, current := range leases {
		if current.Status == StatusActive {
			active = append(active, current)
		}
	}
	return active, nil
}

// ReleaseSession drops every active lease held by a session, e.g. when the client navigates away.
func (manager *Manager) ReleaseSession(ctx context.Context, userID ledger.UserID, sessionID SessionID) ([]Lease, error) {
	active, err := manager.ActiveLeases(ctx)
	if err != nil {
		return nil, err
	}
	released := make([]Lease, 0)
	for _, current := range active {
		if !current.HeldBy(userID, sessionID) {
			continue
		}
		err := manager.Release(ctx, current.TripID, userID, sessionID)
		if err != nil && !errors.Is(err, ErrLeaseExpired) && !errors.Is(err, ErrNotHolder) {
			manager.logger.Warn("session release failed", zap.String("trip_id", current.TripID.String()), zap.Error(err))
			continue
		}
		released = append(released, current)
	}
	manager.observe(operationReleaseSession, nil)
	return released, nil
}

func (manager *Manager) releaseLocked(ctx context.Context, tripID TripID, userID ledger.UserID, sessionID SessionID) error {
	current, found, err := manager.table.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if !found || current.Status != StatusActive || !current.HeldBy(userID, sessionID) {
		return fmt.Errorf("%w: trip %s", ErrNotHolder, tripID)
	}
	removed, err := manager.table.CompareAndDelete(ctx, tripID, current.Token)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: trip %s changed concurrently", ErrNotHolder, tripID)
	}
	if !current.ActiveAt(manager.nowFn()) {
		return fmt.Errorf("%w: trip %s", ErrLeaseExpired, tripID)
	}
	return nil
}

// withTrip runs fn inside the trip's critical section under the boundary timeout.
func (manager *Manager) withTrip(ctx context.Context, operation string, tripID TripID, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, manager.timeout)
	defer cancel()
	unlock, err := manager.locks.Lock(ctx, tripID.String())
	if err != nil {
		err = ledger.TimeoutError(operation, err)
		manager.observe(operation, err)
		return err
	}
	defer unlock()
	err = manager.boundaryError(ctx, operation, fn(ctx))
	manager.observe(operation, err)
	return err
}

func (manager *Manager) boundaryError(ctx context.Context, operation string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ledger.TimeoutError(operation, ctxErr)
	}
	return err
}

func (manager *Manager) observe(operation string, err error) {
	if manager.observer == nil {
		return
	}
	status := statusOK
	if err != nil {
		status = statusError
	}
	manager.observer.ObserveLeaseOperation(operation, status)
}
