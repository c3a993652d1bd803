package reservation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tripledger/internal/store/memorystore"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/reservation"
)

var coordinatorEpoch = time.Date(2025, time.May, 20, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

type harness struct {
	coordinator *reservation.Coordinator
	leases      *lease.Manager
	table       *memorystore.LeaseTable
	wallets     *ledger.Service
	clock       *fakeClock
}

func newHarness(test *testing.T, leaseOptions ...lease.Option) harness {
	test.Helper()
	clock := &fakeClock{now: coordinatorEpoch}
	wallets, err := ledger.NewService(memorystore.NewLedgerStore(), clock.Now)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	table := memorystore.NewLeaseTable()
	leases, err := lease.NewManager(table, clock.Now, leaseOptions...)
	if err != nil {
		test.Fatalf("lease manager: %v", err)
	}
	coordinator, err := reservation.NewCoordinator(leases, wallets, clock.Now)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	return harness{coordinator: coordinator, leases: leases, table: table, wallets: wallets, clock: clock}
}

func (h harness) fund(test *testing.T, userID ledger.UserID, cents int64) {
	test.Helper()
	if _, err := h.wallets.AddFunds(context.Background(), userID, mustAmount(test, cents), "top up", ledger.None[string]()); err != nil {
		test.Fatalf("add funds: %v", err)
	}
}

func (h harness) balance(test *testing.T, userID ledger.UserID) ledger.AmountCents {
	test.Helper()
	wallet, err := h.wallets.GetWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get wallet: %v", err)
	}
	return wallet.Balance
}

func mustTripID(test *testing.T, raw string) lease.TripID {
	test.Helper()
	value, err := lease.NewTripID(raw)
	if err != nil {
		test.Fatalf("trip id: %v", err)
	}
	return value
}

func mustSessionID(test *testing.T, raw string) lease.SessionID {
	test.Helper()
	value, err := lease.NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return value
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	value, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) ledger.PositiveAmountCents {
	test.Helper()
	value, err := ledger.NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func TestSelectDoesNotTouchWallet(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	alice := mustUserID(test, "alice")
	h.fund(test, alice, 1000)

	selected, granted, err := h.coordinator.Select(ctx, mustTripID(test, "trip-1"), alice, mustSessionID(test, "s1"))
	if err != nil {
		test.Fatalf("select: %v", err)
	}
	if selected.Status != reservation.StatusPending || selected.ID == "" {
		test.Fatalf("unexpected reservation %+v", selected)
	}
	if granted.Status != lease.StatusActive {
		test.Fatalf("unexpected lease %+v", granted)
	}
	if balance := h.balance(test, alice); balance != 1000 {
		test.Fatalf("select must not move funds, balance %d", balance)
	}
	again, _, err := h.coordinator.Select(ctx, mustTripID(test, "trip-1"), alice, mustSessionID(test, "s1"))
	if err != nil || again.ID != selected.ID {
		test.Fatalf("expected reselect to return the same reservation, got %+v %v", again, err)
	}
}

func TestExpiredLeaseFreesTripForAnotherInvestor(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "7")
	userA := mustUserID(test, "user-a")
	userB := mustUserID(test, "user-b")
	sessionA := mustSessionID(test, "session-a")
	sessionB := mustSessionID(test, "session-b")

	held, _, err := h.coordinator.Select(ctx, tripID, userA, sessionA)
	if err != nil {
		test.Fatalf("select a: %v", err)
	}
	if _, _, err := h.coordinator.Select(ctx, tripID, userB, sessionB); !errors.Is(err, lease.ErrTripUnavailable) {
		test.Fatalf("expected ErrTripUnavailable, got %v", err)
	}

	h.clock.Advance(lease.DefaultTTL)
	report, err := h.coordinator.Sweep(ctx)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.ExpiredLeases != 1 || report.FailedReservations != 1 {
		test.Fatalf("unexpected sweep report %+v", report)
	}
	failed, err := h.coordinator.Get(held.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if failed.Status != reservation.StatusFailed || failed.FailureReason != reservation.ReasonLeaseExpired {
		test.Fatalf("expected reservation failed by expiry, got %+v", failed)
	}
	if _, _, err := h.coordinator.Select(ctx, tripID, userB, sessionB); err != nil {
		test.Fatalf("select b after sweep: %v", err)
	}
}

func TestCommitAndCompleteDebitsWallet(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	h.fund(test, alice, 1000)

	if _, _, err := h.coordinator.Select(ctx, tripID, alice, session); err != nil {
		test.Fatalf("select: %v", err)
	}
	committed, err := h.coordinator.CreateCommitment(ctx, tripID, alice, session, mustAmount(test, 400))
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if committed.Status != reservation.StatusProcessing || committed.Amount != 400 {
		test.Fatalf("unexpected commitment %+v", committed)
	}
	completed, transaction, err := h.coordinator.Complete(ctx, committed.ID, alice)
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if completed.Status != reservation.StatusCompleted {
		test.Fatalf("expected completed reservation, got %s", completed.Status)
	}
	if recorded, ok := completed.TransactionID.Get(); !ok || recorded != transaction.ID {
		test.Fatalf("expected reservation to reference transaction %s", transaction.ID)
	}
	if transaction.Type != ledger.TransactionInvestment || transaction.Status != ledger.TransactionPending {
		test.Fatalf("unexpected transaction %+v", transaction)
	}
	if reference := transaction.ReferenceID.OrElse(""); reference != committed.ID {
		test.Fatalf("expected transaction to reference reservation %s, got %q", committed.ID, reference)
	}
	if balance := h.balance(test, alice); balance != 600 {
		test.Fatalf("expected balance 600, got %d", balance)
	}
	if _, found, _ := h.leases.Info(ctx, tripID); found {
		test.Fatalf("expected lease to be consumed")
	}
	if _, _, err := h.coordinator.Complete(ctx, committed.ID, alice); !errors.Is(err, reservation.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition on second complete, got %v", err)
	}
}

func TestCompleteWithInsufficientFundsFailsAndFreesTrip(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	h.fund(test, alice, 100)

	if _, _, err := h.coordinator.Select(ctx, tripID, alice, session); err != nil {
		test.Fatalf("select: %v", err)
	}
	committed, err := h.coordinator.CreateCommitment(ctx, tripID, alice, session, mustAmount(test, 101))
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	failed, _, err := h.coordinator.Complete(ctx, committed.ID, alice)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	stored, _ := h.coordinator.Get(committed.ID)
	if stored.Status != reservation.StatusFailed || stored.FailureReason != reservation.ReasonInsufficientFunds {
		test.Fatalf("expected failed reservation, got %+v (returned %+v)", stored, failed)
	}
	available, err := h.leases.IsAvailable(ctx, tripID, mustUserID(test, "bob"))
	if err != nil || !available {
		test.Fatalf("expected trip to be selectable again, got %v %v", available, err)
	}
	if balance := h.balance(test, alice); balance != 100 {
		test.Fatalf("expected untouched balance, got %d", balance)
	}
}

func TestCommitRequiresHeldLease(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")

	if _, err := h.coordinator.CreateCommitment(ctx, tripID, alice, session, mustAmount(test, 10)); !errors.Is(err, reservation.ErrTripNoLongerAvailable) {
		test.Fatalf("expected ErrTripNoLongerAvailable without a lease, got %v", err)
	}
	selected, _, err := h.coordinator.Select(ctx, tripID, alice, session)
	if err != nil {
		test.Fatalf("select: %v", err)
	}
	if _, err := h.coordinator.CreateCommitment(ctx, tripID, alice, mustSessionID(test, "other-tab"), mustAmount(test, 10)); !errors.Is(err, reservation.ErrTripNoLongerAvailable) {
		test.Fatalf("expected another session to be refused, got %v", err)
	}
	h.clock.Advance(lease.DefaultTTL)
	if _, err := h.coordinator.CreateCommitment(ctx, tripID, alice, session, mustAmount(test, 10)); !errors.Is(err, reservation.ErrTripNoLongerAvailable) {
		test.Fatalf("expected lapsed lease to be refused, got %v", err)
	}
	stored, _ := h.coordinator.Get(selected.ID)
	if stored.Status != reservation.StatusFailed {
		test.Fatalf("expected reservation to fail with its lease, got %s", stored.Status)
	}
}

func TestCompleteAfterLeaseLapseDoesNotDebit(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	h.fund(test, alice, 500)

	if _, _, err := h.coordinator.Select(ctx, tripID, alice, session); err != nil {
		test.Fatalf("select: %v", err)
	}
	committed, err := h.coordinator.CreateCommitment(ctx, tripID, alice, session, mustAmount(test, 200))
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	h.clock.Advance(lease.DefaultTTL + time.Second)
	if _, _, err := h.coordinator.Complete(ctx, committed.ID, alice); !errors.Is(err, reservation.ErrTripNoLongerAvailable) {
		test.Fatalf("expected ErrTripNoLongerAvailable, got %v", err)
	}
	if balance := h.balance(test, alice); balance != 500 {
		test.Fatalf("expected no debit, got balance %d", balance)
	}
}

func TestCancelReleasesLeaseWithoutDebit(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	h.fund(test, alice, 500)

	if _, _, err := h.coordinator.Select(ctx, tripID, alice, session); err != nil {
		test.Fatalf("select: %v", err)
	}
	committed, err := h.coordinator.CreateCommitment(ctx, tripID, alice, session, mustAmount(test, 200))
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if _, err := h.coordinator.Cancel(ctx, committed.ID, mustUserID(test, "mallory")); !errors.Is(err, reservation.ErrNotHolder) {
		test.Fatalf("expected ErrNotHolder, got %v", err)
	}
	cancelled, err := h.coordinator.Cancel(ctx, committed.ID, alice)
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != reservation.StatusCancelled {
		test.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, found, _ := h.leases.Info(ctx, tripID); found {
		test.Fatalf("expected lease to be released")
	}
	if _, err := h.coordinator.Cancel(ctx, committed.ID, alice); !errors.Is(err, reservation.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if balance := h.balance(test, alice); balance != 500 {
		test.Fatalf("cancel must not move funds, balance %d", balance)
	}
	if _, err := h.coordinator.Get("missing"); !errors.Is(err, reservation.ErrUnknownReservation) {
		test.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestDeselectCancelsOpenReservation(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")

	selected, _, err := h.coordinator.Select(ctx, tripID, alice, session)
	if err != nil {
		test.Fatalf("select: %v", err)
	}
	if err := h.coordinator.Deselect(ctx, tripID, mustUserID(test, "bob"), mustSessionID(test, "s2")); !errors.Is(err, lease.ErrNotHolder) {
		test.Fatalf("expected ErrNotHolder for a stranger, got %v", err)
	}
	if err := h.coordinator.Deselect(ctx, tripID, alice, session); err != nil {
		test.Fatalf("deselect: %v", err)
	}
	stored, _ := h.coordinator.Get(selected.ID)
	if stored.Status != reservation.StatusCancelled {
		test.Fatalf("expected cancelled reservation, got %s", stored.Status)
	}
}

func TestInvestRunsWholeFlow(test *testing.T) {
	test.Parallel()
	h := newHarness(test, lease.WithExclusiveConsumption(true))
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	h.fund(test, alice, 1000)

	completed, _, err := h.coordinator.Invest(ctx, tripID, alice, mustSessionID(test, "s1"), mustAmount(test, 1000))
	if err != nil {
		test.Fatalf("invest: %v", err)
	}
	if completed.Status != reservation.StatusCompleted {
		test.Fatalf("expected completed, got %s", completed.Status)
	}
	if _, _, err := h.coordinator.Select(ctx, tripID, mustUserID(test, "bob"), mustSessionID(test, "s2")); !errors.Is(err, lease.ErrTripUnavailable) {
		test.Fatalf("expected exclusive trip to stay unavailable, got %v", err)
	}
	if listed := h.coordinator.List(alice); len(listed) != 1 {
		test.Fatalf("expected one reservation for alice, got %d", len(listed))
	}
}

func TestInvestBatchIsAllOrNothing(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	alice := mustUserID(test, "alice")
	bob := mustUserID(test, "bob")
	session := mustSessionID(test, "s1")
	h.fund(test, alice, 1000)
	tripA := mustTripID(test, "trip-a")
	tripB := mustTripID(test, "trip-b")
	tripC := mustTripID(test, "trip-c")

	if _, _, err := h.coordinator.Select(ctx, tripC, bob, mustSessionID(test, "bob-tab")); err != nil {
		test.Fatalf("bob select: %v", err)
	}
	items := []reservation.BatchItem{
		{TripID: tripA, Amount: mustAmount(test, 100)},
		{TripID: tripB, Amount: mustAmount(test, 100)},
		{TripID: tripC, Amount: mustAmount(test, 100)},
	}
	_, _, err := h.coordinator.InvestBatch(ctx, alice, session, items)
	if !errors.Is(err, reservation.ErrPartialReservationFailure) || !errors.Is(err, lease.ErrTripUnavailable) {
		test.Fatalf("expected ErrPartialReservationFailure wrapping ErrTripUnavailable, got %v", err)
	}
	for _, tripID := range []lease.TripID{tripA, tripB} {
		if _, found, _ := h.leases.Info(ctx, tripID); found {
			test.Fatalf("expected lease on %s to be rolled back", tripID)
		}
	}
	if balance := h.balance(test, alice); balance != 1000 {
		test.Fatalf("expected no debit, got %d", balance)
	}

	completed, transactions, err := h.coordinator.InvestBatch(ctx, alice, session, items[:2])
	if err != nil {
		test.Fatalf("invest batch: %v", err)
	}
	if len(completed) != 2 || len(transactions) != 2 {
		test.Fatalf("expected two reservations and transactions, got %d and %d", len(completed), len(transactions))
	}
	if balance := h.balance(test, alice); balance != 800 {
		test.Fatalf("expected balance 800, got %d", balance)
	}
}

func TestFailedInvestBatchKeepsEarlierSelections(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	alice := mustUserID(test, "alice")
	bob := mustUserID(test, "bob")
	session := mustSessionID(test, "s1")
	h.fund(test, alice, 1000)
	tripA := mustTripID(test, "trip-a")
	tripB := mustTripID(test, "trip-b")
	tripC := mustTripID(test, "trip-c")

	earlier, _, err := h.coordinator.Select(ctx, tripA, alice, session)
	if err != nil {
		test.Fatalf("alice select: %v", err)
	}
	if _, _, err := h.coordinator.Select(ctx, tripC, bob, mustSessionID(test, "bob-tab")); err != nil {
		test.Fatalf("bob select: %v", err)
	}
	items := []reservation.BatchItem{
		{TripID: tripA, Amount: mustAmount(test, 100)},
		{TripID: tripB, Amount: mustAmount(test, 100)},
		{TripID: tripC, Amount: mustAmount(test, 100)},
	}
	if _, _, err := h.coordinator.InvestBatch(ctx, alice, session, items); !errors.Is(err, reservation.ErrPartialReservationFailure) {
		test.Fatalf("expected ErrPartialReservationFailure, got %v", err)
	}

	kept, err := h.coordinator.Get(earlier.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if kept.Status != reservation.StatusPending {
		test.Fatalf("expected the earlier selection to stay pending, got %s", kept.Status)
	}
	held, found, err := h.leases.Info(ctx, tripA)
	if err != nil || !found || !held.HeldBy(alice, session) {
		test.Fatalf("expected alice to keep the lease on trip-a, got %+v found=%v err=%v", held, found, err)
	}
	if _, found, _ := h.leases.Info(ctx, tripB); found {
		test.Fatalf("expected the lease taken by the batch on trip-b to be rolled back")
	}
}

func TestInvestBatchInsufficientFundsFailsEveryReservation(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	h.fund(test, alice, 150)
	items := []reservation.BatchItem{
		{TripID: mustTripID(test, "trip-a"), Amount: mustAmount(test, 100)},
		{TripID: mustTripID(test, "trip-b"), Amount: mustAmount(test, 100)},
	}

	if _, _, err := h.coordinator.InvestBatch(ctx, alice, session, items); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	for _, stored := range h.coordinator.List(alice) {
		if stored.Status != reservation.StatusFailed {
			test.Fatalf("expected every reservation failed, got %s", stored.Status)
		}
	}
	if balance := h.balance(test, alice); balance != 150 {
		test.Fatalf("expected untouched balance, got %d", balance)
	}
}

func TestInvestBatchRejectsDuplicateTrips(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	tripID := mustTripID(test, "trip-a")
	items := []reservation.BatchItem{{TripID: tripID, Amount: mustAmount(test, 1)}, {TripID: tripID, Amount: mustAmount(test, 1)}}
	_, _, err := h.coordinator.InvestBatch(context.Background(), mustUserID(test, "alice"), mustSessionID(test, "s1"), items)
	if !errors.Is(err, reservation.ErrInvalidBatch) {
		test.Fatalf("expected ErrInvalidBatch, got %v", err)
	}
}

func TestReleaseSessionCancelsEverything(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	for _, raw := range []string{"trip-a", "trip-b"} {
		if _, _, err := h.coordinator.Select(ctx, mustTripID(test, raw), alice, session); err != nil {
			test.Fatalf("select: %v", err)
		}
	}
	cancelled, err := h.coordinator.ReleaseSession(ctx, alice, session)
	if err != nil {
		test.Fatalf("release session: %v", err)
	}
	if cancelled != 2 {
		test.Fatalf("expected 2 cancelled reservations, got %d", cancelled)
	}
	available, _ := h.leases.IsAvailable(ctx, mustTripID(test, "trip-a"), mustUserID(test, "bob"))
	if !available {
		test.Fatalf("expected trip to be free after session release")
	}
}

func TestSweepPrunesTerminalReservations(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	selected, _, err := h.coordinator.Select(ctx, mustTripID(test, "trip-a"), alice, session)
	if err != nil {
		test.Fatalf("select: %v", err)
	}
	if _, err := h.coordinator.Cancel(ctx, selected.ID, alice); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	h.clock.Advance(reservation.DefaultRetention + time.Second)
	report, err := h.coordinator.Sweep(ctx)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.Pruned != 1 {
		test.Fatalf("expected one pruned reservation, got %+v", report)
	}
	if _, err := h.coordinator.Get(selected.ID); !errors.Is(err, reservation.ErrUnknownReservation) {
		test.Fatalf("expected pruned reservation to be gone, got %v", err)
	}
}

func TestSweepFailsReservationWhoseLeaseVanished(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	tripID := mustTripID(test, "7")
	alice := mustUserID(test, "alice")
	selected, granted, err := h.coordinator.Select(ctx, tripID, alice, mustSessionID(test, "s1"))
	if err != nil {
		test.Fatalf("select: %v", err)
	}
	if removed, err := h.table.CompareAndDelete(ctx, tripID, granted.Token); err != nil || !removed {
		test.Fatalf("drop lease: removed=%v err=%v", removed, err)
	}
	h.clock.Advance(2 * time.Hour)

	report, err := h.coordinator.Sweep(ctx)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.ExpiredLeases != 0 || report.FailedReservations != 1 {
		test.Fatalf("unexpected sweep report %+v", report)
	}
	failed, err := h.coordinator.Get(selected.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if failed.Status != reservation.StatusFailed || failed.FailureReason != reservation.ReasonLeaseExpired {
		test.Fatalf("expected reservation failed by lease loss, got %+v", failed)
	}
}

func TestSweepKeepsReservationsWithLiveLeases(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ctx := context.Background()
	alice := mustUserID(test, "alice")
	selected, _, err := h.coordinator.Select(ctx, mustTripID(test, "trip-a"), alice, mustSessionID(test, "s1"))
	if err != nil {
		test.Fatalf("select: %v", err)
	}
	report, err := h.coordinator.Sweep(ctx)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.FailedReservations != 0 {
		test.Fatalf("unexpected sweep report %+v", report)
	}
	current, err := h.coordinator.Get(selected.ID)
	if err != nil || current.Status != reservation.StatusPending {
		test.Fatalf("expected reservation to stay pending, got %+v (%v)", current, err)
	}
}

type timingOutWallets struct{}

func (timingOutWallets) InvestMany(ctx context.Context, userID ledger.UserID, lines []ledger.InvestmentLine) ([]ledger.Transaction, error) {
	return nil, ledger.TimeoutError("invest", context.DeadlineExceeded)
}

func TestCompleteTimeoutLeavesReservationProcessing(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: coordinatorEpoch}
	leases, err := lease.NewManager(memorystore.NewLeaseTable(), clock.Now)
	if err != nil {
		test.Fatalf("lease manager: %v", err)
	}
	coordinator, err := reservation.NewCoordinator(leases, timingOutWallets{}, clock.Now)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	ctx := context.Background()
	tripID := mustTripID(test, "trip-1")
	alice := mustUserID(test, "alice")
	session := mustSessionID(test, "s1")
	if _, _, err := coordinator.Select(ctx, tripID, alice, session); err != nil {
		test.Fatalf("select: %v", err)
	}
	committed, err := coordinator.CreateCommitment(ctx, tripID, alice, session, mustAmount(test, 10))
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if _, _, err := coordinator.Complete(ctx, committed.ID, alice); !errors.Is(err, ledger.ErrStorageTimeout) {
		test.Fatalf("expected ErrStorageTimeout, got %v", err)
	}
	stored, _ := coordinator.Get(committed.ID)
	if stored.Status != reservation.StatusProcessing {
		test.Fatalf("expected reservation to stay processing, got %s", stored.Status)
	}
	if _, found, _ := leases.Info(ctx, tripID); !found {
		test.Fatalf("expected lease to be kept for a retry")
	}
}
