package memorystore

import (
	"context"
	"testing"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
)

func TestLeaseTableConditionalWrites(test *testing.T) {
	test.Parallel()
	table := NewLeaseTable()
	ctx := context.Background()
	tripB, _ := lease.NewTripID("trip-b")
	tripA, _ := lease.NewTripID("trip-a")
	for _, tripID := range []lease.TripID{tripB, tripA} {
		stored, err := table.CompareAndPut(ctx, "", lease.Lease{TripID: tripID, Status: lease.StatusActive, AcquiredAt: storeEpoch, ExpiresAt: storeEpoch, Token: "t1"})
		if err != nil || !stored {
			test.Fatalf("put: stored=%v err=%v", stored, err)
		}
	}
	stored, err := table.CompareAndPut(ctx, "", lease.Lease{TripID: tripA, Status: lease.StatusActive, Token: "t2"})
	if err != nil || stored {
		test.Fatalf("expected insert over existing record to be refused, stored=%v err=%v", stored, err)
	}
	stored, err = table.CompareAndPut(ctx, "stale", lease.Lease{TripID: tripA, Status: lease.StatusActive, Token: "t2"})
	if err != nil || stored {
		test.Fatalf("expected stale token to be refused, stored=%v err=%v", stored, err)
	}
	current, found, err := table.Get(ctx, tripA)
	if err != nil || !found || current.Token != "t1" {
		test.Fatalf("expected untouched trip-a lease, got %+v %v %v", current, found, err)
	}
	listed, err := table.List(ctx)
	if err != nil || len(listed) != 2 || listed[0].TripID != tripA {
		test.Fatalf("expected leases ordered by trip, got %+v %v", listed, err)
	}
	if removed, _ := table.CompareAndDelete(ctx, tripA, "stale"); removed {
		test.Fatalf("expected delete with stale token to be refused")
	}
	if removed, err := table.CompareAndDelete(ctx, tripA, "t1"); err != nil || !removed {
		test.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	if _, found, _ := table.Get(ctx, tripA); found {
		test.Fatalf("expected trip-a lease to be gone")
	}
}
