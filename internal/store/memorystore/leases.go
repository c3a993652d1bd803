package memorystore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
)

// LeaseTable implements lease.Table in memory.
type LeaseTable struct {
	mu     sync.RWMutex
	leases map[string]lease.Lease
}

// NewLeaseTable returns an empty lease table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{leases: make(map[string]lease.Lease)}
}

func (table *LeaseTable) Get(ctx context.Context, tripID lease.TripID) (lease.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return lease.Lease{}, false, err
	}
	table.mu.RLock()
	defer table.mu.RUnlock()
	current, found := table.leases[tripID.String()]
	return current, found, nil
}

// CompareAndPut stores next while the trip's record still carries expectedToken.
func (table *LeaseTable) CompareAndPut(ctx context.Context, expectedToken string, next lease.Lease) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	current, found := table.leases[next.TripID.String()]
	if !tokenMatches(current, found, expectedToken) {
		return false, nil
	}
	table.leases[next.TripID.String()] = next
	return true, nil
}

// CompareAndDelete removes the trip's record while it still carries token.
func (table *LeaseTable) CompareAndDelete(ctx context.Context, tripID lease.TripID, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	current, found := table.leases[tripID.String()]
	if !found || current.Token != token {
		return false, nil
	}
	delete(table.leases, tripID.String())
	return true, nil
}

func tokenMatches(current lease.Lease, found bool, expectedToken string) bool {
	if !found {
		return expectedToken == ""
	}
	return current.Token == expectedToken
}

// List returns every stored lease ordered by trip id.
func (table *LeaseTable) List(ctx context.Context) ([]lease.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	table.mu.RLock()
	defer table.mu.RUnlock()
	leases := make([]lease.Lease, 0, len(table.leases))
	for _, current := range table.leases {
		leases = append(leases, current)
	}
	sort.Slice(leases, func(left, right int) bool {
		return leases[left].TripID.String() < leases[right].TripID.String()
	})
	return leases, nil
}
