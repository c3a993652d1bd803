package ledger

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces transaction ids that sort in creation order.
type IDGenerator func(now time.Time) TransactionID

// NewULIDGenerator returns a goroutine-safe generator of monotonic ULIDs.
func NewULIDGenerator() IDGenerator {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func(now time.Time) TransactionID {
		mu.Lock()
		defer mu.Unlock()
		return TransactionID{value: ulid.MustNew(ulid.Timestamp(now), entropy).String()}
	}
}
