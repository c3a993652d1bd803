package ledger

import (
	"fmt"
	"sort"
)

// SortChronologically orders transactions oldest first. Ids are time-ordered, so they break ties
// between records written within the same clock tick.
func SortChronologically(transactions []Transaction) {
	sort.SliceStable(transactions, func(left, right int) bool {
		leftTime := transactions[left].CreatedAt
		rightTime := transactions[right].CreatedAt
		if !leftTime.Equal(rightTime) {
			return leftTime.Before(rightTime)
		}
		return transactions[left].ID.String() < transactions[right].ID.String()
	})
}

// Replay folds a single user's log from zero and returns the resulting balance. Every record must
// chain from the running balance; a gap or negative intermediate balance is reported as
// ErrInvalidBalance.
func Replay(transactions []Transaction) (AmountCents, error) {
	ordered := append([]Transaction(nil), transactions...)
	SortChronologically(ordered)
	var running int64
	for _, transaction := range ordered {
		if err := transaction.Validate(); err != nil {
			return 0, WrapError(errorOperationService, errorSubjectWallet, errorCodeReplay, err)
		}
		if transaction.BalanceBefore.Int64() != running {
			return 0, WrapError(errorOperationService, errorSubjectWallet, errorCodeReplay,
				fmt.Errorf("%w: transaction %s starts at %d, expected %d", ErrInvalidBalance, transaction.ID, transaction.BalanceBefore, running))
		}
		running += transaction.Type.SignedDelta(transaction.Amount)
		if running < 0 {
			return 0, WrapError(errorOperationService, errorSubjectWallet, errorCodeReplay,
				fmt.Errorf("%w: negative balance after %s", ErrInvalidBalance, transaction.ID))
		}
	}
	return AmountCents(running), nil
}
