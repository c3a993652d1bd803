package ledger

import (
	"errors"
	"testing"
	"time"
)

func TestReplayFoldsLogInChronologicalOrder(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-replay")
	deposit := Transaction{ID: TransactionID{value: "01A"}, UserID: userID, Type: TransactionAdd, Amount: 100, BalanceBefore: 0, BalanceAfter: 100, Status: TransactionCompleted, CreatedAt: testEpoch}
	investment := Transaction{ID: TransactionID{value: "01B"}, UserID: userID, Type: TransactionInvestment, Amount: 30, BalanceBefore: 100, BalanceAfter: 70, Status: TransactionPending, CreatedAt: testEpoch, MaturesAt: Some(testEpoch.Add(time.Hour))}
	profit := Transaction{ID: TransactionID{value: "01C"}, UserID: userID, Type: TransactionProfit, Amount: 5, BalanceBefore: 70, BalanceAfter: 75, Status: TransactionCompleted, CreatedAt: testEpoch.Add(time.Minute)}

	balance, err := Replay([]Transaction{profit, investment, deposit})
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if balance != 75 {
		test.Fatalf("expected 75, got %d", balance)
	}
}

func TestReplayRejectsBrokenChain(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-replay")
	deposit := Transaction{ID: TransactionID{value: "01A"}, UserID: userID, Type: TransactionAdd, Amount: 100, BalanceBefore: 0, BalanceAfter: 100, Status: TransactionCompleted, CreatedAt: testEpoch}
	gap := Transaction{ID: TransactionID{value: "01B"}, UserID: userID, Type: TransactionWithdraw, Amount: 10, BalanceBefore: 90, BalanceAfter: 80, Status: TransactionCompleted, CreatedAt: testEpoch.Add(time.Second)}

	if _, err := Replay([]Transaction{deposit, gap}); !errors.Is(err, ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestReplayOfEmptyLogIsZero(test *testing.T) {
	test.Parallel()
	balance, err := Replay(nil)
	if err != nil || balance != 0 {
		test.Fatalf("expected zero balance, got %d %v", balance, err)
	}
}
