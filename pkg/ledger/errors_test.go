package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapErrorKeepsCodeAndCause(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "transaction", "duplicate", ErrDuplicateTransaction)
	if wrapped.Error() != "store.transaction.duplicate: duplicate transaction" {
		test.Fatalf("unexpected message %q", wrapped.Error())
	}
	if !errors.Is(wrapped, ErrDuplicateTransaction) {
		test.Fatalf("cause not reachable through errors.Is")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != "store" || operationError.Subject() != "transaction" || operationError.Code() != "duplicate" {
		test.Fatalf("unexpected segments %s/%s/%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if ErrorKey(fmt.Errorf("outer: %w", wrapped)) != "store.transaction.duplicate" {
		test.Fatalf("unexpected key %q", ErrorKey(wrapped))
	}
	if ErrorKey(ErrInsufficientFunds) != "" {
		test.Fatalf("plain sentinel must have no key")
	}
	if WrapError("store", "wallet", "save", nil) != nil {
		test.Fatalf("nil cause must stay nil")
	}
}

func TestTimeoutErrorExposesStorageTimeoutAndContextError(test *testing.T) {
	test.Parallel()
	err := TimeoutError(operationWithdraw, context.DeadlineExceeded)
	if !errors.Is(err, ErrStorageTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		test.Fatalf("expected both sentinels reachable, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != errorCodeTimeout {
		test.Fatalf("expected timeout code, got %v", err)
	}
}
