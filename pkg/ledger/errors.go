package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrStorageTimeout           = errors.New("storage timeout")
	ErrUnknownTransaction       = errors.New("unknown transaction")
	ErrDuplicateTransaction     = errors.New("duplicate transaction")
	ErrTransactionClosed        = errors.New("transaction closed")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// OperationError tags a failure with the operation.subject.code triple used in logs.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s: %v", operationError.Key(), operationError.err)
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Key returns the dotted operation.subject.code identifier.
func (operationError OperationError) Key() string {
	return operationError.operation + "." + operationError.subject + "." + operationError.code
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError tags err with operation, subject and code. A nil err stays nil.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{operation: operation, subject: subject, code: code, err: err}
}

// ErrorKey returns the key of the outermost OperationError in err's chain, or "" when there is none.
func ErrorKey(err error) string {
	var operationError OperationError
	if errors.As(err, &operationError) {
		return operationError.Key()
	}
	return ""
}

// TimeoutError reports a bounded call whose context ended before the store answered.
// Both ErrStorageTimeout and the context error stay reachable through errors.Is.
func TimeoutError(operation string, cause error) error {
	return WrapError(operation, errorSubjectStore, errorCodeTimeout, fmt.Errorf("%w: %w", ErrStorageTimeout, cause))
}
