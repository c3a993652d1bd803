package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

// LedgerOperationObserver receives ledger operation outcomes.
type LedgerOperationObserver interface {
	ObserveLedgerOperation(operation string, status string)
}

// OperationLogger writes ledger operations to zap and forwards outcomes to an observer.
type OperationLogger struct {
	logger   *zap.Logger
	observer LedgerOperationObserver
}

// NewOperationLogger builds a ledger.OperationLogger. Either argument may be nil.
func NewOperationLogger(logger *zap.Logger, observer LedgerOperationObserver) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, observer: observer}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if entry.ReferenceID != "" {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
	} else {
		operationLogger.logger.Info("ledger operation", fields...)
	}
	if operationLogger.observer != nil {
		operationLogger.observer.ObserveLedgerOperation(entry.Operation, entry.Status)
	}
}
