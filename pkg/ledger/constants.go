package ledger

import "time"

const (
	operationAddFunds     = "add_funds"
	operationWithdraw     = "withdraw_funds"
	operationInvest       = "invest"
	operationInvestMany   = "invest_many"
	operationCreditProfit = "credit_profit"
	operationRefund       = "refund"
	operationAdjust       = "adjust"
	operationMature       = "mature"
	operationExport       = "export"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectStore     = "store"
	errorSubjectWallet    = "wallet"
	errorCodeTimeout      = "timeout"
	errorCodeOverflow     = "overflow"
	errorCodeReplay       = "replay"

	// DefaultMaturityDelay is how long an investment transaction stays pending after the debit.
	DefaultMaturityDelay = 24 * time.Hour
	// DefaultOperationTimeout bounds every store-touching call at the service boundary.
	DefaultOperationTimeout = 5 * time.Second

	maturityBatchSize = 500
)
