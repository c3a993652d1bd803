package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/reservation"
)

const defaultHistoryLimit = 50

type httpHandler struct {
	logger       *zap.Logger
	wallets      Wallets
	leases       Leases
	reservations Reservations
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	wallet, err := handler.wallets.GetWallet(ctx.Request.Context(), currentUser(ctx))
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletFromDomain(wallet)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	limit := defaultHistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	transactions, err := handler.wallets.GetTransactions(ctx.Request.Context(), currentUser(ctx), limit)
	if err != nil {
		handler.respondError(ctx, "transactions", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactionsFromDomain(transactions)})
}

func (handler *httpHandler) handleDeposit(ctx *gin.Context) {
	var request moneyRequest
	amount, ok := handler.bindAmount(ctx, &request, &request.Amount)
	if !ok {
		return
	}
	referenceID := ledger.None[string]()
	if request.ReferenceID != "" {
		referenceID = ledger.Some(request.ReferenceID)
	}
	transaction, err := handler.wallets.AddFunds(ctx.Request.Context(), currentUser(ctx), amount, request.Description, referenceID)
	if err != nil {
		handler.respondError(ctx, "deposit", err)
		return
	}
	handler.respondWithTransaction(ctx, http.StatusCreated, transaction)
}

func (handler *httpHandler) handleWithdrawal(ctx *gin.Context) {
	var request moneyRequest
	amount, ok := handler.bindAmount(ctx, &request, &request.Amount)
	if !ok {
		return
	}
	transaction, err := handler.wallets.WithdrawFunds(ctx.Request.Context(), currentUser(ctx), amount, request.Description)
	if err != nil {
		handler.respondError(ctx, "withdrawal", err)
		return
	}
	handler.respondWithTransaction(ctx, http.StatusCreated, transaction)
}

func (handler *httpHandler) handleLeaseInfo(ctx *gin.Context) {
	tripID, ok := handler.tripParam(ctx)
	if !ok {
		return
	}
	requestCtx := ctx.Request.Context()
	available, err := handler.leases.IsAvailable(requestCtx, tripID, currentUser(ctx))
	if err != nil {
		handler.respondError(ctx, "lease_info", err)
		return
	}
	record, found, err := handler.leases.Info(requestCtx, tripID)
	if err != nil {
		handler.respondError(ctx, "lease_info", err)
		return
	}
	response := gin.H{"trip_id": tripID.String(), "available": available, "lease": nil}
	if found {
		response["lease"] = leaseFromDomain(record)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleSelect(ctx *gin.Context) {
	tripID, ok := handler.tripParam(ctx)
	if !ok {
		return
	}
	sessionID, ok := currentSession(ctx)
	if !ok {
		return
	}
	selected, granted, err := handler.reservations.Select(ctx.Request.Context(), tripID, currentUser(ctx), sessionID)
	if err != nil {
		handler.respondError(ctx, "select", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation": reservationFromDomain(selected),
		"lease":       leaseFromDomain(granted),
	})
}

func (handler *httpHandler) handleDeselect(ctx *gin.Context) {
	tripID, ok := handler.tripParam(ctx)
	if !ok {
		return
	}
	sessionID, ok := currentSession(ctx)
	if !ok {
		return
	}
	if err := handler.reservations.Deselect(ctx.Request.Context(), tripID, currentUser(ctx), sessionID); err != nil {
		handler.respondError(ctx, "deselect", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleCommit(ctx *gin.Context) {
	tripID, ok := handler.tripParam(ctx)
	if !ok {
		return
	}
	sessionID, ok := currentSession(ctx)
	if !ok {
		return
	}
	var request commitmentRequest
	amount, ok := handler.bindAmount(ctx, &request, &request.Amount)
	if !ok {
		return
	}
	committed, err := handler.reservations.CreateCommitment(ctx.Request.Context(), tripID, currentUser(ctx), sessionID, amount)
	if err != nil {
		handler.respondError(ctx, "commit", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservationFromDomain(committed)})
}

func (handler *httpHandler) handleListReservations(ctx *gin.Context) {
	records := handler.reservations.List(currentUser(ctx))
	ctx.JSON(http.StatusOK, gin.H{"reservations": reservationsFromDomain(records)})
}

func (handler *httpHandler) handleGetReservation(ctx *gin.Context) {
	record, err := handler.reservations.Get(ctx.Param("id"))
	if err == nil && record.UserID != currentUser(ctx) {
		err = reservation.ErrUnknownReservation
	}
	if err != nil {
		handler.respondError(ctx, "get_reservation", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservationFromDomain(record)})
}

func (handler *httpHandler) handleComplete(ctx *gin.Context) {
	completed, transaction, err := handler.reservations.Complete(ctx.Request.Context(), ctx.Param("id"), currentUser(ctx))
	if err != nil {
		handler.respondError(ctx, "complete", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation": reservationFromDomain(completed),
		"transaction": transactionFromDomain(transaction),
	})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	cancelled, err := handler.reservations.Cancel(ctx.Request.Context(), ctx.Param("id"), currentUser(ctx))
	if err != nil {
		handler.respondError(ctx, "cancel", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservationFromDomain(cancelled)})
}

func (handler *httpHandler) handleInvest(ctx *gin.Context) {
	sessionID, ok := currentSession(ctx)
	if !ok {
		return
	}
	var request investmentRequest
	amount, ok := handler.bindAmount(ctx, &request, &request.Amount)
	if !ok {
		return
	}
	tripID, err := lease.NewTripID(request.TripID)
	if err != nil {
		handler.respondError(ctx, "invest", err)
		return
	}
	completed, transaction, err := handler.reservations.Invest(ctx.Request.Context(), tripID, currentUser(ctx), sessionID, amount)
	if err != nil {
		handler.respondError(ctx, "invest", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"reservation": reservationFromDomain(completed),
		"transaction": transactionFromDomain(transaction),
	})
}

func (handler *httpHandler) handleInvestBatch(ctx *gin.Context) {
	sessionID, ok := currentSession(ctx)
	if !ok {
		return
	}
	var request batchRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	items := make([]reservation.BatchItem, 0, len(request.Items))
	for _, item := range request.Items {
		tripID, err := lease.NewTripID(item.TripID)
		if err != nil {
			handler.respondError(ctx, "invest_batch", err)
			return
		}
		amount, err := parseAmount(item.Amount)
		if err != nil {
			handler.respondError(ctx, "invest_batch", err)
			return
		}
		items = append(items, reservation.BatchItem{TripID: tripID, Amount: amount})
	}
	completed, transactions, err := handler.reservations.InvestBatch(ctx.Request.Context(), currentUser(ctx), sessionID, items)
	if err != nil {
		handler.respondError(ctx, "invest_batch", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"reservations": reservationsFromDomain(completed),
		"transactions": transactionsFromDomain(transactions),
	})
}

func (handler *httpHandler) handleReleaseSession(ctx *gin.Context) {
	sessionID, ok := currentSession(ctx)
	if !ok {
		return
	}
	cancelled, err := handler.reservations.ReleaseSession(ctx.Request.Context(), currentUser(ctx), sessionID)
	if err != nil {
		handler.respondError(ctx, "release_session", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cancelled_reservations": cancelled})
}

func (handler *httpHandler) handleProfit(ctx *gin.Context) {
	request, userID, amount, ok := handler.bindAdminCredit(ctx)
	if !ok {
		return
	}
	transaction, err := handler.wallets.CreditProfit(ctx.Request.Context(), userID, amount, request.TripID)
	if err != nil {
		handler.respondError(ctx, "credit_profit", err)
		return
	}
	handler.respondWithTransaction(ctx, http.StatusCreated, transaction)
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	request, userID, amount, ok := handler.bindAdminCredit(ctx)
	if !ok {
		return
	}
	transaction, err := handler.wallets.Refund(ctx.Request.Context(), userID, amount, request.ReferenceID, request.Description)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	handler.respondWithTransaction(ctx, http.StatusCreated, transaction)
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	request, userID, amount, ok := handler.bindAdminCredit(ctx)
	if !ok {
		return
	}
	transaction, err := handler.wallets.Adjust(ctx.Request.Context(), userID, amount, request.Description)
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	handler.respondWithTransaction(ctx, http.StatusCreated, transaction)
}

func (handler *httpHandler) handleExport(ctx *gin.Context) {
	scope := ledger.None[ledger.UserID]()
	if raw := ctx.Query("user_id"); raw != "" {
		userID, err := ledger.NewUserID(raw)
		if err != nil {
			handler.respondError(ctx, "export", err)
			return
		}
		scope = ledger.Some(userID)
	}
	export, err := handler.wallets.Export(ctx.Request.Context(), scope)
	if err != nil {
		handler.respondError(ctx, "export", err)
		return
	}
	wallets := make([]walletPayload, 0, len(export.Wallets))
	for _, wallet := range export.Wallets {
		wallets = append(wallets, walletFromDomain(wallet))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallets":      wallets,
		"transactions": transactionsFromDomain(export.Transactions),
		"exported_at":  formatTime(export.ExportedAt),
	})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Query("user_id"))
	if err != nil {
		handler.respondError(ctx, "reconcile", err)
		return
	}
	wallet, err := handler.wallets.Reconcile(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "reconcile", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletFromDomain(wallet), "consistent": true})
}

// bindAmount decodes the JSON body into request and converts the amount it points at into cents.
func (handler *httpHandler) bindAmount(ctx *gin.Context, request any, amount *decimal.Decimal) (ledger.PositiveAmountCents, bool) {
	if err := ctx.ShouldBindJSON(request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return 0, false
	}
	cents, err := parseAmount(*amount)
	if err != nil {
		handler.respondError(ctx, "amount", err)
		return 0, false
	}
	return cents, true
}

func (handler *httpHandler) bindAdminCredit(ctx *gin.Context) (adminCreditRequest, ledger.UserID, ledger.PositiveAmountCents, bool) {
	var request adminCreditRequest
	amount, ok := handler.bindAmount(ctx, &request, &request.Amount)
	if !ok {
		return adminCreditRequest{}, ledger.UserID{}, 0, false
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, "admin_credit", err)
		return adminCreditRequest{}, ledger.UserID{}, 0, false
	}
	return request, userID, amount, true
}

func (handler *httpHandler) tripParam(ctx *gin.Context) (lease.TripID, bool) {
	tripID, err := lease.NewTripID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "trip", err)
		return lease.TripID{}, false
	}
	return tripID, true
}

func (handler *httpHandler) respondWithTransaction(ctx *gin.Context, status int, transaction ledger.Transaction) {
	ctx.JSON(status, gin.H{"transaction": transactionFromDomain(transaction)})
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.String("path", ctx.FullPath()), zap.String("error_key", ledger.ErrorKey(err)), zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	if status == http.StatusServiceUnavailable {
		handler.logger.Warn("request timed out", zap.String("operation", operation), zap.String("error_key", ledger.ErrorKey(err)), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}
