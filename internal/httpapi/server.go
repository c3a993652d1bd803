package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/reservation"
)

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"
	contextUserID   = "tripledger_user_id"

	defaultShutdownTimeout = 5 * time.Second
)

// Wallets is the ledger surface the facade exposes.
type Wallets interface {
	AddFunds(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, description string, referenceID ledger.Optional[string]) (ledger.Transaction, error)
	WithdrawFunds(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, description string) (ledger.Transaction, error)
	CreditProfit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, tripRef string) (ledger.Transaction, error)
	Refund(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, referenceID string, description string) (ledger.Transaction, error)
	Adjust(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, description string) (ledger.Transaction, error)
	GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	GetTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error)
	Export(ctx context.Context, userID ledger.Optional[ledger.UserID]) (ledger.Export, error)
	Reconcile(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
}

// Leases is the read-only lease surface the facade exposes.
type Leases interface {
	IsAvailable(ctx context.Context, tripID lease.TripID, userID ledger.UserID) (bool, error)
	Info(ctx context.Context, tripID lease.TripID) (lease.Lease, bool, error)
}

// Reservations is the reservation workflow the facade exposes.
type Reservations interface {
	Select(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) (reservation.Reservation, lease.Lease, error)
	Deselect(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID) error
	CreateCommitment(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID, amount ledger.PositiveAmountCents) (reservation.Reservation, error)
	Complete(ctx context.Context, reservationID string, userID ledger.UserID) (reservation.Reservation, ledger.Transaction, error)
	Cancel(ctx context.Context, reservationID string, userID ledger.UserID) (reservation.Reservation, error)
	Invest(ctx context.Context, tripID lease.TripID, userID ledger.UserID, sessionID lease.SessionID, amount ledger.PositiveAmountCents) (reservation.Reservation, ledger.Transaction, error)
	InvestBatch(ctx context.Context, userID ledger.UserID, sessionID lease.SessionID, items []reservation.BatchItem) ([]reservation.Reservation, []ledger.Transaction, error)
	Get(reservationID string) (reservation.Reservation, error)
	List(userID ledger.UserID) []reservation.Reservation
	ReleaseSession(ctx context.Context, userID ledger.UserID, sessionID lease.SessionID) (int, error)
}

// RequestObserver records one served request.
type RequestObserver interface {
	ObserveHTTPRequest(route string, method string, status string, seconds float64)
}

// Config holds router settings.
type Config struct {
	AllowedOrigins []string
	Logger         *zap.Logger
	Observer       RequestObserver
	MetricsHandler http.Handler
}

// NewRouter builds the gin engine serving the wallet and reservation API.
func NewRouter(wallets Wallets, leases Leases, reservations Reservations, cfg Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:       logger,
		wallets:      wallets,
		leases:       leases,
		reservations: reservations,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Observer != nil {
		router.Use(observeRequests(cfg.Observer))
	}
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerUserID, headerSessionID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := router.Group("/api")
	api.Use(requireUser())

	api.GET("/wallet", handler.handleWallet)
	api.GET("/transactions", handler.handleTransactions)
	api.POST("/wallet/deposits", handler.handleDeposit)
	api.POST("/wallet/withdrawals", handler.handleWithdrawal)

	api.GET("/trips/:id/lease", handler.handleLeaseInfo)
	api.POST("/trips/:id/selection", handler.handleSelect)
	api.DELETE("/trips/:id/selection", handler.handleDeselect)
	api.POST("/trips/:id/commitments", handler.handleCommit)

	api.GET("/reservations", handler.handleListReservations)
	api.GET("/reservations/:id", handler.handleGetReservation)
	api.POST("/reservations/:id/complete", handler.handleComplete)
	api.POST("/reservations/:id/cancel", handler.handleCancel)

	api.POST("/investments", handler.handleInvest)
	api.POST("/investments/batch", handler.handleInvestBatch)
	api.DELETE("/session", handler.handleReleaseSession)

	admin := api.Group("/admin")
	admin.POST("/profits", handler.handleProfit)
	admin.POST("/refunds", handler.handleRefund)
	admin.POST("/adjustments", handler.handleAdjustment)
	admin.GET("/export", handler.handleExport)
	admin.GET("/reconcile", handler.handleReconcile)

	return router
}

// Serve runs an HTTP server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func observeRequests(observer RequestObserver) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observer.ObserveHTTPRequest(route, ctx.Request.Method, strconv.Itoa(ctx.Writer.Status()), time.Since(started).Seconds())
	}
}

func requireUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, err := ledger.NewUserID(ctx.GetHeader(headerUserID))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing_user", "X-User-ID header is required"))
			return
		}
		ctx.Set(contextUserID, userID)
		ctx.Next()
	}
}

func currentUser(ctx *gin.Context) ledger.UserID {
	value, _ := ctx.Get(contextUserID)
	userID, _ := value.(ledger.UserID)
	return userID
}

func currentSession(ctx *gin.Context) (lease.SessionID, bool) {
	sessionID, err := lease.NewSessionID(ctx.GetHeader(headerSessionID))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_session", "X-Session-ID header is required"))
		return lease.SessionID{}, false
	}
	return sessionID, true
}
