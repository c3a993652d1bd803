// Package sweeper runs the periodic lease-expiry and investment-maturity passes.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/reservation"
)

const (
	// DefaultLeaseInterval is how often stale leases are expired.
	DefaultLeaseInterval = 30 * time.Second
	// DefaultMaturityInterval is how often pending investments are matured in the background.
	DefaultMaturityInterval = time.Minute

	sweepLease    = "lease"
	sweepMaturity = "maturity"
)

var (
	ErrAlreadyRunning = errors.New("sweeper already running")
	ErrInvalidConfig  = errors.New("invalid sweeper config")
)

// LeaseSweeper expires stale leases and the reservations bound to them.
type LeaseSweeper interface {
	Sweep(ctx context.Context) (reservation.SweepReport, error)
}

// MaturitySweeper settles due investments.
type MaturitySweeper interface {
	MaturePending(ctx context.Context) (ledger.MaturityReport, error)
}

// Observer receives one callback per sweep pass.
type Observer interface {
	ObserveSweep(sweep string, processed int, failed int, err error)
}

// Ticker is the part of time.Ticker the sweeper uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every interval.
type TickerFunc func(interval time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (ticker timeTicker) C() <-chan time.Time {
	return ticker.ticker.C
}

func (ticker timeTicker) Stop() {
	ticker.ticker.Stop()
}

// NewTimeTicker wraps time.NewTicker.
func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(interval)}
}

// Config sets the sweep intervals.
type Config struct {
	LeaseInterval    time.Duration
	MaturityInterval time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(sweeper *Sweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// WithObserver wires a sweep observer such as a metrics recorder.
func WithObserver(observer Observer) Option {
	return func(sweeper *Sweeper) {
		sweeper.observer = observer
	}
}

// WithTickerFunc replaces the ticker source, letting tests fire passes by hand.
func WithTickerFunc(newTicker TickerFunc) Option {
	return func(sweeper *Sweeper) {
		sweeper.newTicker = newTicker
	}
}

// Sweeper owns two cancellable periodic tasks. Each record inside a pass is handled independently
// by the swept service, so one stuck record never halts the pass.
type Sweeper struct {
	leases    LeaseSweeper
	maturity  MaturitySweeper
	config    Config
	newTicker TickerFunc
	logger    *zap.Logger
	observer  Observer

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New wires a Sweeper. Zero intervals fall back to the defaults.
func New(leases LeaseSweeper, maturity MaturitySweeper, config Config, options ...Option) (*Sweeper, error) {
	if leases == nil || maturity == nil {
		return nil, fmt.Errorf("%w: lease and maturity sweepers are required", ErrInvalidConfig)
	}
	if config.LeaseInterval == 0 {
		config.LeaseInterval = DefaultLeaseInterval
	}
	if config.MaturityInterval == 0 {
		config.MaturityInterval = DefaultMaturityInterval
	}
	if config.LeaseInterval < 0 || config.MaturityInterval < 0 {
		return nil, fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	sweeper := &Sweeper{
		leases:    leases,
		maturity:  maturity,
		config:    config,
		newTicker: NewTimeTicker,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	if sweeper.newTicker == nil {
		return nil, fmt.Errorf("%w: ticker func is nil", ErrInvalidConfig)
	}
	return sweeper, nil
}

// Start launches both periodic tasks. They stop when ctx ends or Stop is called.
func (sweeper *Sweeper) Start(ctx context.Context) error {
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if sweeper.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	sweeper.cancel = cancel
	sweeper.running.Add(2)
	go sweeper.loop(runCtx, sweeper.config.LeaseInterval, func(ctx context.Context) {
		_, _ = sweeper.RunLeaseSweep(ctx)
	})
	go sweeper.loop(runCtx, sweeper.config.MaturityInterval, func(ctx context.Context) {
		_, _ = sweeper.RunMaturitySweep(ctx)
	})
	sweeper.logger.Info("sweeper started",
		zap.Duration("lease_interval", sweeper.config.LeaseInterval),
		zap.Duration("maturity_interval", sweeper.config.MaturityInterval),
	)
	return nil
}

// Stop cancels both tasks and waits for an in-flight pass to return. Calling it twice is harmless.
func (sweeper *Sweeper) Stop() {
	sweeper.mu.Lock()
	cancel := sweeper.cancel
	sweeper.cancel = nil
	sweeper.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	sweeper.running.Wait()
	sweeper.logger.Info("sweeper stopped")
}

// RunLeaseSweep performs one lease pass.
func (sweeper *Sweeper) RunLeaseSweep(ctx context.Context) (reservation.SweepReport, error) {
	report, err := sweeper.leases.Sweep(ctx)
	if err != nil {
		sweeper.logger.Warn("lease sweep failed", zap.Error(err))
	} else if report.ExpiredLeases > 0 || report.Pruned > 0 {
		sweeper.logger.Info("lease sweep",
			zap.Int("expired_leases", report.ExpiredLeases),
			zap.Int("failed_reservations", report.FailedReservations),
			zap.Int("pruned_reservations", report.Pruned),
		)
	}
	if sweeper.observer != nil {
		sweeper.observer.ObserveSweep(sweepLease, report.ExpiredLeases, report.FailedReservations, err)
	}
	return report, err
}

// RunMaturitySweep performs one maturity pass.
func (sweeper *Sweeper) RunMaturitySweep(ctx context.Context) (ledger.MaturityReport, error) {
	report, err := sweeper.maturity.MaturePending(ctx)
	if err != nil {
		sweeper.logger.Warn("maturity sweep failed", zap.Error(err))
	} else if report.Matured > 0 || report.Failed > 0 {
		sweeper.logger.Info("maturity sweep", zap.Int("matured", report.Matured), zap.Int("failed", report.Failed))
	}
	if sweeper.observer != nil {
		sweeper.observer.ObserveSweep(sweepMaturity, report.Matured, report.Failed, err)
	}
	return report, err
}

func (sweeper *Sweeper) loop(ctx context.Context, interval time.Duration, pass func(ctx context.Context)) {
	defer sweeper.running.Done()
	ticker := sweeper.newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			pass(ctx)
		}
	}
}
