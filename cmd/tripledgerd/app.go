package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/tripledger/internal/config"
	"github.com/MarkoPoloResearchLab/tripledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tripledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tripledger/internal/store/memorystore"
	"github.com/MarkoPoloResearchLab/tripledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/tripledger/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/tripledger/internal/sweeper"
	"github.com/MarkoPoloResearchLab/tripledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/reservation"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// application holds the wired components of one server process.
type application struct {
	wallets     *ledger.Service
	leases      *lease.Manager
	coordinator *reservation.Coordinator
	sweeper     *sweeper.Sweeper
	metrics     *telemetry.Metrics
	router      http.Handler
	cleanups    []func() error
}

// Close releases storage connections in reverse order of acquisition.
func (app *application) Close() {
	for index := len(app.cleanups) - 1; index >= 0; index-- {
		_ = app.cleanups[index]()
	}
}

func buildApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{metrics: telemetry.NewMetrics()}
	clock := func() time.Time { return time.Now().UTC() }

	store, leaseTable, err := app.openStores(ctx, cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.wallets, err = ledger.NewService(store, clock,
		ledger.WithOperationLogger(telemetry.NewOperationLogger(logger, app.metrics)),
		ledger.WithMaturityDelay(cfg.MaturityDelay),
		ledger.WithOperationTimeout(cfg.OperationTimeout),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	app.leases, err = lease.NewManager(leaseTable, clock,
		lease.WithTTL(cfg.LeaseTTL),
		lease.WithOperationTimeout(cfg.OperationTimeout),
		lease.WithExclusiveConsumption(cfg.ExclusiveInvestments),
		lease.WithLogger(logger),
		lease.WithObserver(app.metrics),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("lease manager init: %w", err)
	}
	app.coordinator, err = reservation.NewCoordinator(app.leases, app.wallets, clock,
		reservation.WithLogger(logger),
		reservation.WithObserver(app.metrics),
		reservation.WithLockTimeout(cfg.OperationTimeout),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("coordinator init: %w", err)
	}
	app.sweeper, err = sweeper.New(app.coordinator, app.wallets, sweeper.Config{
		LeaseInterval:    cfg.LeaseSweepInterval,
		MaturityInterval: cfg.MaturitySweepInterval,
	}, sweeper.WithLogger(logger), sweeper.WithObserver(app.metrics))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("sweeper init: %w", err)
	}
	app.router = httpapi.NewRouter(app.wallets, app.leases, app.coordinator, httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Observer:       app.metrics,
		MetricsHandler: app.metrics.Handler(),
	})
	return app, nil
}

// openStores picks the ledger store for the configured backend and the lease table: Redis when
// addresses are configured, otherwise the backend's own table or process memory.
func (app *application) openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.Store, lease.Table, error) {
	var (
		store      ledger.Store
		leaseTable lease.Table
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		store = memorystore.NewLedgerStore()
		leaseTable = memorystore.NewLeaseTable()
	case config.StoreGorm:
		gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		app.cleanups = append(app.cleanups, cleanup)
		if err := prepareSchema(gormDB, driver); err != nil {
			return nil, nil, err
		}
		store = gormstore.New(gormDB)
		leaseTable = gormstore.NewLeaseTable(gormDB)
	case config.StorePgx:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		app.cleanups = append(app.cleanups, func() error { pool.Close(); return nil })
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
		store = pgstore.New(pool)
		leaseTable = memorystore.NewLeaseTable()
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.UsesRedis() {
		client := redisstore.NewClient(cfg.RedisAddrs, cfg.RedisPassword)
		app.cleanups = append(app.cleanups, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		leaseTable = redisstore.NewLeaseTable(client)
		logger.Info("using redis lease table", zap.Strings("addrs", cfg.RedisAddrs))
	}
	return store, leaseTable, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tripledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate %s: %w", driver, err)
	}
	return nil
}
