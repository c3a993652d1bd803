package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripledger/internal/config"
	"github.com/MarkoPoloResearchLab/tripledger/internal/httpapi"
)

const (
	envPrefix = "TRIPLEDGER"

	flagListenAddr            = "listen-addr"
	flagStoreBackend          = "store-backend"
	flagDatabaseURL           = "database-url"
	flagRedisAddrs            = "redis-addrs"
	flagRedisPassword         = "redis-password"
	flagLeaseTTL              = "lease-ttl"
	flagLeaseSweepInterval    = "lease-sweep-interval"
	flagMaturityDelay         = "maturity-delay"
	flagMaturitySweepInterval = "maturity-sweep-interval"
	flagOperationTimeout      = "operation-timeout"
	flagExclusiveInvestments  = "exclusive-investments"
	flagAllowedOrigins        = "allowed-origins"
	flagLogDevelopment        = "log-development"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tripledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "tripledgerd",
		Short:         "Trip reservation and wallet ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagStoreBackend, config.StoreMemory, "ledger store backend (memory, gorm, pgx)")
	flags.String(flagDatabaseURL, "", "database url (sqlite path or postgres url)")
	flags.String(flagRedisAddrs, "", "comma-separated redis addresses for the shared lease table")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Duration(flagLeaseTTL, 10*time.Minute, "trip lease time to live")
	flags.Duration(flagLeaseSweepInterval, 30*time.Second, "lease expiry sweep interval")
	flags.Duration(flagMaturityDelay, 24*time.Hour, "delay before a pending investment matures")
	flags.Duration(flagMaturitySweepInterval, time.Minute, "investment maturity sweep interval")
	flags.Duration(flagOperationTimeout, 5*time.Second, "bound on every storage operation")
	flags.Bool(flagExclusiveInvestments, false, "keep invested trips unavailable to everyone else")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.Bool(flagLogDevelopment, false, "use the development logger")

	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *config.Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.ListenAddr = settings.GetString(flagListenAddr)
	cfg.StoreBackend = settings.GetString(flagStoreBackend)
	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.RedisAddrs = config.ParseList(settings.GetString(flagRedisAddrs))
	cfg.RedisPassword = settings.GetString(flagRedisPassword)
	cfg.LeaseTTL = settings.GetDuration(flagLeaseTTL)
	cfg.LeaseSweepInterval = settings.GetDuration(flagLeaseSweepInterval)
	cfg.MaturityDelay = settings.GetDuration(flagMaturityDelay)
	cfg.MaturitySweepInterval = settings.GetDuration(flagMaturitySweepInterval)
	cfg.OperationTimeout = settings.GetDuration(flagOperationTimeout)
	cfg.ExclusiveInvestments = settings.GetBool(flagExclusiveInvestments)
	cfg.AllowedOrigins = config.ParseList(settings.GetString(flagAllowedOrigins))
	cfg.LogDevelopment = settings.GetBool(flagLogDevelopment)
	return cfg.Validate()
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("sweeper start: %w", err)
	}
	defer app.sweeper.Stop()

	logger.Info("tripledgerd starting",
		zap.String("store_backend", cfg.StoreBackend),
		zap.Bool("redis_leases", cfg.UsesRedis()),
		zap.Bool("exclusive_investments", cfg.ExclusiveInvestments),
	)
	return httpapi.Serve(ctx, cfg.ListenAddr, app.router, logger)
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
