package config

import (
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreGorm   = "gorm"
	StorePgx    = "pgx"
)

const (
	defaultListenAddr            = ":8080"
	defaultStoreBackend          = StoreMemory
	defaultDatabaseURL           = "sqlite:///tmp/tripledger.db"
	defaultAllowedOrigin         = "http://localhost:3000"
	defaultLeaseTTL              = 10 * time.Minute
	defaultLeaseSweepInterval    = 30 * time.Second
	defaultMaturityDelay         = 24 * time.Hour
	defaultMaturitySweepInterval = time.Minute
	defaultOperationTimeout      = 5 * time.Second
)

// Config aggregates runtime settings for tripledgerd.
type Config struct {
	ListenAddr            string
	StoreBackend          string
	DatabaseURL           string
	RedisAddrs            []string
	RedisPassword         string
	LeaseTTL              time.Duration
	LeaseSweepInterval    time.Duration
	MaturityDelay         time.Duration
	MaturitySweepInterval time.Duration
	OperationTimeout      time.Duration
	ExclusiveInvestments  bool
	AllowedOrigins        []string
	LogDevelopment        bool
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, defaultStoreBackend))
	if cfg.StoreBackend != StoreMemory {
		cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.LeaseSweepInterval == 0 {
		cfg.LeaseSweepInterval = defaultLeaseSweepInterval
	}
	if cfg.MaturityDelay == 0 {
		cfg.MaturityDelay = defaultMaturityDelay
	}
	if cfg.MaturitySweepInterval == 0 {
		cfg.MaturitySweepInterval = defaultMaturitySweepInterval
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}

	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreGorm:
	case StorePgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return fmt.Errorf("store backend %q requires a postgres database url", StorePgx)
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.LeaseTTL < 0 {
		return fmt.Errorf("lease ttl must be positive")
	}
	if cfg.LeaseSweepInterval < 0 || cfg.MaturitySweepInterval < 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if cfg.MaturityDelay < 0 {
		return fmt.Errorf("maturity delay must not be negative")
	}
	if cfg.OperationTimeout < 0 {
		return fmt.Errorf("operation timeout must be positive")
	}
	return nil
}

// UsesRedis reports whether leases live in Redis instead of process memory.
func (cfg Config) UsesRedis() bool {
	return len(cfg.RedisAddrs) > 0
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseList splits comma-delimited values (origins, redis addresses) into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
