package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	// StoreDriver selects the ledger store backend: "postgres", "sqlite" or
	// "memory" (development only).
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	// VaultAccountID is the settlement account all batch transfers draw from.
	VaultAccountID string
	// ApproverAddress is the 0x address whose signatures authorize batch
	// execution.
	ApproverAddress string
	FeeBps          int64

	ReconcileInterval    time.Duration
	ReconcileMaxAttempts int
	ReconcileBatchSize   int
	ConfirmTimeout       time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:          os.Getenv("APP_ENV"),
		StoreDriver:          getenv("STORE_DRIVER", "postgres"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getenv("SQLITE_PATH", "payroll.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		VaultAccountID:       os.Getenv("VAULT_ACCOUNT_ID"),
		ApproverAddress:      os.Getenv("APPROVER_ADDRESS"),
		FeeBps:               getenvInt64("PROTOCOL_FEE_BPS", 100),
		ReconcileInterval:    time.Duration(getenvInt64("RECONCILE_INTERVAL_MS", 30_000)) * time.Millisecond,
		ReconcileMaxAttempts: int(getenvInt64("RECONCILE_MAX_ATTEMPTS", 5)),
		ReconcileBatchSize:   int(getenvInt64("RECONCILE_BATCH_SIZE", 50)),
		ConfirmTimeout:       time.Duration(getenvInt64("CONFIRM_TIMEOUT_MS", 10_000)) * time.Millisecond,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.VaultAccountID == "" {
		missing = append(missing, "VAULT_ACCOUNT_ID")
	}
	if c.ApproverAddress == "" {
		missing = append(missing, "APPROVER_ADDRESS")
	}

	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case "sqlite", "memory":
	default:
		return errors.New("STORE_DRIVER must be one of postgres, sqlite, memory")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.StoreDriver == "memory" && (c.Environment == "production" || c.Environment == "staging") {
		return errors.New("memory store is not allowed in " + c.Environment)
	}
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return errors.New("PROTOCOL_FEE_BPS must be between 0 and 10000")
	}
	if !strings.HasPrefix(strings.ToLower(c.ApproverAddress), "0x") {
		return errors.New("APPROVER_ADDRESS must be a 0x address")
	}

	return nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}
