// Package config loads the transaction engine configuration from the process
// environment. Configuration is read once at manager construction and never
// reloaded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment variables understood by FromEnv.
const (
	EnvStorage           = "TXN_STORAGE"             // memory | file | sqlite
	EnvStoragePath       = "TXN_STORAGE_PATH"        // state file / database path
	EnvAuditLogPath      = "TXN_AUDIT_LOG_PATH"      // optional audit log
	EnvTimeoutMS         = "TXN_TIMEOUT_MS"          // default transaction timeout
	EnvMaxActive         = "TXN_MAX_ACTIVE"          // max concurrent transactions
	EnvMaxKeys           = "TXN_MAX_KEYS"            // max keys per transaction
	EnvSkipReadOnlyAudit = "TXN_SKIP_READONLY_AUDIT" // read-only audit optimization
	EnvLogLevel          = "TXN_LOG_LEVEL"
)

// Defaults chosen as safe production values: a bounded timeout prevents hung
// transactions and the limits prevent unbounded memory use.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxActive      = 1000
	DefaultMaxKeys        = 10000
	DefaultFileStatePath  = "./txn_state.json"
	DefaultSQLiteDBPath   = "./txn_state.db"
	DefaultStorageBackend = "memory"
)

// Config holds everything the transaction manager needs at construction time.
type Config struct {
	// Storage selects the backend.
	Storage string `validate:"oneof=memory file sqlite"`
	// StoragePath is the state file or database path. Unused by the memory
	// backend; defaulted per backend when empty.
	StoragePath string
	// AuditLogPath enables the append-only audit log when non-empty.
	AuditLogPath string
	// DefaultTimeout applies to transactions begun without an explicit
	// timeout. Zero disables timeouts (not recommended).
	DefaultTimeout time.Duration `validate:"min=0"`
	// MaxActiveTransactions bounds concurrent transactions. Zero means
	// unlimited (not recommended).
	MaxActiveTransactions int `validate:"min=0"`
	// MaxKeysPerTransaction bounds the combined read+write key-set of one
	// transaction. Zero means unlimited (not recommended).
	MaxKeysPerTransaction int `validate:"min=0"`
	// SkipReadOnlyAudit skips the audit record for commits with an empty
	// write-set. The in-process event callback still fires.
	SkipReadOnlyAudit bool
	// LogLevel controls engine diagnostics (debug, info, warn, error).
	LogLevel string
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Storage:               DefaultStorageBackend,
		DefaultTimeout:        DefaultTimeout,
		MaxActiveTransactions: DefaultMaxActive,
		MaxKeysPerTransaction: DefaultMaxKeys,
		LogLevel:              "info",
	}
}

// FromEnv loads configuration from the process environment, applying defaults
// for anything unset, and validates the result.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv(EnvStorage); v != "" {
		cfg.Storage = v
	}
	cfg.StoragePath = os.Getenv(EnvStoragePath)
	cfg.AuditLogPath = os.Getenv(EnvAuditLogPath)

	if v := os.Getenv(EnvTimeoutMS); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvTimeoutMS, v, err)
		}
		cfg.DefaultTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(EnvMaxActive); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxActive, v, err)
		}
		cfg.MaxActiveTransactions = n
	}
	if v := os.Getenv(EnvMaxKeys); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxKeys, v, err)
		}
		cfg.MaxKeysPerTransaction = n
	}
	cfg.SkipReadOnlyAudit = os.Getenv(EnvSkipReadOnlyAudit) == "true"
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if cfg.StoragePath == "" {
		switch cfg.Storage {
		case "file":
			cfg.StoragePath = DefaultFileStatePath
		case "sqlite":
			cfg.StoragePath = DefaultSQLiteDBPath
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (c.Storage == "file" || c.Storage == "sqlite") && c.StoragePath == "" {
		return fmt.Errorf("storage backend %q requires a storage path", c.Storage)
	}
	return nil
}
