package config

import (
	"testing"
	"time"
)

// TestDefaultsAreValid verifies the default configuration passes validation
func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage != "memory" {
		t.Errorf("Storage = %q, want memory", cfg.Storage)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.DefaultTimeout)
	}
	if cfg.MaxActiveTransactions != 1000 {
		t.Errorf("MaxActiveTransactions = %d, want 1000", cfg.MaxActiveTransactions)
	}
	if cfg.MaxKeysPerTransaction != 10000 {
		t.Errorf("MaxKeysPerTransaction = %d, want 10000", cfg.MaxKeysPerTransaction)
	}
}

// TestFromEnvOverrides verifies environment variables override defaults
func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvStorage, "file")
	t.Setenv(EnvStoragePath, "/tmp/custom_state.json")
	t.Setenv(EnvAuditLogPath, "/tmp/audit.log")
	t.Setenv(EnvTimeoutMS, "5000")
	t.Setenv(EnvMaxActive, "10")
	t.Setenv(EnvMaxKeys, "200")
	t.Setenv(EnvSkipReadOnlyAudit, "true")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Storage != "file" || cfg.StoragePath != "/tmp/custom_state.json" {
		t.Errorf("storage = %q path = %q", cfg.Storage, cfg.StoragePath)
	}
	if cfg.AuditLogPath != "/tmp/audit.log" {
		t.Errorf("AuditLogPath = %q", cfg.AuditLogPath)
	}
	if cfg.DefaultTimeout != 5*time.Second {
		t.Errorf("DefaultTimeout = %v, want 5s", cfg.DefaultTimeout)
	}
	if cfg.MaxActiveTransactions != 10 || cfg.MaxKeysPerTransaction != 200 {
		t.Errorf("limits = %d/%d", cfg.MaxActiveTransactions, cfg.MaxKeysPerTransaction)
	}
	if !cfg.SkipReadOnlyAudit {
		t.Error("SkipReadOnlyAudit not set")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

// TestFromEnvDefaultPaths verifies per-backend default paths kick in
func TestFromEnvDefaultPaths(t *testing.T) {
	t.Setenv(EnvStorage, "file")
	t.Setenv(EnvStoragePath, "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.StoragePath != DefaultFileStatePath {
		t.Errorf("StoragePath = %q, want %q", cfg.StoragePath, DefaultFileStatePath)
	}

	t.Setenv(EnvStorage, "sqlite")
	cfg, err = FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.StoragePath != DefaultSQLiteDBPath {
		t.Errorf("StoragePath = %q, want %q", cfg.StoragePath, DefaultSQLiteDBPath)
	}
}

// TestFromEnvRejectsBadValues verifies malformed environment values fail
func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv(EnvTimeoutMS, "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Error("bad timeout should fail")
	}
	t.Setenv(EnvTimeoutMS, "")

	t.Setenv(EnvMaxActive, "ten")
	if _, err := FromEnv(); err == nil {
		t.Error("bad max active should fail")
	}
	t.Setenv(EnvMaxActive, "")

	t.Setenv(EnvStorage, "cassandra")
	if _, err := FromEnv(); err == nil {
		t.Error("unknown backend should fail")
	}
}

// TestValidateRequiresPathForDurableBackends verifies file and sqlite need a
// path
func TestValidateRequiresPathForDurableBackends(t *testing.T) {
	cfg := Default()
	cfg.Storage = "file"
	cfg.StoragePath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("file backend without path should fail validation")
	}

	cfg.Storage = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Error("sqlite backend without path should fail validation")
	}

	cfg.StoragePath = "/tmp/x.db"
	if err := cfg.Validate(); err != nil {
		t.Errorf("sqlite with path should validate: %v", err)
	}
}

// TestValidateRejectsNegativeLimits exercises the struct tags
func TestValidateRejectsNegativeLimits(t *testing.T) {
	cfg := Default()
	cfg.MaxActiveTransactions = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative max active should fail")
	}

	cfg = Default()
	cfg.DefaultTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("negative timeout should fail")
	}
}
