// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the ledger database and backup staging (always absolute)
	LogLevel string
	DevMode  bool

	// Determinism audit job
	AuditSchedule   string // cron spec, e.g. "0 0 3 * * *" for 3 AM daily
	AuditSampleSize int    // how many recent runs each audit sweep replays
	AuditWindowDays int    // how far back the audit sweep looks for runs

	// Ledger maintenance job
	MaintenanceSchedule string

	// Ledger backup (S3-compatible object storage)
	Backup *BackupConfig
}

// BackupConfig holds ledger backup configuration.
// Backups are disabled when no bucket is configured.
type BackupConfig struct {
	Enabled         bool
	Schedule        string // cron spec for the backup job
	Bucket          string
	Endpoint        string // S3-compatible endpoint URL (empty for AWS proper)
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RetainCount     int // number of most recent backups to keep listed in reports
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, resolve to absolute, ensure it exists
	dataDir := getEnv("ALLOCATOR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		AuditSchedule:       getEnv("AUDIT_SCHEDULE", "0 0 3 * * *"),
		AuditSampleSize:     getEnvAsInt("AUDIT_SAMPLE_SIZE", 25),
		AuditWindowDays:     getEnvAsInt("AUDIT_WINDOW_DAYS", 7),
		MaintenanceSchedule: getEnv("MAINTENANCE_SCHEDULE", "0 0 2 * * *"),
		Backup:              loadBackupConfig(),
	}

	return cfg, nil
}

// loadBackupConfig reads backup settings; backups are enabled only when a
// bucket name is present.
func loadBackupConfig() *BackupConfig {
	bucket := getEnv("BACKUP_BUCKET", "")
	return &BackupConfig{
		Enabled:         bucket != "",
		Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 4 * * *"),
		Bucket:          bucket,
		Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
		Region:          getEnv("BACKUP_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		RetainCount:     getEnvAsInt("BACKUP_RETAIN_COUNT", 30),
	}
}

// LedgerDBPath returns the path to the ledger database file
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// getEnv retrieves an environment variable or returns a fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as int or returns a fallback
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return fallback
}

// getEnvAsBool retrieves an environment variable as bool or returns a fallback
func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return fallback
}
