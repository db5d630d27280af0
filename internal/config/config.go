// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the database, cache snapshots and exports
	DBPath   string // SQLite database file (defaults to <DataDir>/quantdesk.db)
	Port     int
	LogLevel string
	DevMode  bool // Pretty console logging, debug endpoints

	Provider  ProviderConfig
	Signals   SignalsConfig
	Backtest  BacktestConfig
	Backup    BackupConfig
	Scheduler SchedulerConfig
}

// ProviderConfig holds upstream market-data provider settings
type ProviderConfig struct {
	BaseURL           string
	StatusWSURL       string // Websocket endpoint for market session status; empty disables the stream
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	DownloadWorkers   int
}

// SignalsConfig holds signal generation settings
type SignalsConfig struct {
	Workers       int    // 0 = min(GOMAXPROCS, strategy count)
	StrategiesDir string // Directory of strategy YAML declarations
	FilterPreset  string // conservative, balanced, aggressive
	SnapshotDir   string // Factor snapshot cache, empty disables it
}

// BacktestConfig holds backtest engine settings
type BacktestConfig struct {
	RiskFreeRate float64       // Annual, as decimal
	Timeout      time.Duration // Per-task wall clock budget
	CommissionV1 CommissionSchedule
	CommissionV2 CommissionSchedule
}

// CommissionSchedule defines one bracket of the A-share fee model.
// Rates are decimals of trade amount; MinFee is an absolute floor in CNY.
type CommissionSchedule struct {
	Rate            float64 // Broker commission per side
	MinFee          float64 // Commission floor per fill
	StampTaxRate    float64 // Sell side only
	TransferFeeRate float64 // SH-listed only in practice, applied per side here
}

// BackupConfig holds S3-compatible backup settings
type BackupConfig struct {
	Enabled       bool
	Endpoint      string // Custom endpoint for R2/MinIO style storage; empty = AWS
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	Prefix        string
	RetentionDays int
}

// SchedulerConfig holds cron job settings
type SchedulerConfig struct {
	Enabled      bool
	DownloadSpec string // Cron expression for the post-close sync
	SignalsSpec  string // Cron expression for daily signal generation
	BackupSpec   string // Cron expression for the nightly backup
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("QUANT_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := getEnv("QUANT_DB_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(absDataDir, "quantdesk.db")
	}

	cfg := &Config{
		DataDir:  absDataDir,
		DBPath:   dbPath,
		Port:     getEnvAsInt("QUANT_PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Provider: ProviderConfig{
			BaseURL:           getEnv("PROVIDER_BASE_URL", "http://127.0.0.1:8010"),
			StatusWSURL:       getEnv("PROVIDER_STATUS_WS_URL", ""),
			APIKey:            getEnv("PROVIDER_API_KEY", ""),
			RequestsPerSecond: getEnvAsFloat("PROVIDER_RATE_LIMIT", 5),
			Burst:             getEnvAsInt("PROVIDER_RATE_BURST", 10),
			Timeout:           time.Duration(getEnvAsInt("PROVIDER_TIMEOUT_SECONDS", 30)) * time.Second,
			DownloadWorkers:   getEnvAsInt("DOWNLOAD_WORKERS", 4),
		},
		Signals: SignalsConfig{
			Workers:       getEnvAsInt("SIGNAL_WORKERS", 0),
			StrategiesDir: getEnv("STRATEGIES_DIR", filepath.Join(absDataDir, "strategies")),
			FilterPreset:  getEnv("FILTER_PRESET", "balanced"),
			SnapshotDir:   getEnv("SNAPSHOT_DIR", filepath.Join(absDataDir, "snapshots")),
		},
		Backtest: BacktestConfig{
			RiskFreeRate: getEnvAsFloat("RISK_FREE_RATE", 0.03),
			Timeout:      time.Duration(getEnvAsInt("BACKTEST_TIMEOUT_MINUTES", 30)) * time.Minute,
			CommissionV1: CommissionSchedule{
				Rate:            getEnvAsFloat("COMMISSION_V1_RATE", 0.0003),
				MinFee:          getEnvAsFloat("COMMISSION_V1_MIN_FEE", 5),
				StampTaxRate:    getEnvAsFloat("COMMISSION_V1_STAMP_TAX", 0.001),
				TransferFeeRate: getEnvAsFloat("COMMISSION_V1_TRANSFER_FEE", 0.00002),
			},
			CommissionV2: CommissionSchedule{
				Rate:            getEnvAsFloat("COMMISSION_V2_RATE", 0.00025),
				MinFee:          getEnvAsFloat("COMMISSION_V2_MIN_FEE", 5),
				StampTaxRate:    getEnvAsFloat("COMMISSION_V2_STAMP_TAX", 0.0005),
				TransferFeeRate: getEnvAsFloat("COMMISSION_V2_TRANSFER_FEE", 0.00001),
			},
		},
		Backup: BackupConfig{
			Enabled:       getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:        getEnv("BACKUP_S3_REGION", "auto"),
			Bucket:        getEnv("BACKUP_S3_BUCKET", ""),
			AccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
			Prefix:        getEnv("BACKUP_S3_PREFIX", "quantdesk"),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getEnvAsBool("SCHEDULER_ENABLED", true),
			DownloadSpec: getEnv("SCHEDULE_DOWNLOAD", "0 30 15 * * MON-FRI"),
			SignalsSpec:  getEnv("SCHEDULE_SIGNALS", "0 0 16 * * MON-FRI"),
			BackupSpec:   getEnv("SCHEDULE_BACKUP", "0 0 2 * * *"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Provider.RequestsPerSecond <= 0 {
		return fmt.Errorf("provider rate limit must be positive, got %f", c.Provider.RequestsPerSecond)
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup enabled but BACKUP_S3_BUCKET is empty")
	}
	return nil
}

// CommissionSchedule returns the named fee schedule; unknown names fall
// back to v1.
func (c *Config) CommissionSchedule(name string) CommissionSchedule {
	if name == "v2" {
		return c.Backtest.CommissionV2
	}
	return c.Backtest.CommissionV1
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
