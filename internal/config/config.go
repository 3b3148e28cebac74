// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/clarityhq/clarity/internal/utils"
)

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for all databases (always absolute)
	DatabaseURL      string // Optional explicit path/DSN override for the core database
	LogLevel         string
	CORSAllowOrigins []string
	Port             int

	// Feature gates (default off)
	PilotDevMode        bool // exposes dev-only routes
	AllowBusinessDelete bool // guards hard business delete
	DevTools            bool // guards backup/restore triggers
	DevIntegrationOps   bool // guards provider replay endpoints
	DevProcessingOps    bool // guards reprocess endpoints

	// Tick orchestration
	TickCron   string // cron expression, UTC
	TickHourly bool   // switch bucket granularity to hours

	Plaid  PlaidConfig
	Backup BackupConfig

	// Optional live provider feed (sim provider websocket)
	SimStreamURL string
}

// PlaidConfig holds the external provider settings. With no client id the
// stub client serves canned responses so the rest of the system can run.
type PlaidConfig struct {
	ClientID              string
	Secret                string
	Env                   string // sandbox | development | production
	BaseURL               string
	WebhookURL            string
	AllowPlaintextTokens  bool
	UseStub               bool
	WebhookVerifyDisabled bool
}

// BackupConfig holds S3-compatible archive upload settings.
type BackupConfig struct {
	Enabled         bool
	Bucket          string
	Endpoint        string // empty for AWS proper; set for R2/minio
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	KeepCount       int // archives retained during rotation
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	// 1. Check CLARITY_DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path
	// 4. Ensure directory exists
	dataDir := getEnv("CLARITY_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	plaidClientID := getEnv("PLAID_CLIENT_ID", "")

	cfg := &Config{
		DataDir:          absDataDir,
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		CORSAllowOrigins: utils.ParseCSV(getEnv("CORS_ALLOW_ORIGINS", "")),
		Port:             getEnvAsInt("PORT", 8080),

		PilotDevMode:        getEnvAsBool("PILOT_DEV_MODE", false),
		AllowBusinessDelete: getEnvAsBool("ALLOW_BUSINESS_DELETE", false),
		DevTools:            getEnvAsBool("CLARITY_DEV_TOOLS", false),
		DevIntegrationOps:   getEnvAsBool("DEV_INTEGRATION_OPS", false),
		DevProcessingOps:    getEnvAsBool("DEV_PROCESSING_OPS", false),

		TickCron:   getEnv("TICK_CRON", "5 0 * * *"),
		TickHourly: getEnvAsBool("TICK_HOURLY", false),

		Plaid: PlaidConfig{
			ClientID:              plaidClientID,
			Secret:                getEnv("PLAID_SECRET", ""),
			Env:                   getEnv("PLAID_ENV", "sandbox"),
			BaseURL:               getEnv("PLAID_BASE_URL", ""),
			WebhookURL:            getEnv("PLAID_WEBHOOK_URL", ""),
			AllowPlaintextTokens:  getEnvAsBool("PLAID_ALLOW_PLAINTEXT_TOKENS", false),
			UseStub:               getEnvAsBool("PLAID_USE_STUB", plaidClientID == ""),
			WebhookVerifyDisabled: getEnvAsBool("PLAID_WEBHOOK_VERIFY_DISABLED", false),
		},

		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", "auto"),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("BACKUP_S3_PREFIX", "clarity-backups"),
			KeepCount:       getEnvAsInt("BACKUP_KEEP_COUNT", 14),
		},

		SimStreamURL: getEnv("SIM_STREAM_URL", ""),
	}

	// Pilot dev mode is the umbrella switch for every dev-only surface.
	if cfg.PilotDevMode {
		cfg.DevTools = true
		cfg.DevIntegrationOps = true
		cfg.DevProcessingOps = true
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.Plaid.Env {
	case "sandbox", "development", "production":
	default:
		return fmt.Errorf("invalid PLAID_ENV %q (want sandbox, development, or production)", c.Plaid.Env)
	}

	if !c.Plaid.UseStub && (c.Plaid.ClientID == "" || c.Plaid.Secret == "") {
		return fmt.Errorf("PLAID_CLIENT_ID and PLAID_SECRET are required when PLAID_USE_STUB is off")
	}

	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET is required when BACKUP_ENABLED is on")
	}

	return nil
}

// PlaidHost resolves the provider endpoint: explicit base URL wins, otherwise
// the well-known host for the configured environment.
func (c *PlaidConfig) PlaidHost() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	switch c.Env {
	case "production":
		return "https://production.plaid.com"
	case "development":
		return "https://development.plaid.com"
	default:
		return "https://sandbox.plaid.com"
	}
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
