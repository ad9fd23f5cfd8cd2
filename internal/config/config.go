// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
)

// Remote backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config is the process configuration.
type Config struct {
	DBPath   string
	LogLevel string
	HTTPPort int

	RemoteBackend string
	NATSURL       string
	NATSBucket    string
	RedisURL      string
	BadgerPath    string

	ProbeAddr     string
	ProbeInterval time.Duration

	SyncSchedule    string
	RiskSchedule    string
	SyncItemTimeout time.Duration

	Timezone string
	Location *time.Location

	// APIRateLimit is requests per second per client; 0 disables limiting.
	APIRateLimit float64

	// BackupSchedule is a cron spec; empty disables automatic backups.
	BackupSchedule  string
	BackupDir       string
	BackupRetention int
	BackupPassword  string
}

// Load reads .env if present, then the environment, and validates the
// result. It also initializes the global logger at LOG_LEVEL.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.Info("Configuration loaded", map[string]interface{}{
		"db_path":        cfg.DBPath,
		"remote_backend": cfg.RemoteBackend,
		"http_port":      cfg.HTTPPort,
		"probe_addr":     cfg.ProbeAddr,
		"timezone":       cfg.Location.String(),
	})
	return cfg, nil
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DBPath:          getEnv("DB_PATH", "./data"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		HTTPPort:        getEnvAsInt("HTTP_PORT", 8090),
		RemoteBackend:   getEnv("REMOTE_BACKEND", BackendMemory),
		NATSURL:         getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSBucket:      getEnv("NATS_BUCKET", "ADHERENCE_DOCS"),
		RedisURL:        getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		BadgerPath:      getEnv("BADGER_PATH", "./data/remote"),
		ProbeAddr:       getEnv("PROBE_ADDR", ""),
		ProbeInterval:   getEnvAsDuration("PROBE_INTERVAL", 30*time.Second),
		SyncSchedule:    getEnv("SYNC_SCHEDULE", "@every 15m"),
		RiskSchedule:    getEnv("RISK_SCHEDULE", "@hourly"),
		SyncItemTimeout: getEnvAsDuration("SYNC_ITEM_TIMEOUT", 30*time.Second),
		Timezone:        getEnv("TIMEZONE", "Local"),
		APIRateLimit:    getEnvAsFloat("API_RATE_LIMIT", 20),
		BackupSchedule:  getEnv("BACKUP_SCHEDULE", ""),
		BackupDir:       getEnv("BACKUP_DIR", "./data/backups"),
		BackupRetention: getEnvAsInt("BACKUP_RETENTION", 7),
		BackupPassword:  os.Getenv("BACKUP_PASSWORD"),
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid TIMEZONE "+cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and backend-specific requirements.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.DBPath, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.HTTPPort, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.RemoteBackend, validation.Required,
			validation.In(BackendMemory, BackendNATS, BackendRedis, BackendBadger)),
		validation.Field(&c.NATSURL, validation.When(c.RemoteBackend == BackendNATS, validation.Required)),
		validation.Field(&c.NATSBucket, validation.When(c.RemoteBackend == BackendNATS, validation.Required)),
		validation.Field(&c.RedisURL, validation.When(c.RemoteBackend == BackendRedis, validation.Required)),
		validation.Field(&c.BadgerPath, validation.When(c.RemoteBackend == BackendBadger, validation.Required)),
		validation.Field(&c.ProbeAddr, validation.When(c.ProbeAddr != "", is.DialString)),
		validation.Field(&c.ProbeInterval, validation.Min(time.Second)),
		validation.Field(&c.SyncItemTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.APIRateLimit, validation.Min(float64(0))),
		validation.Field(&c.BackupDir, validation.When(c.BackupSchedule != "", validation.Required)),
		validation.Field(&c.BackupRetention, validation.Min(0)),
		validation.Field(&c.BackupPassword, validation.When(c.BackupPassword != "", validation.Length(8, 0))),
	)
	if err != nil {
		return apperrors.Validation("invalid configuration", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
