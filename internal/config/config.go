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

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for the durable store (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Ranking cache (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BoardKey      string // ZSET key of the single logical board

	// Ingestion buffer
	BufferCapacity  int           // bounded queue size; submits block when full
	BatchSize       int           // drain batch cap
	FlushInterval   time.Duration // drain time window
	MaxFlushRetries int           // in-place attempts before a batch carries over
	SaturationLimit float64       // cache I/O queue fill fraction treated as overload

	// Durability stream
	StreamMaxRetries  int           // transient failures before dead-letter
	VisibilityTimeout time.Duration // idle time before a claimed entry is reclaimed
	StreamReadCount   int64         // entries per consumer-group read

	// Health heartbeats
	HeartbeatSchedule string // cron spec, e.g. "@every 3s"

	// Broadcast
	SnapshotInterval time.Duration // websocket snapshot cadence
	SnapshotTopN     int

	Backup *BackupConfig
}

// BackupConfig holds offsite store-backup configuration.
type BackupConfig struct {
	Enabled   bool
	Schedule  string // cron spec
	Bucket    string
	Endpoint  string // S3-compatible endpoint URL
	Region    string
	AccessKey string
	SecretKey string
	Keep      int // number of remote backups to retain
}

// Load reads configuration from environment variables, with a .env file as
// an optional source.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("LEADERBOARD_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		BoardKey:      getEnv("BOARD_KEY", "leaderboard:global:daily"),

		BufferCapacity:  getEnvAsInt("BUFFER_CAPACITY", 10000),
		BatchSize:       getEnvAsInt("BATCH_SIZE", 64),
		FlushInterval:   getEnvAsDuration("FLUSH_INTERVAL", 200*time.Millisecond),
		MaxFlushRetries: getEnvAsInt("MAX_FLUSH_RETRIES", 3),
		SaturationLimit: getEnvAsFloat("SATURATION_LIMIT", 0.9),

		StreamMaxRetries:  getEnvAsInt("STREAM_MAX_RETRIES", 5),
		VisibilityTimeout: getEnvAsDuration("VISIBILITY_TIMEOUT", 15*time.Second),
		StreamReadCount:   int64(getEnvAsInt("STREAM_READ_COUNT", 20)),

		HeartbeatSchedule: getEnv("HEARTBEAT_SCHEDULE", "@every 3s"),

		SnapshotInterval: getEnvAsDuration("SNAPSHOT_INTERVAL", 250*time.Millisecond),
		SnapshotTopN:     getEnvAsInt("SNAPSHOT_TOP_N", 50),

		Backup: loadBackupConfig(),
	}

	return cfg, nil
}

func loadBackupConfig() *BackupConfig {
	if !getEnvAsBool("BACKUP_ENABLED", false) {
		return nil
	}
	return &BackupConfig{
		Enabled:   true,
		Schedule:  getEnv("BACKUP_SCHEDULE", "@daily"),
		Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:    getEnv("BACKUP_S3_REGION", "auto"),
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		Keep:      getEnvAsInt("BACKUP_KEEP", 7),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
