// Package config provides configuration management for the job queue and sync workers.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Queue    QueueConfig
	Sync     SyncConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Local      PostgresConfig
	Remote     PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL understood by golang-migrate.
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration. The conflict audit sink
// is only wired when Enabled is set.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string

	// CreateDatabase creates Database on connect when it is missing
	CreateDatabase bool
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueueConfig holds job queue and worker pool configuration
type QueueConfig struct {
	Workers           int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	LeaseSafetyMargin time.Duration
	ReclaimInterval   time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffJitter     float64
	WorkerID          string
}

// SyncConfig holds sync engine configuration
type SyncConfig struct {
	Tables             []string
	IDColumn           string
	VersionColumn      string
	BatchSize          int
	MaxBatchesPerTable int
	Interval           time.Duration
	LockTTL            time.Duration
	RemoteRPS          float64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	leaseDuration := getEnvAsDuration("QUEUE_LEASE_DURATION", 5*time.Minute)

	config := &Config{
		Database: DatabaseConfig{
			Local:  loadPostgresConfig("LOCAL", "syncqueue"),
			Remote: loadPostgresConfig("REMOTE", "syncqueue"),
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "syncqueue"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),

				CreateDatabase: getEnvAsBool("CLICKHOUSE_CREATE_DATABASE", true),
				MaxConnections: getEnvAsInt("CLICKHOUSE_MAX_CONNECTIONS", 2),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Queue: QueueConfig{
			Workers:           getEnvAsInt("QUEUE_WORKERS", 4),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			LeaseDuration:     leaseDuration,
			LeaseSafetyMargin: getEnvAsDuration("QUEUE_LEASE_SAFETY_MARGIN", 30*time.Second),
			ReclaimInterval:   getEnvAsDuration("QUEUE_RECLAIM_INTERVAL", leaseDuration),
			MaxAttempts:       getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BackoffBase:       getEnvAsDuration("QUEUE_BACKOFF_BASE", time.Minute),
			BackoffCap:        getEnvAsDuration("QUEUE_BACKOFF_CAP", 30*time.Minute),
			BackoffJitter:     getEnvAsFloat("QUEUE_BACKOFF_JITTER", 0.2),
			WorkerID:          getEnv("QUEUE_WORKER_ID", defaultWorkerID()),
		},
		Sync: SyncConfig{
			Tables:             getEnvAsList("SYNC_TABLES", nil),
			IDColumn:           getEnv("SYNC_ID_COLUMN", "id"),
			VersionColumn:      getEnv("SYNC_VERSION_COLUMN", "version"),
			BatchSize:          getEnvAsInt("SYNC_BATCH_SIZE", 500),
			MaxBatchesPerTable: getEnvAsInt("SYNC_MAX_BATCHES_PER_TABLE", 10),
			Interval:           getEnvAsDuration("SYNC_INTERVAL", 5*time.Minute),
			LockTTL:            getEnvAsDuration("SYNC_LOCK_TTL", 10*time.Minute),
			RemoteRPS:          getEnvAsFloat("SYNC_REMOTE_RPS", 0),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the queue and sync settings for values the workers cannot run with.
func (c *Config) Validate() error {
	q := c.Queue
	if q.Workers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive, got %d", q.Workers)
	}
	if q.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive, got %v", q.PollInterval)
	}
	if q.LeaseDuration <= 0 {
		return fmt.Errorf("QUEUE_LEASE_DURATION must be positive, got %v", q.LeaseDuration)
	}
	if q.LeaseSafetyMargin < 0 || q.LeaseSafetyMargin >= q.LeaseDuration {
		return fmt.Errorf("QUEUE_LEASE_SAFETY_MARGIN (%v) must be non-negative and below the lease duration (%v)",
			q.LeaseSafetyMargin, q.LeaseDuration)
	}
	if q.ReclaimInterval <= 0 {
		return fmt.Errorf("QUEUE_RECLAIM_INTERVAL must be positive, got %v", q.ReclaimInterval)
	}
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", q.MaxAttempts)
	}
	if q.BackoffBase <= 0 || q.BackoffBase > q.BackoffCap {
		return fmt.Errorf("QUEUE_BACKOFF_BASE (%v) must be positive and not above QUEUE_BACKOFF_CAP (%v)",
			q.BackoffBase, q.BackoffCap)
	}
	if q.BackoffJitter < 0 || q.BackoffJitter >= 1 {
		return fmt.Errorf("QUEUE_BACKOFF_JITTER must be in [0,1), got %v", q.BackoffJitter)
	}

	s := c.Sync
	if s.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1, got %d", s.BatchSize)
	}
	if s.MaxBatchesPerTable < 1 {
		return fmt.Errorf("SYNC_MAX_BATCHES_PER_TABLE must be at least 1, got %d", s.MaxBatchesPerTable)
	}
	if s.IDColumn == "" || s.VersionColumn == "" {
		return fmt.Errorf("SYNC_ID_COLUMN and SYNC_VERSION_COLUMN must be set")
	}
	return nil
}

// loadPostgresConfig reads a Postgres block under the given prefix, e.g. LOCAL_POSTGRES_HOST.
func loadPostgresConfig(prefix, defaultDB string) PostgresConfig {
	p := prefix + "_POSTGRES_"
	return PostgresConfig{
		Host:           getEnv(p+"HOST", "localhost"),
		Port:           getEnv(p+"PORT", "5432"),
		Database:       getEnv(p+"DB", defaultDB),
		User:           getEnv(p+"USER", "syncqueue"),
		Password:       getEnv(p+"PASSWORD", ""),
		SSLMode:        getEnv(p+"SSLMODE", "disable"),
		MaxConnections: getEnvAsInt(p+"MAX_CONNECTIONS", 20),
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
