package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the invoicepipe server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Drive    DriveConfig
	Worker   WorkerConfig
	Security SecurityConfig
	Jobs     JobsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type DriveConfig struct {
	CredentialsFile string
	SharedFolderID  string
	PollInterval    time.Duration
}

type WorkerConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SecurityConfig struct {
	CallbackSecret       string
	MaxTokensAllowed     int
	MaxUploadsPerHour    int
	ReputationBaseURL    string
	ReputationAPIKey     string
	ReputationFailClosed bool
}

type JobsConfig struct {
	CreationInterval  time.Duration
	CreationBatchSize int
	RetryInterval     time.Duration
	LockLease         time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("INVOICEPIPE_PORT", 8080),
			Env:  envString("INVOICEPIPE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Drive: DriveConfig{
			CredentialsFile: os.Getenv("DRIVE_CREDENTIALS_FILE"),
			SharedFolderID:  os.Getenv("DRIVE_SHARED_FOLDER_ID"),
			PollInterval:    envDuration("DRIVE_POLL_INTERVAL", time.Hour),
		},
		Worker: WorkerConfig{
			BaseURL: envString("WORKER_BASE_URL", "http://localhost:8000"),
			Timeout: envDuration("WORKER_TIMEOUT", 5*time.Second),
		},
		Security: SecurityConfig{
			CallbackSecret:       os.Getenv("CALLBACK_SECRET"),
			MaxTokensAllowed:     envInt("SECURITY_MAX_TOKENS_ALLOWED", 120000),
			MaxUploadsPerHour:    envInt("SECURITY_MAX_UPLOADS_PER_HOUR", 20),
			ReputationBaseURL:    envString("REPUTATION_BASE_URL", "https://www.virustotal.com"),
			ReputationAPIKey:     os.Getenv("REPUTATION_API_KEY"),
			ReputationFailClosed: envBool("SECURITY_REPUTATION_FAIL_CLOSED", false),
		},
		Jobs: JobsConfig{
			CreationInterval:  envDuration("JOBS_CREATION_INTERVAL", 15*time.Second),
			CreationBatchSize: envInt("JOBS_CREATION_BATCH_SIZE", 50),
			RetryInterval:     envDuration("JOBS_RETRY_INTERVAL", 30*time.Second),
			LockLease:         envDuration("JOBS_LOCK_LEASE", 10*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Security.CallbackSecret == "" {
		return fmt.Errorf("CALLBACK_SECRET is required")
	}

	if c.Drive.SharedFolderID == "" {
		return fmt.Errorf("DRIVE_SHARED_FOLDER_ID is required")
	}

	if !strings.HasPrefix(c.Worker.BaseURL, "http://") && !strings.HasPrefix(c.Worker.BaseURL, "https://") {
		return fmt.Errorf("WORKER_BASE_URL must start with http:// or https://, got %q", c.Worker.BaseURL)
	}

	if !strings.HasPrefix(c.Security.ReputationBaseURL, "http://") && !strings.HasPrefix(c.Security.ReputationBaseURL, "https://") {
		return fmt.Errorf("REPUTATION_BASE_URL must start with http:// or https://, got %q", c.Security.ReputationBaseURL)
	}

	if c.Jobs.CreationBatchSize <= 0 {
		return fmt.Errorf("JOBS_CREATION_BATCH_SIZE must be positive, got %d", c.Jobs.CreationBatchSize)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
