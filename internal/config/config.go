package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
	ML       MLConfig       `mapstructure:"ml" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig contains the realtime event channel settings.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// StorageConfig contains object storage settings for image payloads.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint" validate:"required"`
	AccessKey string `mapstructure:"access_key" validate:"required"`
	SecretKey string `mapstructure:"secret_key" validate:"required"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// MLConfig contains inference backend settings.
type MLConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// QueueConfig contains scheduler and driver tunables.
type QueueConfig struct {
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches" validate:"gte=1,lte=16"`
	BatchSize            int           `mapstructure:"batch_size" validate:"gte=1"`
	MaxBatches           int           `mapstructure:"max_batches" validate:"gte=1"`
	MaxRetries           int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryInitialDelay    time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay"`
	RetryBackoffFactor   float64       `mapstructure:"retry_backoff_factor"`
	StuckThreshold       time.Duration `mapstructure:"stuck_threshold"`
	Retention            time.Duration `mapstructure:"retention"`
	DriverInterval       time.Duration `mapstructure:"driver_interval"`
}
