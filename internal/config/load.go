package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config
// file. Environment variables take precedence over values from config
// files. Returns a populated Config struct or an error if loading or
// validation fails.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Keys without a default still need registering or AutomaticEnv will
	// not surface them to Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("ml.base_url", "")
	v.SetDefault("ml.request_timeout", "5m")
	v.SetDefault("queue.max_concurrent_batches", 4)
	v.SetDefault("queue.batch_size", 8)
	v.SetDefault("queue.max_batches", 4)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_initial_delay", "1s")
	v.SetDefault("queue.retry_max_delay", "30s")
	v.SetDefault("queue.retry_backoff_factor", 2.0)
	v.SetDefault("queue.stuck_threshold", "10m")
	v.SetDefault("queue.retention", "24h")
	v.SetDefault("queue.driver_interval", "2s")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/segqueue")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; the environment must carry everything.
	}

	v.SetEnvPrefix("SEGQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
