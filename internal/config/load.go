package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "DATASHARE"

// setDefaults registers the default value of every key so that viper also
// binds the matching environment variables during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("amqp.host", "localhost")
	v.SetDefault("amqp.port", 5672)
	v.SetDefault("amqp.user", "guest")
	v.SetDefault("amqp.password", "guest")
	v.SetDefault("amqp.vhost", "/")
	v.SetDefault("amqp.max_outstanding_messages", 100)
	v.SetDefault("amqp.requeue_delay", 30)
	v.SetDefault("amqp.connection_recovery_delay", 5000)
	v.SetDefault("amqp.dead_letter_enabled", true)
	v.SetDefault("amqp.heartbeat", 60)

	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.path", "./data/tasks")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("store.database_url", "")

	v.SetDefault("worker.task_ttl", 3)
	v.SetDefault("worker.routing_key", "")
	v.SetDefault("worker.concurrency", 1)
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
