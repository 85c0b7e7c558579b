package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server ServerConfig `mapstructure:"server" validate:"required"`
	AMQP   AMQPConfig   `mapstructure:"amqp"   validate:"required"`
	Store  StoreConfig  `mapstructure:"store"  validate:"required"`
	Worker WorkerConfig `mapstructure:"worker"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"                     validate:"required,gt=0,lt=65536"`
	LogLevel               string `mapstructure:"log_level"                validate:"required,oneof=debug info warn error"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" validate:"gte=0"`
}

// ShutdownTimeout returns the graceful shutdown budget of the HTTP server.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// AMQPConfig contains the broker connection settings.
type AMQPConfig struct {
	Host                    string `mapstructure:"host"                      validate:"required"`
	Port                    int    `mapstructure:"port"                      validate:"required,gt=0,lt=65536"`
	User                    string `mapstructure:"user"`
	Password                string `mapstructure:"password"`
	VHost                   string `mapstructure:"vhost"`
	MaxOutstandingMessages  int    `mapstructure:"max_outstanding_messages"  validate:"gt=0"`
	RequeueDelay            int    `mapstructure:"requeue_delay"             validate:"gte=0"`
	ConnectionRecoveryDelay int    `mapstructure:"connection_recovery_delay" validate:"gte=0"`
	DeadLetterEnabled       bool   `mapstructure:"dead_letter_enabled"`
	Heartbeat               int    `mapstructure:"heartbeat"                 validate:"gte=0"`
}

// URI builds the amqp:// URI of the broker.
func (c AMQPConfig) URI() string {
	return (&amqpURI{
		host:     c.Host,
		port:     c.Port,
		user:     c.User,
		password: c.Password,
		vhost:    c.VHost,
	}).String()
}

// RequeueDelayDuration is RequeueDelay (seconds) as a duration.
func (c AMQPConfig) RequeueDelayDuration() time.Duration {
	return time.Duration(c.RequeueDelay) * time.Second
}

// RecoveryDelay is ConnectionRecoveryDelay (milliseconds) as a duration.
func (c AMQPConfig) RecoveryDelay() time.Duration {
	return time.Duration(c.ConnectionRecoveryDelay) * time.Millisecond
}

// HeartbeatInterval is Heartbeat (seconds) as a duration.
func (c AMQPConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat) * time.Second
}

// StoreConfig selects and configures the task lifecycle repository.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"      validate:"required,oneof=badger postgres"`
	Path        string `mapstructure:"path"         validate:"required_if=Backend badger InMemory false"`
	InMemory    bool   `mapstructure:"in_memory"`
	DatabaseURL string `mapstructure:"database_url" validate:"required_if=Backend postgres"`
}

// WorkerConfig contains settings of the worker process.
type WorkerConfig struct {
	// TaskTTL is the reinjection budget given to new task events.
	TaskTTL    int    `mapstructure:"task_ttl"    validate:"gte=0"`
	RoutingKey string `mapstructure:"routing_key"`
	// Concurrency is the number of task consumers, each on its own channel.
	Concurrency int `mapstructure:"concurrency" validate:"gte=0"`
}
