// Package config provides environment-driven configuration for the Pulse
// broadcast platform: database DSN, pod/cluster identity, event bus and
// registry bootstrap URLs, and the per-component tuning knobs named in
// spec.md's concurrency model (§5).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully-resolved process configuration, read once at startup.
type Config struct {
	PodName     string
	ClusterID   string
	Mode        string // equivalent of SPRING_PROFILES_ACTIVE: "development" | "production"
	HTTPPort    string

	Database DatabaseConfig
	Registry RegistryConfig
	EventBus EventBusConfig
	Queue    QueueConfig
	Push     PushConfig
	Scheduler SchedulerConfig
	Directory DirectoryConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN builds a libpq-style connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RegistryConfig selects and configures the Connection Registry (C3)
// implementation.
type RegistryConfig struct {
	// Backend is "redis" or "memory". Memory is single-pod only; Redis is
	// required for a multi-pod cluster (spec.md §9's two-implementation
	// capability).
	Backend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ConnectionTTL       time.Duration
	StaleThreshold      time.Duration
	PendingPerUserLimit int
}

// EventBusConfig configures the NATS JetStream Event Bus Adapter (C1).
type EventBusConfig struct {
	URL               string
	MaxReconnects     int
	ReconnectWait     time.Duration
	ConsumerCount     int
	MaxRedeliver      int
}

// QueueConfig tunes the Outbox Relay (C2) and leader-lock loops.
type QueueConfig struct {
	OutboxBatchSize  int
	OutboxPollInterval time.Duration
	LockAtLeastFor   time.Duration
	LockAtMostFor    time.Duration
}

// PushConfig tunes the Push Stream Manager (C7).
type PushConfig struct {
	ChannelCapacity     int
	HeartbeatInterval   time.Duration
	UrgentSendTimeout   time.Duration
	NormalSendTimeout   time.Duration
	ForceLogoffDenyWindow time.Duration
}

// SchedulerConfig tunes the Lifecycle Scheduler (C8).
type SchedulerConfig struct {
	ActivatorInterval   time.Duration
	ActivatorBatchSize  int
	ExpirerInterval     time.Duration
	StaleGCInterval     time.Duration
	ConnectionStaleAfter time.Duration
	FireAndForgetTTL    time.Duration
}

// DirectoryConfig points the Targeting Service (C4) at the external user
// directory it expands ALL/ROLE/PRODUCT specs against.
type DirectoryConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	BatchSize int
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Load builds a Config from the process environment, applying the same
// defaults-plus-override discipline as the teacher's *Config constructors.
func Load() *Config {
	return &Config{
		PodName:   getEnv("POD_NAME", "pulse-local"),
		ClusterID: getEnv("CLUSTER_NAME", "default"),
		Mode:      getEnv("PULSE_MODE", "development"),
		HTTPPort:  getEnv("HTTP_PORT", "8080"),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "pulse"),
			Password:        getEnv("DB_PASSWORD", "pulse"),
			Database:        getEnv("DB_NAME", "pulse"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		},

		Registry: RegistryConfig{
			Backend:             getEnv("REGISTRY_BACKEND", "memory"),
			RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:       getEnv("REDIS_PASSWORD", ""),
			RedisDB:             getEnvInt("REDIS_DB", 0),
			ConnectionTTL:       getEnvDuration("REGISTRY_CONNECTION_TTL", 30*time.Minute),
			StaleThreshold:      getEnvDuration("REGISTRY_STALE_THRESHOLD", 90*time.Second),
			PendingPerUserLimit: getEnvInt("REGISTRY_PENDING_PER_USER_LIMIT", 100),
		},

		EventBus: EventBusConfig{
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			MaxReconnects: getEnvInt("NATS_MAX_RECONNECTS", 60),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
			ConsumerCount: getEnvInt("EVENTBUS_CONSUMER_COUNT", 3),
			MaxRedeliver:  getEnvInt("EVENTBUS_MAX_REDELIVER", 2),
		},

		Queue: QueueConfig{
			OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 500),
			OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
			LockAtLeastFor:     getEnvDuration("LOCK_AT_LEAST_FOR", 5*time.Second),
			LockAtMostFor:      getEnvDuration("LOCK_AT_MOST_FOR", 59*time.Second),
		},

		Push: PushConfig{
			ChannelCapacity:       getEnvInt("PUSH_CHANNEL_CAPACITY", 256),
			HeartbeatInterval:     getEnvDuration("PUSH_HEARTBEAT_INTERVAL", 30*time.Second),
			UrgentSendTimeout:     getEnvDuration("PUSH_URGENT_SEND_TIMEOUT", time.Second),
			NormalSendTimeout:     getEnvDuration("PUSH_NORMAL_SEND_TIMEOUT", 100*time.Millisecond),
			ForceLogoffDenyWindow: getEnvDuration("PUSH_FORCE_LOGOFF_DENY_WINDOW", 30*time.Second),
		},

		Scheduler: SchedulerConfig{
			ActivatorInterval:    getEnvDuration("SCHEDULER_ACTIVATOR_INTERVAL", 60*time.Second),
			ActivatorBatchSize:   getEnvInt("SCHEDULER_ACTIVATOR_BATCH_SIZE", 100),
			ExpirerInterval:      getEnvDuration("SCHEDULER_EXPIRER_INTERVAL", 60*time.Second),
			StaleGCInterval:      getEnvDuration("SCHEDULER_STALE_GC_INTERVAL", 10*time.Second),
			ConnectionStaleAfter: getEnvDuration("SCHEDULER_CONNECTION_STALE_AFTER", 90*time.Second),
			FireAndForgetTTL:     getEnvDuration("SCHEDULER_FIRE_AND_FORGET_TTL", 5*time.Minute),
		},

		Directory: DirectoryConfig{
			BaseURL:   getEnv("DIRECTORY_BASE_URL", "http://localhost:9000"),
			Token:     getEnv("DIRECTORY_TOKEN", ""),
			Timeout:   getEnvDuration("DIRECTORY_TIMEOUT", 10*time.Second),
			BatchSize: getEnvInt("DIRECTORY_BATCH_SIZE", 1000),
		},
	}
}
