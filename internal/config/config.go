// Package config provides configuration loading for the conveyor service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the conveyor service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// Queue configuration
	QueueType           string // "memory" or "redis"
	WorkerCount         int
	JobMaxAttempts      int
	JobBackoffBase      time.Duration
	QueueReportInterval time.Duration

	// Engine configuration
	ExecutionMode      string // "parallel" or "sequential"
	MaxStepConcurrency int
	DefaultMaxRetries  int
	DefaultRetryDelay  time.Duration
	DefaultStepTimeout time.Duration

	// Provider policy defaults
	ProviderRateRPS  float64
	ProviderBurst    int
	ProviderTimeout  time.Duration
	ProviderRateMode string // "reject" or "wait"

	// Monitor configuration
	HealthInterval      time.Duration
	DegradedThreshold   float64
	CriticalThreshold   float64
	DeadLetterThreshold int
	AlertCooldown       time.Duration

	// CORS configuration
	CORSOrigins []string

	// API rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("CONVEYOR_RUNSTORE", "memory"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// Queue
		QueueType:           getEnv("CONVEYOR_QUEUE", "memory"),
		WorkerCount:         getInt("WORKER_COUNT", 4),
		JobMaxAttempts:      getInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffBase:      getDuration("JOB_BACKOFF_BASE", 2*time.Second),
		QueueReportInterval: getDuration("QUEUE_REPORT_INTERVAL", 5*time.Second),

		// Engine
		ExecutionMode:      getEnv("EXECUTION_MODE", "parallel"),
		MaxStepConcurrency: getInt("MAX_STEP_CONCURRENCY", 4),
		DefaultMaxRetries:  getInt("DEFAULT_MAX_RETRIES", 0),
		DefaultRetryDelay:  getDuration("DEFAULT_RETRY_DELAY", 2*time.Second),
		DefaultStepTimeout: getDuration("DEFAULT_STEP_TIMEOUT", 0),

		// Providers
		ProviderRateRPS:  getFloat("PROVIDER_RATE_RPS", 10.0),
		ProviderBurst:    getInt("PROVIDER_BURST", 20),
		ProviderTimeout:  getDuration("PROVIDER_TIMEOUT", 2*time.Minute),
		ProviderRateMode: getEnv("PROVIDER_RATE_MODE", "wait"),

		// Monitor
		HealthInterval:      getDuration("HEALTH_INTERVAL", 30*time.Second),
		DegradedThreshold:   getFloat("DEGRADED_THRESHOLD", 0.05),
		CriticalThreshold:   getFloat("CRITICAL_THRESHOLD", 0.10),
		DeadLetterThreshold: getInt("DEADLETTER_THRESHOLD", 10),
		AlertCooldown:       getDuration("ALERT_COOLDOWN", 5*time.Minute),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// API rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
