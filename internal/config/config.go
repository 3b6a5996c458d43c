package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the letterpress binaries.
// Values are loaded from environment variables; see Validate for the constraints.
type Config struct {
	DatabaseURL string `json:"database_url,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// QueueBackend selects "redis" (durable, distributed) or "memory"
	// (in-process, jobs lost on crash).
	QueueBackend string `json:"queue_backend"`

	PollInterval    time.Duration `json:"-"`
	PollIntervalStr string        `json:"poll_interval"`

	MaxAttempts    int `json:"max_attempts"`
	WorkerPoolSize int `json:"worker_pool_size"`

	// LeaseTimeout must exceed twice the worst-case job execution time,
	// or the redis backend reclaims still-running jobs.
	LeaseTimeout    time.Duration `json:"-"`
	LeaseTimeoutStr string        `json:"lease_timeout"`

	DequeueTimeout    time.Duration `json:"-"`
	DequeueTimeoutStr string        `json:"dequeue_timeout"`

	BackoffBase    time.Duration `json:"-"`
	BackoffBaseStr string        `json:"backoff_base"`
	BackoffCap     time.Duration `json:"-"`
	BackoffCapStr  string        `json:"backoff_cap"`

	GeneratorURL        string        `json:"generator_url"`
	GeneratorSecret     string        `json:"generator_secret,omitempty"`
	GeneratorTimeout    time.Duration `json:"-"`
	GeneratorTimeoutStr string        `json:"generator_timeout"`

	SMTPAddr     string `json:"smtp_addr,omitempty"`
	SMTPFrom     string `json:"smtp_from,omitempty"`
	SMTPUsername string `json:"smtp_username,omitempty"`
	SMTPPassword string `json:"smtp_password,omitempty"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the worker's maximum backoff, or
	// jobs waiting out a retry delay get double-enqueued.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	AnalyticsEnabled bool `json:"analytics_enabled"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            os.Getenv("SQLITE_PATH"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		HTTPAddr:              os.Getenv("HTTP_ADDR"),
		QueueBackend:          os.Getenv("QUEUE_BACKEND"),
		PollIntervalStr:       os.Getenv("POLL_INTERVAL"),
		LeaseTimeoutStr:       os.Getenv("LEASE_TIMEOUT"),
		DequeueTimeoutStr:     os.Getenv("DEQUEUE_TIMEOUT"),
		BackoffBaseStr:        os.Getenv("BACKOFF_BASE"),
		BackoffCapStr:         os.Getenv("BACKOFF_CAP"),
		GeneratorURL:          os.Getenv("GENERATOR_URL"),
		GeneratorSecret:       os.Getenv("GENERATOR_SECRET"),
		GeneratorTimeoutStr:   os.Getenv("GENERATOR_TIMEOUT"),
		SMTPAddr:              os.Getenv("SMTP_ADDR"),
		SMTPFrom:              os.Getenv("SMTP_FROM"),
		SMTPUsername:          os.Getenv("SMTP_USERNAME"),
		SMTPPassword:          os.Getenv("SMTP_PASSWORD"),
		MetricsEnabled:        os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:           os.Getenv("METRICS_PATH"),
		ReconcileEnabled:      os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:  os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr: os.Getenv("RECONCILE_THRESHOLD"),
		AnalyticsEnabled:      os.Getenv("ANALYTICS_ENABLED") == "true",

		CircuitBreakerCooldownStr: os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		HTTPShutdownTimeoutStr:    os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DBConnMaxLifetimeStr:      os.Getenv("DB_CONN_MAX_LIFETIME"),
	}

	cfg.MaxAttempts = intEnv("MAX_ATTEMPTS", 3)
	cfg.WorkerPoolSize = intEnv("WORKER_POOL_SIZE", 4)
	cfg.ReconcileBatchSize = intEnv("RECONCILE_BATCH_SIZE", 100)
	cfg.CircuitBreakerThreshold = intEnvAllowZero("CIRCUIT_BREAKER_THRESHOLD", 5)
	cfg.DBMaxOpenConns = intEnv("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = intEnv("DB_MAX_IDLE_CONNS", 5)

	if cfg.QueueBackend == "" {
		if cfg.RedisAddr != "" {
			cfg.QueueBackend = "redis"
		} else {
			cfg.QueueBackend = "memory"
		}
	}

	// Support platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	if cfg.PollIntervalStr == "" {
		cfg.PollIntervalStr = "5m"
	}
	if cfg.LeaseTimeoutStr == "" {
		cfg.LeaseTimeoutStr = "10m"
	}
	if cfg.DequeueTimeoutStr == "" {
		cfg.DequeueTimeoutStr = "5s"
	}
	if cfg.BackoffBaseStr == "" {
		cfg.BackoffBaseStr = "30s"
	}
	if cfg.BackoffCapStr == "" {
		cfg.BackoffCapStr = "10m"
	}
	if cfg.GeneratorTimeoutStr == "" {
		cfg.GeneratorTimeoutStr = "60s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "5m"
	}
	if cfg.ReconcileThresholdStr == "" {
		cfg.ReconcileThresholdStr = "30m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.PollIntervalStr); err == nil {
		cfg.PollInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaseTimeoutStr); err == nil {
		cfg.LeaseTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DequeueTimeoutStr); err == nil {
		cfg.DequeueTimeout = d
	}
	if d, err := time.ParseDuration(cfg.BackoffBaseStr); err == nil {
		cfg.BackoffBase = d
	}
	if d, err := time.ParseDuration(cfg.BackoffCapStr); err == nil {
		cfg.BackoffCap = d
	}
	if d, err := time.ParseDuration(cfg.GeneratorTimeoutStr); err == nil {
		cfg.GeneratorTimeout = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileIntervalStr); err == nil {
		cfg.ReconcileInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err == nil {
		cfg.ReconcileThreshold = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}

	return cfg
}

// intEnv reads a positive integer from the environment, falling back to
// def on absence or garbage.
func intEnv(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, s, def)
		return def
	}
	return n
}

// intEnvAllowZero is intEnv, but an explicit 0 is kept (used to disable
// a feature).
func intEnvAllowZero(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil {
		log.Printf("config: invalid %s %q (must be a non-negative integer), using default %d", name, s, def)
		return def
	}
	return n
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.GeneratorSecret = maskValue(c.GeneratorSecret)
	masked.SMTPPassword = maskValue(c.SMTPPassword)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}

func maskValue(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
