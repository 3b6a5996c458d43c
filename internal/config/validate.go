package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// One storage backend is required.
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "one of DATABASE_URL or SQLITE_PATH is required",
		})
	}

	switch cfg.QueueBackend {
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, ValidationError{
				Field:   "REDIS_ADDR",
				Message: "required when QUEUE_BACKEND=redis",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "QUEUE_BACKEND",
			Message: fmt.Sprintf("must be 'redis' or 'memory', got %q", cfg.QueueBackend),
		})
	}

	if cfg.GeneratorURL == "" {
		errs = append(errs, ValidationError{
			Field:   "GENERATOR_URL",
			Message: "required",
		})
	}

	if cfg.SMTPAddr != "" && cfg.SMTPFrom == "" {
		errs = append(errs, ValidationError{
			Field:   "SMTP_FROM",
			Message: "required when SMTP_ADDR is set",
		})
	}

	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "ANALYTICS_ENABLED",
			Message: "requires REDIS_ADDR",
		})
	}

	errs = append(errs, validateDuration("POLL_INTERVAL", cfg.PollIntervalStr)...)
	errs = append(errs, validateDuration("LEASE_TIMEOUT", cfg.LeaseTimeoutStr)...)
	errs = append(errs, validateDuration("DEQUEUE_TIMEOUT", cfg.DequeueTimeoutStr)...)
	errs = append(errs, validateDuration("BACKOFF_BASE", cfg.BackoffBaseStr)...)
	errs = append(errs, validateDuration("BACKOFF_CAP", cfg.BackoffCapStr)...)
	errs = append(errs, validateDuration("GENERATOR_TIMEOUT", cfg.GeneratorTimeoutStr)...)
	errs = append(errs, validateDuration("RECONCILE_INTERVAL", cfg.ReconcileIntervalStr)...)
	errs = append(errs, validateDuration("RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr)...)
	errs = append(errs, validateDuration("CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr)...)
	errs = append(errs, validateDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr)...)

	if cfg.BackoffBase > 0 && cfg.BackoffCap > 0 && cfg.BackoffCap < cfg.BackoffBase {
		errs = append(errs, ValidationError{
			Field:   "BACKOFF_CAP",
			Message: "must be >= BACKOFF_BASE",
		})
	}

	if cfg.ReconcileEnabled && cfg.ReconcileThreshold > 0 && cfg.BackoffCap > 0 &&
		cfg.ReconcileThreshold <= cfg.BackoffCap {
		errs = append(errs, ValidationError{
			Field:   "RECONCILE_THRESHOLD",
			Message: "must exceed BACKOFF_CAP, or retrying jobs get double-enqueued",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}}
	}
	if d <= 0 {
		return ValidationErrors{{Field: field, Message: "must be positive"}}
	}
	return nil
}
